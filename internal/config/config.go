// 包 config：管线配置。环境变量（可由 .env 提供）给出默认值，可选 YAML 文件覆盖调参项
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config：管线调参项；yaml 标签对应 PIPELINE_CONFIG 文件字段
type Config struct {
	SourceBaseURL       string   `yaml:"sourceBaseURL" validate:"omitempty,url"`
	SourceTimeoutS      int      `yaml:"sourceTimeoutS" validate:"gt=0"`
	SyncCooldownS       int      `yaml:"syncCooldownS" validate:"gte=0"`
	HubCity             string   `yaml:"hubCity"`
	ReferenceCitiesFile string   `yaml:"referenceCitiesFile"`
	FlightHorizonDays   int      `yaml:"flightHorizonDays" validate:"gt=0,lte=3660"`
	FlightSlots         []string `yaml:"flightSlots" validate:"required,min=1,dive,datetime=15:04"`
	FlightTZ            string   `yaml:"flightTZ" validate:"required,timezone"`
	VirtualPrice        float64  `yaml:"virtualPrice" validate:"gte=0"`
	VirtualSpeedKmh     float64  `yaml:"virtualSpeedKmh" validate:"gt=0"`
	VirtualMinMinutes   int      `yaml:"virtualMinMinutes" validate:"gte=0"`
	FullMeshLimit       int      `yaml:"fullMeshLimit" validate:"gte=2"`
	BatchSize           int      `yaml:"batchSize" validate:"gt=0"`
	BackupDir           string   `yaml:"backupDir"`
	GraphKeepVersions   int      `yaml:"graphKeepVersions" validate:"gte=1"`
	DaemonIntervalS     int      `yaml:"daemonIntervalS" validate:"gt=0"`
	StatusAddr          string   `yaml:"statusAddr"`
	StatusRateLimitQPS  int      `yaml:"statusRateLimitQPS" validate:"gte=0"`
	GraphL1Size         int      `yaml:"graphL1Size" validate:"gte=0"`
}

// Default：内置默认值
func Default() Config {
	return Config{
		SourceTimeoutS:    30,
		SyncCooldownS:     3600,
		HubCity:           "Yakutsk",
		FlightHorizonDays: 365,
		FlightSlots:       []string{"08:00", "16:00"},
		FlightTZ:          "Asia/Yakutsk",
		VirtualPrice:      5000,
		VirtualSpeedKmh:   60,
		VirtualMinMinutes: 60,
		FullMeshLimit:     40,
		BatchSize:         5000,
		GraphKeepVersions: 3,
		DaemonIntervalS:   300,
		StatusAddr:        ":9090",
		GraphL1Size:       10000,
	}
}

// LoadEnvFiles：加载 .env 与 data/env/.env，缺失时忽略
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("data/env/.env")
}

// 文档注释：读取配置
// 背景：部署以环境变量为主；PIPELINE_CONFIG 指向的 YAML 只覆盖其中出现的字段。
// 约束：非法数值静默回退默认值（与连接池参数处理一致）；最终结果统一经 validator 校验。
func Load() (Config, error) {
	c := Default()
	c.SourceBaseURL = os.Getenv("SOURCE_BASE_URL")
	envInt("SOURCE_TIMEOUT_S", &c.SourceTimeoutS)
	envInt("SYNC_COOLDOWN_S", &c.SyncCooldownS)
	envStr("HUB_CITY", &c.HubCity)
	envStr("REFERENCE_CITIES_FILE", &c.ReferenceCitiesFile)
	envInt("FLIGHT_HORIZON_DAYS", &c.FlightHorizonDays)
	if v := os.Getenv("FLIGHT_SLOTS"); v != "" {
		var slots []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				slots = append(slots, s)
			}
		}
		c.FlightSlots = slots
	}
	envStr("FLIGHT_TZ", &c.FlightTZ)
	envFloat("VIRTUAL_PRICE", &c.VirtualPrice)
	envFloat("VIRTUAL_SPEED_KMH", &c.VirtualSpeedKmh)
	envInt("VIRTUAL_MIN_MINUTES", &c.VirtualMinMinutes)
	envInt("FULL_MESH_LIMIT", &c.FullMeshLimit)
	envInt("BATCH_SIZE", &c.BatchSize)
	envStr("BACKUP_DIR", &c.BackupDir)
	envInt("GRAPH_KEEP_VERSIONS", &c.GraphKeepVersions)
	envInt("DAEMON_INTERVAL_S", &c.DaemonIntervalS)
	envStr("STATUS_ADDR", &c.StatusAddr)
	envInt("STATUS_RATE_LIMIT_QPS", &c.StatusRateLimitQPS)
	envInt("GRAPH_L1_SIZE", &c.GraphL1Size)
	if p := os.Getenv("PIPELINE_CONFIG"); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return c, fmt.Errorf("read pipeline config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse pipeline config: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate：结构校验
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutS) * time.Second
}

func (c Config) SyncCooldown() time.Duration {
	return time.Duration(c.SyncCooldownS) * time.Second
}

func (c Config) DaemonInterval() time.Duration {
	return time.Duration(c.DaemonIntervalS) * time.Second
}

// Location：航班时刻所在时区
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.FlightTZ)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
