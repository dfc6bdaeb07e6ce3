package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"transit-graph/internal/assembly"
	"transit-graph/internal/config"
	"transit-graph/internal/datasetsync"
	"transit-graph/internal/graphstore"
	"transit-graph/internal/logger"
	"transit-graph/internal/migrate"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/refcity"
	"transit-graph/internal/source"
	"transit-graph/internal/store"
	"transit-graph/internal/synthesis"
	"transit-graph/internal/utils"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "transit-pipeline",
	Short:         "Transit dataset sync, connectivity synthesis and graph publication",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadEnvFiles()
		if logLevel != "" {
			_ = os.Setenv("LOG_LEVEL", logLevel)
		}
		if configPath != "" {
			_ = os.Setenv("PIPELINE_CONFIG", configPath)
		}
		logger.Setup().Debug("log_init_ok")
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.L().Error("command_failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file overriding pipeline settings (PIPELINE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (LOG_LEVEL)")
}

// app：一次命令执行所需的全部依赖
type app struct {
	cfg    config.Config
	db     *sql.DB
	rdb    *redis.Client
	pg     *store.Postgres
	repos  store.Repositories
	graphs *graphstore.Store
}

// 文档注释：打开数据库与缓存并确保表结构
// 约束：Postgres 与 Redis 均为必需；任何一步失败都关闭已打开的连接。
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	l := logger.L()
	db, err := utils.OpenPostgresFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	l.Info("db_open_ok")
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	rdb, err := utils.OpenRedisFromEnv(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.Info("redis_open_ok")
	pg := store.NewPostgres(db, cfg.BatchSize)
	return &app{
		cfg:    cfg,
		db:     db,
		rdb:    rdb,
		pg:     pg,
		repos:  pg.Repositories(),
		graphs: graphstore.New(graphstore.NewPostgresMetadata(db), rdb, cfg.GraphL1Size),
	}, nil
}

func (a *app) Close() {
	_ = a.rdb.Close()
	_ = a.db.Close()
}

// 文档注释：构建阶段注册表
// 背景：每次调用得到独立的注册表，不使用包级单例。
// 约束：同步阶段套用持久化的最小间隔；所有阶段统一套用日志与指标中间件。
func (a *app) registry() (*pipeline.Registry, error) {
	dir, err := refcity.Load(a.cfg.ReferenceCitiesFile)
	if err != nil {
		return nil, err
	}
	opt, err := synthesis.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	client := source.NewClient(a.cfg.SourceBaseURL, a.cfg.SourceTimeout(), nil)
	common := []pipeline.Middleware{pipeline.WithLogging(), pipeline.WithMetrics()}
	stages := []pipeline.Stage{
		pipeline.Wrap(datasetsync.New(client, a.repos, dir), append(common, pipeline.WithMinInterval(a.repos.Runs, a.cfg.SyncCooldown()))...),
		pipeline.Wrap(synthesis.New(a.repos, dir, opt), common...),
		pipeline.Wrap(assembly.New(a.repos, a.graphs, assembly.Options{BackupDir: a.cfg.BackupDir, KeepVersions: a.cfg.GraphKeepVersions}), common...),
	}
	reg := pipeline.NewRegistry()
	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	logger.L().Debug("registry_ready", "stages", reg.Names(), "reference_region", dir.Region, "reference_cities", len(dir.Cities()))
	return reg, nil
}
