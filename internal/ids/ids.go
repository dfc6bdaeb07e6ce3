// 包 ids：确定性 ID 生成（版本化哈希方案）与记录主键
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"transit-graph/internal/geo"
)

// 文档注释：确定性 ID 方案版本
// 背景：虚拟实体 ID 是数据模型的一部分，重跑依赖“相同输入得到相同 ID”来去重。
// 约束：修改哈希算法或拼接规则必须同时提升 Scheme，视为一次数据迁移。
const Scheme = "v1"

const sep = "\x1f"

// digest：sha256(Scheme ␟ kind ␟ parts...) 的前 16 字节十六进制
func digest(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(Scheme + sep + kind))
	for _, p := range parts {
		h.Write([]byte(sep + p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// VirtualStop：城市的虚拟站点 ID；城市名先归一化
func VirtualStop(city string) string {
	return "vstop-" + digest("stop", geo.NormalizeCity(city))
}

// VirtualRoute：有向城市对的虚拟线路 ID
func VirtualRoute(fromCity, toCity string) string {
	return "vroute-" + digest("route", geo.NormalizeCity(fromCity), geo.NormalizeCity(toCity))
}

// VirtualFlight：虚拟航班 ID，由线路、日偏移与时段序号确定
func VirtualFlight(routeID string, dayOffset, slot int) string {
	return "vflight-" + digest("flight", routeID, strconv.Itoa(dayOffset), strconv.Itoa(slot))
}

// IsVirtualID：按前缀判断是否为确定性虚拟 ID
func IsVirtualID(id string) bool {
	return strings.HasPrefix(id, "vstop-") || strings.HasPrefix(id, "vroute-") || strings.HasPrefix(id, "vflight-")
}

// NewRecordID：数据集/图元数据的主键，无需确定性
func NewRecordID() string { return uuid.NewString() }
