// 包 geo：球面距离与城市名归一化
package geo

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"transit-graph/internal/model"
)

// EarthRadiusKm：Haversine 使用的地球平均半径
const EarthRadiusKm = 6371.0

// 球面距离（Haversine），返回千米
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance：两点坐标之间的球面距离（千米）
func Distance(a, b model.Coordinates) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// 文档注释：城市名归一化
// 背景：源数据中同一城市可能大小写、变音符号（如 ё/é）、空白与连字符写法不一致；统一后作为分组键。
// 约束：NFD 分解后去除组合附加符号，再小写并折叠空白；连字符与下划线视为空白。
func NormalizeCity(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
