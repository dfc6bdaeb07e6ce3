package synthesis

import (
	"math"
	"sort"
	"strings"

	"transit-graph/internal/geo"
	"transit-graph/internal/ids"
	"transit-graph/internal/model"
)

var (
	airportKeywords = []string{"airport", "аэропорт"}
	stationKeywords = []string{"station", "вокзал", "станция", "автовокзал"}
)

// 文档注释：选取城市主站
// 约束：先按 ID 排序，再取第一个含机场关键词的站，其次车站关键词，否则第一个；与输入顺序无关。
func MainStop(stops []model.Stop) (model.Stop, bool) {
	if len(stops) == 0 {
		return model.Stop{}, false
	}
	sorted := append([]model.Stop(nil), stops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, kws := range [][]string{airportKeywords, stationKeywords} {
		for _, s := range sorted {
			name := geo.NormalizeCity(s.Name)
			for _, kw := range kws {
				if strings.Contains(name, kw) {
					return s, true
				}
			}
		}
	}
	return sorted[0], true
}

// cityPair：无序城市对
type cityPair struct{ a, b string }

func pairOf(x, y string) cityPair {
	if x > y {
		x, y = y, x
	}
	return cityPair{x, y}
}

// planner：收集本次要写入的虚拟线路，按有向 ID 去重
type planner struct {
	opt    Options
	routes []model.Route
	seen   map[string]bool
	pairs  map[cityPair]bool
}

func newPlanner(opt Options) *planner {
	return &planner{opt: opt, seen: map[string]bool{}, pairs: map[cityPair]bool{}}
}

// RouteDuration：max(MinMinutes, round(km / speed * 60))
func RouteDuration(km, speedKmh float64, minMinutes int) int {
	d := int(math.Round(km / speedKmh * 60))
	if d < minMinutes {
		return minMinutes
	}
	return d
}

// addPair：在两个城市的站点之间加一对往返线路，返回新增条数
func (p *planner) addPair(from, to model.Stop, fromKey, toKey, method string) int {
	if fromKey == toKey || from.ID == to.ID {
		return 0
	}
	n := p.addLeg(from, to, fromKey, toKey, method) + p.addLeg(to, from, toKey, fromKey, method)
	p.pairs[pairOf(fromKey, toKey)] = true
	return n
}

func (p *planner) addLeg(from, to model.Stop, fromKey, toKey, method string) int {
	id := ids.VirtualRoute(fromKey, toKey)
	if p.seen[id] {
		return 0
	}
	km := geo.Distance(from.Coordinates, to.Coordinates)
	p.routes = append(p.routes, model.Route{
		ID:               id,
		FromStopID:       from.ID,
		ToStopID:         to.ID,
		TransportMode:    model.ModeAir,
		DistanceKm:       km,
		DurationMinutes:  RouteDuration(km, p.opt.SpeedKmh, p.opt.MinMinutes),
		Kind:             model.KindVirtual,
		GenerationMethod: method,
		SourceCity:       fromKey,
		TargetCity:       toKey,
		Metadata:         map[string]any{"generationMethod": method, "sourceCity": fromKey, "targetCity": toKey},
	})
	p.seen[id] = true
	return 1
}

func (p *planner) has(a, b string) bool { return p.pairs[pairOf(a, b)] }

// 文档注释：最小生成树（Prim，haversine 权重）
// 背景：无枢纽且虚拟站点数超过全连接上限时，以生成树保证连通，线路数为 O(n)。
// 返回：边的下标对，按加入顺序。
func minimumSpanningTree(stops []model.Stop) [][2]int {
	n := len(stops)
	if n < 2 {
		return nil
	}
	inTree := make([]bool, n)
	best := make([]float64, n)
	parent := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
		parent[i] = -1
	}
	best[0] = 0
	var edges [][2]int
	for k := 0; k < n; k++ {
		u := -1
		for i := 0; i < n; i++ {
			if !inTree[i] && (u == -1 || best[i] < best[u]) {
				u = i
			}
		}
		inTree[u] = true
		if parent[u] >= 0 {
			edges = append(edges, [2]int{parent[u], u})
		}
		for v := 0; v < n; v++ {
			if inTree[v] {
				continue
			}
			if d := geo.Distance(stops[u].Coordinates, stops[v].Coordinates); d < best[v] {
				best[v] = d
				parent[v] = u
			}
		}
	}
	return edges
}
