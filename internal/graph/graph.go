// 包 graph：由站点与线路构建有向加权图，并在发布前校验
package graph

import (
	"errors"
	"fmt"
	"sort"

	"transit-graph/internal/model"
)

// ErrValidation：图为空或不可发布
var ErrValidation = errors.New("graph validation failed")

// 文档注释：内存中的路网图
// 约束：节点集 = 该版本全部真实 + 虚拟站点；边仅来自两端均在节点集中的线路。
type Graph struct {
	Nodes     []string
	Adjacency map[string][]model.AdjacencyEntry
	Edges     int
	Dangling  int
}

// 文档注释：构建有向图
// 背景：每条线路生成一条 from -> to 的边，权重为时长（分钟），附带距离、交通方式与线路 ID。
// 约束：端点缺失的线路计入 Dangling 并跳过；重复站点 ID 只保留一个节点；邻接表按权重、邻居 ID、线路 ID 排序，保证输出确定。
func Build(stops []model.Stop, routes []model.Route) *Graph {
	g := &Graph{Adjacency: make(map[string][]model.AdjacencyEntry, len(stops))}
	for _, s := range stops {
		if s.ID == "" {
			continue
		}
		if _, ok := g.Adjacency[s.ID]; ok {
			continue
		}
		g.Adjacency[s.ID] = nil
		g.Nodes = append(g.Nodes, s.ID)
	}
	sort.Strings(g.Nodes)
	for _, r := range routes {
		_, okFrom := g.Adjacency[r.FromStopID]
		_, okTo := g.Adjacency[r.ToStopID]
		if !okFrom || !okTo {
			g.Dangling++
			continue
		}
		g.Adjacency[r.FromStopID] = append(g.Adjacency[r.FromStopID], model.AdjacencyEntry{
			NodeID:        r.FromStopID,
			NeighborID:    r.ToStopID,
			Weight:        float64(r.DurationMinutes),
			Distance:      r.DistanceKm,
			TransportMode: r.TransportMode,
			RouteID:       r.ID,
		})
		g.Edges++
	}
	for id, list := range g.Adjacency {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Weight != list[j].Weight {
				return list[i].Weight < list[j].Weight
			}
			if list[i].NeighborID != list[j].NeighborID {
				return list[i].NeighborID < list[j].NeighborID
			}
			return list[i].RouteID < list[j].RouteID
		})
		g.Adjacency[id] = list
	}
	return g
}

// Validate：空节点集或空边集拒绝发布
func (g *Graph) Validate() error {
	if g == nil || len(g.Nodes) == 0 {
		return fmt.Errorf("%w: graph has no nodes", ErrValidation)
	}
	if g.Edges == 0 {
		return fmt.Errorf("%w: graph has no edges (%d nodes)", ErrValidation, len(g.Nodes))
	}
	return nil
}

// Neighbors：节点出边；未知节点返回 nil
func (g *Graph) Neighbors(id string) []model.AdjacencyEntry { return g.Adjacency[id] }

// 文档注释：弱连通分量报告
// 背景：仅用于日志，不作为发布门槛。
type Report struct {
	Components  int
	LargestSize int
	Isolated    int
}

// Connectivity：按无向边合并节点，统计分量
func (g *Graph) Connectivity() Report {
	uf := NewUnionFind(g.Nodes)
	for _, list := range g.Adjacency {
		for _, e := range list {
			uf.Union(e.NodeID, e.NeighborID)
		}
	}
	var rep Report
	for _, members := range uf.Components() {
		rep.Components++
		if len(members) > rep.LargestSize {
			rep.LargestSize = len(members)
		}
		if len(members) == 1 {
			rep.Isolated++
		}
	}
	return rep
}
