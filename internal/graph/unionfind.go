package graph

// UnionFind：路径压缩 + 按秩合并
type UnionFind struct {
	parent map[string]string
	rank   map[string]int
}

func NewUnionFind(ids []string) *UnionFind {
	uf := &UnionFind{parent: make(map[string]string, len(ids)), rank: make(map[string]int, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

// Find：未登记的 ID 视为自身
func (uf *UnionFind) Find(id string) string {
	p, ok := uf.parent[id]
	if !ok || p == id {
		return id
	}
	root := uf.Find(p)
	uf.parent[id] = root
	return root
}

// Union：两者原本不连通时返回 true
func (uf *UnionFind) Union(a, b string) bool {
	ra, rb := uf.Find(a), uf.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
	return true
}

// Components：按根分组
func (uf *UnionFind) Components() [][]string {
	groups := make(map[string][]string)
	for id := range uf.parent {
		r := uf.Find(id)
		groups[r] = append(groups[r], id)
	}
	out := make([][]string, 0, len(groups))
	for _, m := range groups {
		out = append(out, m)
	}
	return out
}
