// 包 backup：图快照的 gzip JSON 备份导出
package backup

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"transit-graph/internal/graph"
	"transit-graph/internal/logger"
	"transit-graph/internal/model"
)

// Snapshot：备份文件内容
type Snapshot struct {
	Version        string                            `json:"version"`
	DatasetVersion string                            `json:"datasetVersion"`
	ExportedAt     time.Time                         `json:"exportedAt"`
	Nodes          []string                          `json:"nodes"`
	Adjacency      map[string][]model.AdjacencyEntry `json:"adjacency"`
}

// Path：<dir>/<version>.json.gz
func Path(dir, version string) string { return filepath.Join(dir, version+".json.gz") }

// 文档注释：导出图快照
// 背景：备份不参与服务，只用于缓存层全部丢失时的人工恢复。
// 约束：先写 .tmp 再 rename，读者不会看到半个文件；dir 为空时不导出并返回空路径。
func Export(dir, version, datasetVersion string, g *graph.Graph) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	fp := Path(dir, version)
	tmp := fp + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)
	zw := gzip.NewWriter(f)
	snap := Snapshot{Version: version, DatasetVersion: datasetVersion, ExportedAt: time.Now().UTC(), Nodes: g.Nodes, Adjacency: g.Adjacency}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		f.Close()
		return "", fmt.Errorf("encode backup %s: %w", version, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, fp); err != nil {
		return "", err
	}
	logger.L().Info("graph_backup_written", "version", version, "path", fp)
	return fp, nil
}

// Load：读取备份，供恢复与校验
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Graph：由快照还原内存图
func (s *Snapshot) Graph() *graph.Graph {
	g := &graph.Graph{Nodes: s.Nodes, Adjacency: s.Adjacency}
	if g.Adjacency == nil {
		g.Adjacency = map[string][]model.AdjacencyEntry{}
	}
	for _, id := range g.Nodes {
		if _, ok := g.Adjacency[id]; !ok {
			g.Adjacency[id] = nil
		}
		g.Edges += len(g.Adjacency[id])
	}
	return g
}
