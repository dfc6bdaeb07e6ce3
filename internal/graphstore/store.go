// 包 graphstore：混合图存储（PostgreSQL 元数据 + Redis 邻接缓存 + 进程内 LRU）
package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/redis/go-redis/v9"

	"transit-graph/internal/graph"
	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/model"
	"transit-graph/internal/store"
)

const (
	activeKey         = "graph:version"
	versionsKey       = "graph:versions"
	publishedNodesKey = "graph:nodes"
	writeChunk        = 500
)

// StorageKey：版本作用域的键前缀，记录到 Graph.StorageKey
func StorageKey(version string) string { return "graph:" + version }

func nodeKey(version, id string) string      { return StorageKey(version) + ":node:" + id }
func neighborsKey(version, id string) string { return nodeKey(version, id) + ":neighbors" }
func nodesKey(version string) string         { return StorageKey(version) + ":nodes" }

// 对外发布视图：路径查询按固定键 graph:node:<id>[:neighbors] 读取激活图，不感知版本
func PublishedNodeKey(id string) string      { return "graph:node:" + id }
func PublishedNeighborsKey(id string) string { return PublishedNodeKey(id) + ":neighbors" }

// 文档注释：混合图存储
// 背景：构建中的图写入新版本键空间，与正在服务的版本互不干扰；激活时把该版本复制到固定键的发布视图，并切换 graph:version 指针。
// 约束：版本作用域的键写入后不再修改，因此 L1 可按 version+node 缓存而无需失效；缓存层缺失按空结果处理。
type Store struct {
	meta MetadataRepository
	rdb  *redis.Client
	l1   gcache.Cache
}

// New：l1Size<=0 时关闭进程内缓存
func New(meta MetadataRepository, rdb *redis.Client, l1Size int) *Store {
	s := &Store{meta: meta, rdb: rdb}
	if l1Size > 0 {
		s.l1 = gcache.New(l1Size).LRU().Build()
	}
	return s
}

// GetActiveVersion：优先读缓存指针；指针冷启动时回退到持久层激活行。无激活图返回空串
func (s *Store) GetActiveVersion(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, activeKey).Result()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}
	g, err := s.meta.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	logger.L().Debug("graph_pointer_cold", "version", g.Version)
	return g.Version, nil
}

// SetActiveVersion：单条 SET，读者要么看到旧值要么看到新值
func (s *Store) SetActiveVersion(ctx context.Context, version string) error {
	return s.rdb.Set(ctx, activeKey, version, 0).Err()
}

// 文档注释：整体写入某版本的邻接表
// 约束：先清掉该版本旧键再写，不做增量修补；按块在 MULTI/EXEC 中提交。
func (s *Store) WriteAdjacency(ctx context.Context, version string, g *graph.Graph) error {
	if err := s.dropVersion(ctx, version); err != nil {
		return fmt.Errorf("reset graph %s: %w", version, err)
	}
	if s.l1 != nil {
		s.l1.Purge()
	}
	for i := 0; i < len(g.Nodes); i += writeChunk {
		end := i + writeChunk
		if end > len(g.Nodes) {
			end = len(g.Nodes)
		}
		chunk := g.Nodes[i:end]
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, 0, len(chunk))
			for _, id := range chunk {
				list := g.Adjacency[id]
				if list == nil {
					list = []model.AdjacencyEntry{}
				}
				b, err := json.Marshal(list)
				if err != nil {
					return err
				}
				pipe.Set(ctx, nodeKey(version, id), "1", 0)
				pipe.Set(ctx, neighborsKey(version, id), b, 0)
				members = append(members, id)
			}
			pipe.SAdd(ctx, nodesKey(version), members...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("write adjacency %s: %w", version, err)
		}
	}
	if err := s.rdb.ZAdd(ctx, versionsKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: version}).Err(); err != nil {
		return err
	}
	logger.L().Info("graph_adjacency_written", "version", version, "nodes", len(g.Nodes), "edges", g.Edges)
	return nil
}

// HasNode：查询当前激活版本
func (s *Store) HasNode(ctx context.Context, id string) (bool, error) {
	v, err := s.GetActiveVersion(ctx)
	if err != nil || v == "" {
		return false, err
	}
	n, err := s.rdb.Exists(ctx, nodeKey(v, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetNeighbors：当前激活版本下的出边；冷节点返回空列表
func (s *Store) GetNeighbors(ctx context.Context, id string) ([]model.AdjacencyEntry, error) {
	v, err := s.GetActiveVersion(ctx)
	if err != nil || v == "" {
		return nil, err
	}
	return s.GetNeighborsAt(ctx, v, id)
}

// GetNeighborsAt：指定版本的出边
func (s *Store) GetNeighborsAt(ctx context.Context, version, id string) ([]model.AdjacencyEntry, error) {
	l1Key := version + "\x00" + id
	if s.l1 != nil {
		if cached, err := s.l1.Get(l1Key); err == nil {
			if list, ok := cached.([]model.AdjacencyEntry); ok {
				metrics.GraphCacheHitsTotal.WithLabelValues("memory").Inc()
				return list, nil
			}
		}
	}
	raw, err := s.rdb.Get(ctx, neighborsKey(version, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.GraphCacheMissesTotal.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []model.AdjacencyEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode neighbors %s: %w", id, err)
	}
	metrics.GraphCacheHitsTotal.WithLabelValues("redis").Inc()
	if s.l1 != nil {
		_ = s.l1.Set(l1Key, list)
	}
	return list, nil
}

// GetEdgeWeight：扫描 a 的出边寻找 b；邻接表按权重升序，首个命中即最小权重
func (s *Store) GetEdgeWeight(ctx context.Context, a, b string) (float64, bool, error) {
	list, err := s.GetNeighbors(ctx, a)
	if err != nil {
		return 0, false, err
	}
	for _, e := range list {
		if e.NeighborID == b {
			return e.Weight, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) SaveGraphMetadata(ctx context.Context, g *model.Graph) (*model.Graph, error) {
	return s.meta.Save(ctx, g)
}

func (s *Store) FindMetadataByID(ctx context.Context, id string) (*model.Graph, error) {
	return s.meta.FindByID(ctx, id)
}

func (s *Store) FindMetadataByVersion(ctx context.Context, version string) (*model.Graph, error) {
	return s.meta.FindByVersion(ctx, version)
}

func (s *Store) GetActiveGraphMetadata(ctx context.Context) (*model.Graph, error) {
	return s.meta.GetActive(ctx)
}

func (s *Store) SetActiveGraphMetadata(ctx context.Context, id string) error {
	return s.meta.SetActive(ctx, id)
}

// GetGraphMetadataByDatasetVersion：空列表表示该数据集尚无图
func (s *Store) GetGraphMetadataByDatasetVersion(ctx context.Context, datasetVersion string) ([]model.Graph, error) {
	return s.meta.ListByDatasetVersion(ctx, datasetVersion)
}

// 文档注释：激活一张已发布的图（发布与回滚共用）
// 约束：先切持久层激活行，再重写发布视图并切缓存指针；缓存层缺少该版本邻接时拒绝，避免指针指向空键空间。
func (s *Store) ActivateGraph(ctx context.Context, id string) (*model.Graph, error) {
	g, err := s.meta.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.rdb.Exists(ctx, nodesKey(g.Version)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("graph %s: adjacency not present in cache tier", g.Version)
	}
	if err := s.meta.SetActive(ctx, g.ID); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, g.Version); err != nil {
		return nil, fmt.Errorf("publish graph %s: %w", g.Version, err)
	}
	g.IsActive = true
	if g.ActivatedAt == nil {
		now := time.Now().UTC()
		g.ActivatedAt = &now
	}
	logger.L().Info("graph_activated", "version", g.Version, "id", g.ID)
	return g, nil
}

// HasVersion：缓存层是否存有该版本的邻接
func (s *Store) HasVersion(ctx context.Context, version string) (bool, error) {
	n, err := s.rdb.Exists(ctx, nodesKey(version)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// 文档注释：把某版本复制到固定键发布视图
// 背景：版本键空间用于暂存与回滚，外部读者只认 graph:node:<id> 与 graph:node:<id>:neighbors。
// 约束：按块在 MULTI/EXEC 中写入，每个节点的存在标记与邻接表同块提交；新节点集先写入暂存集合，
// 最后与激活指针在同一事务中 RENAME 生效；上一版本独有的节点随后删除。
func (s *Store) publish(ctx context.Context, version string) error {
	ids, err := s.rdb.SMembers(ctx, nodesKey(version)).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("graph %s has no nodes in cache tier", version)
	}
	old, err := s.rdb.SMembers(ctx, publishedNodesKey).Result()
	if err != nil {
		return err
	}
	staging := publishedNodesKey + ":staging"
	if err := s.rdb.Del(ctx, staging).Err(); err != nil {
		return err
	}
	for i := 0; i < len(ids); i += writeChunk {
		end := i + writeChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		keys := make([]string, len(chunk))
		for j, id := range chunk {
			keys[j] = neighborsKey(version, id)
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, 0, len(chunk))
			for j, id := range chunk {
				raw, ok := vals[j].(string)
				if !ok {
					return fmt.Errorf("node %s: neighbors missing in version %s", id, version)
				}
				pipe.Set(ctx, PublishedNodeKey(id), "1", 0)
				pipe.Set(ctx, PublishedNeighborsKey(id), raw, 0)
				members = append(members, id)
			}
			pipe.SAdd(ctx, staging, members...)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Rename(ctx, staging, publishedNodesKey)
		pipe.Set(ctx, activeKey, version, 0)
		return nil
	}); err != nil {
		return err
	}
	current := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}
	var stale []string
	for _, id := range old {
		if _, ok := current[id]; !ok {
			stale = append(stale, PublishedNodeKey(id), PublishedNeighborsKey(id))
		}
	}
	for i := 0; i < len(stale); i += 2 * writeChunk {
		end := i + 2*writeChunk
		if end > len(stale) {
			end = len(stale)
		}
		if err := s.rdb.Del(ctx, stale[i:end]...).Err(); err != nil {
			return err
		}
	}
	logger.L().Info("graph_view_published", "version", version, "nodes", len(ids), "removed", len(stale)/2)
	return nil
}

// 文档注释：清理旧版本缓存键
// 约束：按发布时间保留最近 keep 个版本，激活版本永不清理；持久层元数据行保留。
func (s *Store) PruneVersions(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	versions, err := s.rdb.ZRevRange(ctx, versionsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	active, err := s.GetActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for i, v := range versions {
		if i < keep || v == active {
			continue
		}
		if err := s.dropVersion(ctx, v); err != nil {
			return pruned, fmt.Errorf("prune %s: %w", v, err)
		}
		if err := s.rdb.ZRem(ctx, versionsKey, v).Err(); err != nil {
			return pruned, err
		}
		pruned = append(pruned, v)
	}
	if len(pruned) > 0 {
		if s.l1 != nil {
			s.l1.Purge()
		}
		logger.L().Info("graph_versions_pruned", "pruned", len(pruned), "kept", keep)
	}
	return pruned, nil
}

func (s *Store) dropVersion(ctx context.Context, version string) error {
	ids, err := s.rdb.SMembers(ctx, nodesKey(version)).Result()
	if err != nil {
		return err
	}
	for i := 0; i < len(ids); i += writeChunk {
		end := i + writeChunk
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, 2*(end-i))
		for _, id := range ids[i:end] {
			keys = append(keys, nodeKey(version, id), neighborsKey(version, id))
		}
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, nodesKey(version)).Err()
}
