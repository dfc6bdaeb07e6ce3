// 包 assembly：图装配阶段。由数据集版本的全部站点与线路构建图，校验后发布到混合图存储
package assembly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"transit-graph/internal/backup"
	"transit-graph/internal/graph"
	"transit-graph/internal/graphstore"
	"transit-graph/internal/ids"
	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/model"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/store"
)

// Options：BackupDir 为空时不导出备份
type Options struct {
	BackupDir    string
	KeepVersions int
}

// Stage：graph-assembly
type Stage struct {
	repos  store.Repositories
	graphs *graphstore.Store
	opt    Options
	now    func() time.Time
}

func New(repos store.Repositories, graphs *graphstore.Store, opt Options) *Stage {
	if opt.KeepVersions < 1 {
		opt.KeepVersions = 3
	}
	return &Stage{repos: repos, graphs: graphs, opt: opt, now: time.Now}
}

func (s *Stage) Name() string { return pipeline.StageGraphAssembly }

// 文档注释：门控
// 约束：最新数据集存在且已完成合成；该版本尚无图元数据行时构建。
// 已有行但激活未完成（从未激活过，或图已激活而数据集未激活）时放行以补做激活；
// 曾经激活过、随后被手工回滚的图不再自动激活。缓存层内容不参与判断。
func (s *Stage) CanRun(ctx context.Context) (pipeline.Gate, error) {
	ds, err := s.repos.Datasets.GetLatestDataset(ctx)
	if err != nil {
		return pipeline.Gate{}, err
	}
	if ds == nil {
		return pipeline.Closed(pipeline.CodeNoDataset, "no dataset"), nil
	}
	if ds.SynthesizedAt == nil {
		return pipeline.Closed(pipeline.CodeCannotRun, "dataset "+ds.Version+" awaiting connectivity synthesis"), nil
	}
	existing, err := s.graphs.GetGraphMetadataByDatasetVersion(ctx, ds.Version)
	if err != nil {
		return pipeline.Gate{}, err
	}
	if len(existing) == 0 || pendingActivation(ds, &existing[0]) {
		return pipeline.Open(), nil
	}
	return pipeline.Closed(pipeline.CodeCannotRun, fmt.Sprintf("graph %s already built for dataset %s", existing[0].ID, ds.Version)), nil
}

func pendingActivation(ds *model.Dataset, g *model.Graph) bool {
	return g.ActivatedAt == nil || (g.IsActive && !ds.IsActive)
}

// 文档注释：构建并发布
// 约束：校验失败时不写缓存、不写元数据、不动激活指针；发布顺序为 邻接表 -> 备份 -> 元数据(未激活) -> 激活。
func (s *Stage) Run(ctx context.Context) pipeline.Result {
	l := logger.Stage(s.Name())
	t0 := s.now()
	ds, err := s.repos.Datasets.GetLatestDataset(ctx)
	if err != nil || ds == nil {
		return pipeline.Failed("load latest dataset", err)
	}
	v := ds.Version
	existing, err := s.graphs.GetGraphMetadataByDatasetVersion(ctx, v)
	if err != nil {
		return pipeline.Failed("load graph metadata", err)
	}
	if len(existing) > 0 {
		return s.resume(ctx, ds, &existing[0])
	}
	stops, routes, flights, err := s.load(ctx, v)
	if err != nil {
		return pipeline.Failed("load dataset entities", err)
	}
	g := graph.Build(stops, routes)
	if err := g.Validate(); err != nil {
		l.Error("graph_validation_failed", "version", v, "nodes", len(g.Nodes), "edges", g.Edges, "err", err)
		return validationFailed(err)
	}
	rep := g.Connectivity()
	l.Info("graph_built", "version", v, "nodes", len(g.Nodes), "edges", g.Edges, "dangling", g.Dangling,
		"flights", flights, "components", rep.Components, "largest_component", rep.LargestSize, "isolated", rep.Isolated)
	if g.Dangling > 0 {
		l.Warn("graph_dangling_routes", "version", v, "count", g.Dangling)
	}

	if err := s.graphs.WriteAdjacency(ctx, v, g); err != nil {
		return pipeline.Failed("write adjacency", err)
	}
	backupPath, err := backup.Export(s.opt.BackupDir, v, v, g)
	if err != nil {
		l.Warn("graph_backup_error", "version", v, "err", err)
		backupPath = ""
	}
	meta, err := s.graphs.SaveGraphMetadata(ctx, &model.Graph{
		ID:              ids.NewRecordID(),
		Version:         v,
		DatasetVersion:  v,
		NodesCount:      len(g.Nodes),
		EdgesCount:      g.Edges,
		BuildDurationMs: s.now().Sub(t0).Milliseconds(),
		StorageKey:      graphstore.StorageKey(v),
		BackupPath:      backupPath,
	})
	if err != nil {
		return pipeline.Failed("save graph metadata", err)
	}
	if res, ok := s.activate(ctx, meta); !ok {
		return res
	}
	return pipeline.Succeeded(pipeline.CodeSuccess, "graph "+v+" active", "", map[string]any{
		"graphVersion":    v,
		"graphId":         meta.ID,
		"nodes":           len(g.Nodes),
		"edges":           g.Edges,
		"dangling":        g.Dangling,
		"components":      rep.Components,
		"backupPath":      backupPath,
		"buildDurationMs": meta.BuildDurationMs,
	})
}

// 文档注释：补做上一轮未完成的激活
// 背景：元数据行已落库但激活图或激活数据集失败时，门控仍会放行本阶段。
// 约束：不新建元数据行；缓存层缺少该版本邻接时按持久层数据重建后再激活。
func (s *Stage) resume(ctx context.Context, ds *model.Dataset, meta *model.Graph) pipeline.Result {
	l := logger.Stage(s.Name())
	v := ds.Version
	l.Warn("graph_activation_resume", "version", v, "graph_id", meta.ID, "graph_active", meta.IsActive, "dataset_active", ds.IsActive)
	cached, err := s.graphs.HasVersion(ctx, meta.Version)
	if err != nil {
		return pipeline.Failed("check cache tier", err)
	}
	if !cached {
		stops, routes, _, err := s.load(ctx, v)
		if err != nil {
			return pipeline.Failed("load dataset entities", err)
		}
		g := graph.Build(stops, routes)
		if err := g.Validate(); err != nil {
			return validationFailed(err)
		}
		if err := s.graphs.WriteAdjacency(ctx, meta.Version, g); err != nil {
			return pipeline.Failed("write adjacency", err)
		}
	}
	if res, ok := s.activate(ctx, meta); !ok {
		return res
	}
	return pipeline.Succeeded(pipeline.CodeSuccess, "graph "+v+" active (activation resumed)", "", map[string]any{
		"graphVersion": meta.Version,
		"graphId":      meta.ID,
		"nodes":        meta.NodesCount,
		"edges":        meta.EdgesCount,
		"resumed":      true,
	})
}

// activate：激活图与同版本数据集，随后清理旧版本并更新规模指标；ok=false 时返回失败结果
func (s *Stage) activate(ctx context.Context, meta *model.Graph) (pipeline.Result, bool) {
	l := logger.Stage(s.Name())
	if _, err := s.graphs.ActivateGraph(ctx, meta.ID); err != nil {
		return pipeline.Failed("activate graph", err), false
	}
	if err := s.repos.Datasets.SetActiveDataset(ctx, meta.DatasetVersion); err != nil {
		return pipeline.Failed("activate dataset", err), false
	}
	if pruned, err := s.graphs.PruneVersions(ctx, s.opt.KeepVersions); err != nil {
		l.Warn("graph_prune_error", "err", err)
	} else if len(pruned) > 0 {
		l.Info("graph_pruned", "versions", pruned)
	}
	metrics.GraphNodes.Set(float64(meta.NodesCount))
	metrics.GraphEdges.Set(float64(meta.EdgesCount))
	return pipeline.Result{}, true
}

// validationFailedMessage：结果消息的固定前缀，编排方按此识别校验失败
const validationFailedMessage = "Graph validation failed"

func validationFailed(err error) pipeline.Result {
	detail := strings.TrimPrefix(err.Error(), graph.ErrValidation.Error())
	return pipeline.Failed(validationFailedMessage+detail, err)
}

// load：真实 + 虚拟站点与线路；航班只计数
func (s *Stage) load(ctx context.Context, v string) ([]model.Stop, []model.Route, int, error) {
	realStops, err := s.repos.Stops.GetAllRealStops(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	virtStops, err := s.repos.Stops.GetAllVirtualStops(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	realRoutes, err := s.repos.Routes.GetAllRoutes(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	virtRoutes, err := s.repos.Routes.GetAllVirtualRoutes(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	nReal, err := s.repos.Flights.CountFlights(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	nVirt, err := s.repos.Flights.CountVirtualFlights(ctx, v)
	if err != nil {
		return nil, nil, 0, err
	}
	return append(realStops, virtStops...), append(realRoutes, virtRoutes...), nReal + nVirt, nil
}
