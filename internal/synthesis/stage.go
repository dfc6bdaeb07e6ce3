package synthesis

import (
	"context"
	"fmt"
	"time"

	"transit-graph/internal/ids"
	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/model"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/refcity"
	"transit-graph/internal/store"
)

// Stage：connectivity-synthesis
type Stage struct {
	repos store.Repositories
	dir   *refcity.Directory
	opt   Options
	now   func() time.Time
}

func New(repos store.Repositories, dir *refcity.Directory, opt Options) *Stage {
	return &Stage{repos: repos, dir: dir, opt: opt.withDefaults(), now: time.Now}
}

func (s *Stage) Name() string { return pipeline.StageConnectivitySynthesis }

// 文档注释：门控
// 约束：最新数据集存在且尚未写入合成完成标记。标记在站点、线路、航班与统计全部落库后才写，
// 中途失败的运行会被完整重跑；确定性 ID + 冲突忽略保证重跑不产生重复。
func (s *Stage) CanRun(ctx context.Context) (pipeline.Gate, error) {
	ds, err := s.repos.Datasets.GetLatestDataset(ctx)
	if err != nil {
		return pipeline.Gate{}, err
	}
	if ds == nil {
		return pipeline.Closed(pipeline.CodeNoDataset, "no dataset"), nil
	}
	if ds.SynthesizedAt != nil {
		return pipeline.Closed(pipeline.CodeCannotRun, fmt.Sprintf("dataset %s already synthesized at %s", ds.Version, ds.SynthesizedAt.Format(time.RFC3339))), nil
	}
	return pipeline.Open(), nil
}

// plan：一次合成的全部产物
type plan struct {
	stops      []model.Stop
	routes     []model.Route
	hub        string
	fallback   string
	hubRoutes  int
	meshRoutes int
	sweepAdded int
}

// Run：读取 -> 规划 -> 按 站点、线路、航班 顺序落库 -> 统计 -> 完成标记
func (s *Stage) Run(ctx context.Context) pipeline.Result {
	l := logger.Stage(s.Name())
	ds, err := s.repos.Datasets.GetLatestDataset(ctx)
	if err != nil || ds == nil {
		return pipeline.Failed("load latest dataset", err)
	}
	v := ds.Version
	p, err := s.plan(ctx, v)
	if err != nil {
		return pipeline.Failed("plan virtual entities", err)
	}
	if err := s.repos.Stops.SaveVirtualStopsBatch(ctx, v, p.stops); err != nil {
		return pipeline.Failed("save virtual stops", err)
	}
	if err := s.repos.Routes.SaveVirtualRoutesBatch(ctx, v, p.routes); err != nil {
		return pipeline.Failed("save virtual routes", err)
	}
	scheduled, err := s.withPriorRoutes(ctx, v, p.routes)
	if err != nil {
		return pipeline.Failed("load virtual routes", err)
	}
	nFlights, err := s.saveFlights(ctx, v, ds.BuildTimestamp, scheduled)
	if err != nil {
		return pipeline.Failed("save virtual flights", err)
	}
	st, err := store.Statistics(ctx, s.repos, v)
	if err != nil {
		return pipeline.Failed("count entities", err)
	}
	if err := s.repos.Datasets.UpdateStatistics(ctx, v, st); err != nil {
		return pipeline.Failed("update statistics", err)
	}
	if err := s.repos.Datasets.MarkSynthesized(ctx, v, s.now().UTC()); err != nil {
		return pipeline.Failed("mark synthesized", err)
	}
	metrics.VirtualEntitiesTotal.WithLabelValues("stop").Add(float64(len(p.stops)))
	metrics.VirtualEntitiesTotal.WithLabelValues("route").Add(float64(len(p.routes)))
	metrics.VirtualEntitiesTotal.WithLabelValues("flight").Add(float64(nFlights))
	l.Info("synthesis_done", "version", v, "virtual_stops", len(p.stops), "virtual_routes", len(p.routes),
		"virtual_flights", nFlights, "hub", p.hub, "fallback", p.fallback, "sweep_routes", p.sweepAdded)
	return pipeline.Succeeded(pipeline.CodeSuccess, "synthesized "+v, pipeline.StageGraphAssembly, map[string]any{
		"datasetVersion":      v,
		"virtualStopsAdded":   len(p.stops),
		"virtualRoutesAdded":  len(p.routes),
		"virtualFlightsAdded": nFlights,
		"hubRoutes":           p.hubRoutes,
		"fallbackRoutes":      p.meshRoutes,
		"sweepRoutes":         p.sweepAdded,
	})
}

// 文档注释：规划虚拟站点与线路
// 背景：先为缺少真实站点的参考城市补虚拟站点，再以枢纽连接新站点（无枢纽时退化为全连接或生成树），
// 最后对所有有站点的参考城市两两检查直达线路并补齐。
func (s *Stage) plan(ctx context.Context, v string) (*plan, error) {
	l := logger.Stage(s.Name())
	realStops, err := s.repos.Stops.GetAllRealStops(ctx, v)
	if err != nil {
		return nil, err
	}
	byCity := map[string][]model.Stop{}
	for _, st := range realStops {
		key := st.CityKey
		if key == "" {
			key = s.dir.Attribute(st.City, st.Name)
		}
		if key != "" {
			byCity[key] = append(byCity[key], st)
		}
	}

	out := &plan{}
	created := map[string]model.Stop{}
	for _, c := range s.dir.Cities() {
		if len(byCity[c.Key()]) > 0 {
			continue
		}
		vs := model.Stop{
			ID:          ids.VirtualStop(c.Name),
			Name:        c.Name,
			Coordinates: c.Coordinates(),
			City:        c.Name,
			CityKey:     c.Key(),
			Kind:        model.KindVirtual,
			SourceCity:  c.Name,
		}
		out.stops = append(out.stops, vs)
		created[c.Key()] = vs
	}
	prior, err := s.repos.Stops.GetAllVirtualStops(ctx, v)
	if err != nil {
		return nil, err
	}
	virtualByCity := map[string][]model.Stop{}
	for _, st := range prior {
		virtualByCity[st.CityKey] = append(virtualByCity[st.CityKey], st)
	}
	for k, st := range created {
		if len(virtualByCity[k]) == 0 {
			virtualByCity[k] = []model.Stop{st}
		}
	}

	pl := newPlanner(s.opt)
	hubName := s.opt.HubCity
	if hubName == "" {
		hubName = s.dir.HubName()
	}
	hubKey := ""
	var hub model.Stop
	found := false
	if hubName != "" {
		hubKey = s.dir.Resolve(hubName)
		if hub, found = MainStop(byCity[hubKey]); !found {
			hub, found = MainStop(virtualByCity[hubKey])
		}
	}
	if found {
		out.hub = hub.ID
		for _, vs := range out.stops {
			out.hubRoutes += pl.addPair(hub, vs, hubKey, vs.CityKey, model.MethodHubBased)
		}
	} else {
		l.Warn("synthesis_no_hub", "hub", hubName)
		out.meshRoutes = s.connectWithoutHub(pl, out)
	}

	cities := s.dir.Cities()
	for i := 0; i < len(cities); i++ {
		a := cities[i].Key()
		sa, ok := s.cityMain(byCity, virtualByCity, a)
		if !ok {
			continue
		}
		for j := i + 1; j < len(cities); j++ {
			b := cities[j].Key()
			sb, ok := s.cityMain(byCity, virtualByCity, b)
			if !ok || pl.has(a, b) {
				continue
			}
			connected, err := s.connected(ctx, v, a, b)
			if err != nil {
				return nil, err
			}
			if connected {
				continue
			}
			out.sweepAdded += pl.addPair(sa, sb, a, b, model.MethodConnectivity)
		}
	}
	out.routes = pl.routes
	return out, nil
}

// connectWithoutHub：虚拟站点数不超过上限时全连接，否则生成树
func (s *Stage) connectWithoutHub(pl *planner, out *plan) int {
	n := 0
	vs := out.stops
	if len(vs) <= s.opt.FullMeshLimit {
		out.fallback = "full-mesh"
		for i := 0; i < len(vs); i++ {
			for j := i + 1; j < len(vs); j++ {
				n += pl.addPair(vs[i], vs[j], vs[i].CityKey, vs[j].CityKey, model.MethodDirect)
			}
		}
		return n
	}
	out.fallback = "spanning-tree"
	for _, e := range minimumSpanningTree(vs) {
		a, b := vs[e[0]], vs[e[1]]
		n += pl.addPair(a, b, a.CityKey, b.CityKey, model.MethodDirect)
	}
	return n
}

// cityMain：真实站点优先，其次虚拟站点
func (s *Stage) cityMain(realStops, virtual map[string][]model.Stop, key string) (model.Stop, bool) {
	if st, ok := MainStop(realStops[key]); ok {
		return st, true
	}
	return MainStop(virtual[key])
}

// connected：任一方向已有真实直达线路或已落库的虚拟线路
func (s *Stage) connected(ctx context.Context, v, a, b string) (bool, error) {
	direct, err := s.repos.Routes.FindDirectRoutes(ctx, v, a, b)
	if err != nil {
		return false, err
	}
	if len(direct) > 0 {
		return true, nil
	}
	virt, err := s.repos.Routes.FindVirtualConnections(ctx, v, a, b)
	if err != nil {
		return false, err
	}
	return len(virt) > 0, nil
}

// withPriorRoutes：并入中断运行已落库的虚拟线路，保证其航班同样补齐
func (s *Stage) withPriorRoutes(ctx context.Context, v string, planned []model.Route) ([]model.Route, error) {
	prior, err := s.repos.Routes.GetAllVirtualRoutes(ctx, v)
	if err != nil {
		return nil, err
	}
	out := append([]model.Route(nil), planned...)
	seen := make(map[string]bool, len(planned))
	for _, r := range planned {
		seen[r.ID] = true
	}
	for _, r := range prior {
		if !seen[r.ID] {
			out = append(out, r)
			seen[r.ID] = true
		}
	}
	return out, nil
}

// saveFlights：按 FlushSize 分批写入，避免一次性持有全部航班
func (s *Stage) saveFlights(ctx context.Context, v string, base time.Time, routes []model.Route) (int, error) {
	buf := make([]model.Flight, 0, s.opt.FlushSize)
	total := 0
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := s.repos.Flights.SaveFlightsBatch(ctx, v, buf); err != nil {
			return err
		}
		total += len(buf)
		buf = buf[:0]
		return nil
	}
	for _, r := range routes {
		err := s.opt.flightsFor(r, base, func(f model.Flight) error {
			buf = append(buf, f)
			if len(buf) >= s.opt.FlushSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
