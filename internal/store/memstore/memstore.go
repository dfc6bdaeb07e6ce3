// 包 memstore：仓储的内存实现，供阶段测试与演练（dry-run）使用
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transit-graph/internal/model"
	"transit-graph/internal/store"
)

// Op：可注入失败的写操作名
const (
	OpSaveDataset     = "SaveDataset"
	OpSaveRealStops   = "SaveRealStopsBatch"
	OpSaveVirtStops   = "SaveVirtualStopsBatch"
	OpSaveRoutes      = "SaveRoutesBatch"
	OpSaveVirtRoutes  = "SaveVirtualRoutesBatch"
	OpSaveFlights     = "SaveFlightsBatch"
	OpUpdateStats     = "UpdateStatistics"
	OpMarkSynthesized = "MarkSynthesized"
	OpSetActive       = "SetActiveDataset"
)

type version struct {
	stops   map[string]model.Stop
	routes  map[string]model.Route
	flights map[string]model.Flight
}

// 文档注释：内存仓储
// 约束：语义与 PostgreSQL 实现一致（按 (version,id) 去重、计数按 kind 区分）；Fail 中登记的操作返回对应错误且不写入。
type Store struct {
	mu       sync.Mutex
	datasets []*model.Dataset
	versions map[string]*version
	runs     map[string]time.Time
	finished map[string]string
	fail     map[string]error
	writes   map[string]int
}

func New() *Store {
	return &Store{
		versions: make(map[string]*version),
		runs:     make(map[string]time.Time),
		finished: make(map[string]string),
		fail:     make(map[string]error),
		writes:   make(map[string]int),
	}
}

// Repositories：以同一实现填充仓储集合
func (s *Store) Repositories() store.Repositories {
	return store.Repositories{Datasets: s, Stops: s, Routes: s, Flights: s, Runs: s}
}

// Fail：登记某写操作失败；err 为 nil 时取消
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Writes：某写操作成功调用次数
func (s *Store) Writes(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[op]
}

// Datasets：全部数据集记录副本
func (s *Store) Datasets() []model.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		out = append(out, *d)
	}
	return out
}

func (s *Store) write(op string) error {
	if err := s.fail[op]; err != nil {
		return err
	}
	s.writes[op]++
	return nil
}

func (s *Store) ver(v string) *version {
	x, ok := s.versions[v]
	if !ok {
		x = &version{stops: map[string]model.Stop{}, routes: map[string]model.Route{}, flights: map[string]model.Flight{}}
		s.versions[v] = x
	}
	return x
}

// ---- datasets ----

func (s *Store) GetLatestDataset(ctx context.Context) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Dataset
	for _, d := range s.datasets {
		if best == nil || d.BuildTimestamp.After(best.BuildTimestamp) ||
			(d.BuildTimestamp.Equal(best.BuildTimestamp) && d.Version > best.Version) {
			best = d
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (s *Store) GetDataset(ctx context.Context, v string) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.datasets {
		if d.Version == v {
			c := *d
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetActiveDataset(ctx context.Context) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.datasets {
		if d.IsActive {
			c := *d
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) SaveDataset(ctx context.Context, d *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.datasets {
		if x.Version == d.Version {
			return fmt.Errorf("dataset version %s already exists", d.Version)
		}
	}
	if err := s.write(OpSaveDataset); err != nil {
		return err
	}
	c := *d
	s.datasets = append(s.datasets, &c)
	return nil
}

func (s *Store) SetActiveDataset(ctx context.Context, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(OpSetActive); err != nil {
		return err
	}
	found := false
	for _, d := range s.datasets {
		if d.Version == v {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("dataset %s: %w", v, store.ErrNotFound)
	}
	for _, d := range s.datasets {
		d.IsActive = d.Version == v
	}
	return nil
}

func (s *Store) UpdateStatistics(ctx context.Context, v string, st model.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(OpUpdateStats); err != nil {
		return err
	}
	for _, d := range s.datasets {
		if d.Version == v {
			d.StopsCount, d.RoutesCount, d.FlightsCount = st.StopsCount, st.RoutesCount, st.FlightsCount
			d.VirtualStopsCount, d.VirtualRoutesCount, d.VirtualFlightsCount = st.VirtualStopsCount, st.VirtualRoutesCount, st.VirtualFlightsCount
		}
	}
	return nil
}

func (s *Store) ExistsBySourceHash(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.datasets {
		if d.SourceHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkSynthesized(ctx context.Context, v string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(OpMarkSynthesized); err != nil {
		return err
	}
	for _, d := range s.datasets {
		if d.Version == v {
			t := at
			d.SynthesizedAt = &t
		}
	}
	return nil
}

func (s *Store) PurgeOrphans(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := map[string]bool{}
	for _, d := range s.datasets {
		known[d.Version] = true
	}
	var n int64
	for v, x := range s.versions {
		if !known[v] {
			n += int64(len(x.stops) + len(x.routes) + len(x.flights))
			delete(s.versions, v)
		}
	}
	return n, nil
}

// ---- stops ----

func (s *Store) saveStops(op, v, kind string, stops []model.Stop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(op); err != nil {
		return err
	}
	x := s.ver(v)
	for _, st := range stops {
		if _, ok := x.stops[st.ID]; ok {
			continue
		}
		st.Kind = kind
		x.stops[st.ID] = st
	}
	return nil
}

func (s *Store) SaveRealStopsBatch(ctx context.Context, v string, stops []model.Stop) error {
	return s.saveStops(OpSaveRealStops, v, model.KindReal, stops)
}

func (s *Store) SaveVirtualStopsBatch(ctx context.Context, v string, stops []model.Stop) error {
	return s.saveStops(OpSaveVirtStops, v, model.KindVirtual, stops)
}

func (s *Store) stopsWhere(v string, keep func(model.Stop) bool) []model.Stop {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Stop
	if x, ok := s.versions[v]; ok {
		for _, st := range x.stops {
			if keep(st) {
				out = append(out, st)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetAllRealStops(ctx context.Context, v string) ([]model.Stop, error) {
	return s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindReal }), nil
}

func (s *Store) GetAllVirtualStops(ctx context.Context, v string) ([]model.Stop, error) {
	return s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindVirtual }), nil
}

func (s *Store) GetRealStopsByCity(ctx context.Context, v, city string) ([]model.Stop, error) {
	return s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindReal && st.CityKey == city }), nil
}

func (s *Store) GetVirtualStopsByCity(ctx context.Context, v, city string) ([]model.Stop, error) {
	return s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindVirtual && st.CityKey == city }), nil
}

func (s *Store) CountRealStops(ctx context.Context, v string) (int, error) {
	return len(s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindReal })), nil
}

func (s *Store) CountVirtualStops(ctx context.Context, v string) (int, error) {
	return len(s.stopsWhere(v, func(st model.Stop) bool { return st.Kind == model.KindVirtual })), nil
}

// ---- routes ----

func (s *Store) saveRoutes(op, v, kind string, routes []model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(op); err != nil {
		return err
	}
	x := s.ver(v)
	for _, r := range routes {
		if _, ok := x.routes[r.ID]; ok {
			continue
		}
		r.Kind = kind
		x.routes[r.ID] = r
	}
	return nil
}

func (s *Store) SaveRoutesBatch(ctx context.Context, v string, routes []model.Route) error {
	return s.saveRoutes(OpSaveRoutes, v, model.KindReal, routes)
}

func (s *Store) SaveVirtualRoutesBatch(ctx context.Context, v string, routes []model.Route) error {
	return s.saveRoutes(OpSaveVirtRoutes, v, model.KindVirtual, routes)
}

func (s *Store) routesWhere(v string, keep func(x *version, r model.Route) bool) []model.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Route
	if x, ok := s.versions[v]; ok {
		for _, r := range x.routes {
			if keep(x, r) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetAllRoutes(ctx context.Context, v string) ([]model.Route, error) {
	return s.routesWhere(v, func(_ *version, r model.Route) bool { return r.Kind == model.KindReal }), nil
}

func (s *Store) GetAllVirtualRoutes(ctx context.Context, v string) ([]model.Route, error) {
	return s.routesWhere(v, func(_ *version, r model.Route) bool { return r.Kind == model.KindVirtual }), nil
}

func (s *Store) FindDirectRoutes(ctx context.Context, v, a, b string) ([]model.Route, error) {
	return s.routesWhere(v, func(x *version, r model.Route) bool {
		if r.Kind != model.KindReal {
			return false
		}
		from, ok1 := x.stops[r.FromStopID]
		to, ok2 := x.stops[r.ToStopID]
		if !ok1 || !ok2 {
			return false
		}
		return (from.CityKey == a && to.CityKey == b) || (from.CityKey == b && to.CityKey == a)
	}), nil
}

func (s *Store) FindVirtualConnections(ctx context.Context, v, a, b string) ([]model.Route, error) {
	return s.routesWhere(v, func(_ *version, r model.Route) bool {
		if r.Kind != model.KindVirtual {
			return false
		}
		return (r.SourceCity == a && r.TargetCity == b) || (r.SourceCity == b && r.TargetCity == a)
	}), nil
}

func (s *Store) CountRoutes(ctx context.Context, v string) (int, error) {
	r, _ := s.GetAllRoutes(ctx, v)
	return len(r), nil
}

func (s *Store) CountVirtualRoutes(ctx context.Context, v string) (int, error) {
	r, _ := s.GetAllVirtualRoutes(ctx, v)
	return len(r), nil
}

// ---- flights ----

func (s *Store) SaveFlightsBatch(ctx context.Context, v string, flights []model.Flight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(OpSaveFlights); err != nil {
		return err
	}
	x := s.ver(v)
	for _, f := range flights {
		if _, ok := x.flights[f.ID]; !ok {
			x.flights[f.ID] = f
		}
	}
	return nil
}

func (s *Store) countFlights(v string, virtual bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if x, ok := s.versions[v]; ok {
		for _, f := range x.flights {
			if f.IsVirtual == virtual {
				n++
			}
		}
	}
	return n
}

func (s *Store) CountFlights(ctx context.Context, v string) (int, error) {
	return s.countFlights(v, false), nil
}

func (s *Store) CountVirtualFlights(ctx context.Context, v string) (int, error) {
	return s.countFlights(v, true), nil
}

// Flights：某版本全部航班（按 ID 排序），测试检查使用
func (s *Store) Flights(v string) []model.Flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Flight
	if x, ok := s.versions[v]; ok {
		for _, f := range x.flights {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- stage runs ----

func (s *Store) LastStarted(ctx context.Context, stage string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.runs[stage]
	return t, ok, nil
}

func (s *Store) RecordStart(ctx context.Context, stage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[stage] = at
	return nil
}

func (s *Store) RecordFinish(ctx context.Context, stage string, at time.Time, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[stage] = code
	return nil
}

// LastCode：阶段最近一次结束码
func (s *Store) LastCode(stage string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[stage]
}
