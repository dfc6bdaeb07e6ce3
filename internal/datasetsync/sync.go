// 包 datasetsync：数据集同步阶段。按内容哈希判断上游是否变化，变化时落库新版本
package datasetsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"transit-graph/internal/ids"
	"transit-graph/internal/logger"
	"transit-graph/internal/model"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/refcity"
	"transit-graph/internal/source"
	"transit-graph/internal/store"
)

// Stage：dataset-sync
type Stage struct {
	fetcher source.Fetcher
	repos   store.Repositories
	dir     *refcity.Directory
	now     func() time.Time
}

func New(fetcher source.Fetcher, repos store.Repositories, dir *refcity.Directory) *Stage {
	return &Stage{fetcher: fetcher, repos: repos, dir: dir, now: time.Now}
}

func (s *Stage) Name() string { return pipeline.StageDatasetSync }

// CanRun：本阶段自身总是可运行；拉取频率由 WithMinInterval 控制
func (s *Stage) CanRun(ctx context.Context) (pipeline.Gate, error) { return pipeline.Open(), nil }

// 文档注释：执行同步
// 背景：阶段按固定周期被调用，上游未变化时必须零写入。
// 约束：写入顺序为 站点 -> 线路 -> 航班 -> 数据集记录；数据集记录最后写，崩溃留下的孤儿行在下次运行前清理。
// 新数据集 IsActive=false，激活由图装配阶段完成。
func (s *Stage) Run(ctx context.Context) pipeline.Result {
	l := logger.Stage(s.Name())
	p, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		return pipeline.Failed("source fetch failed", err)
	}
	hash, err := ContentHash(p)
	if err != nil {
		return pipeline.Failed("hash payload", err)
	}
	latest, err := s.repos.Datasets.GetLatestDataset(ctx)
	if err != nil {
		return pipeline.Failed("load latest dataset", err)
	}
	if latest != nil && latest.SourceHash == hash {
		l.Info("sync_no_change", "version", latest.Version, "hash", hash)
		return pipeline.Succeeded(pipeline.CodeNoChange, "source unchanged", pipeline.StageConnectivitySynthesis,
			map[string]any{"changed": false, "datasetVersion": latest.Version})
	}
	if seen, err := s.repos.Datasets.ExistsBySourceHash(ctx, hash); err != nil {
		return pipeline.Failed("check source hash", err)
	} else if seen {
		l.Warn("sync_hash_reappeared", "hash", hash)
	}
	if n, err := s.repos.Datasets.PurgeOrphans(ctx); err != nil {
		return pipeline.Failed("purge orphan rows", err)
	} else if n > 0 {
		l.Warn("sync_orphans_purged", "rows", n)
	}

	now := s.now().UTC()
	version := Version(now, hash)
	stops := make([]model.Stop, len(p.Stops))
	for i, st := range p.Stops {
		st.Kind = model.KindReal
		if s.dir != nil {
			st.CityKey = s.dir.Attribute(st.City, st.Name)
		}
		stops[i] = st
	}
	if err := s.repos.Stops.SaveRealStopsBatch(ctx, version, stops); err != nil {
		return pipeline.Failed("save stops", err)
	}
	if err := s.repos.Routes.SaveRoutesBatch(ctx, version, p.Routes); err != nil {
		return pipeline.Failed("save routes", err)
	}
	if err := s.repos.Flights.SaveFlightsBatch(ctx, version, p.Flights); err != nil {
		return pipeline.Failed("save flights", err)
	}
	st, err := store.Statistics(ctx, s.repos, version)
	if err != nil {
		return pipeline.Failed("count entities", err)
	}
	ds := &model.Dataset{
		ID:             ids.NewRecordID(),
		Version:        version,
		SourceHash:     hash,
		StopsCount:     st.StopsCount,
		RoutesCount:    st.RoutesCount,
		FlightsCount:   st.FlightsCount,
		BuildTimestamp: now,
	}
	if err := s.repos.Datasets.SaveDataset(ctx, ds); err != nil {
		return pipeline.Failed("save dataset", err)
	}
	l.Info("sync_new_dataset", "version", version, "stops", st.StopsCount, "routes", st.RoutesCount, "flights", st.FlightsCount)
	return pipeline.Succeeded(pipeline.CodeSuccess, "new dataset "+version, pipeline.StageConnectivitySynthesis,
		map[string]any{"changed": true, "datasetVersion": version, "stops": st.StopsCount, "routes": st.RoutesCount, "flights": st.FlightsCount})
}

// Version：<UTC yyyymmddThhmmssZ>-<哈希前 8 位>
func Version(at time.Time, hash string) string {
	h := hash
	if len(h) > 8 {
		h = h[:8]
	}
	return at.UTC().Format("20060102T150405Z") + "-" + h
}

// 文档注释：载荷内容哈希
// 约束：三类实体各自按 ID 排序后序列化，上游返回顺序不影响结果。
func ContentHash(p *source.Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil payload")
	}
	stops := append([]model.Stop(nil), p.Stops...)
	routes := append([]model.Route(nil), p.Routes...)
	flights := append([]model.Flight(nil), p.Flights...)
	sort.Slice(stops, func(i, j int) bool { return stops[i].ID < stops[j].ID })
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	sort.Slice(flights, func(i, j int) bool { return flights[i].ID < flights[j].ID })
	b, err := json.Marshal(struct {
		Stops   []model.Stop   `json:"stops"`
		Routes  []model.Route  `json:"routes"`
		Flights []model.Flight `json:"flights"`
	}{stops, routes, flights})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
