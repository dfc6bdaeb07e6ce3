// 包 store：持久层仓储契约与 PostgreSQL 实现
package store

import (
	"context"
	"errors"
	"time"

	"transit-graph/internal/model"
)

// ErrNotFound：按主键/版本查询无结果
var ErrNotFound = errors.New("not found")

// 文档注释：数据集仓储
// 约束：GetLatestDataset 无数据时返回 (nil, nil)；SetActiveDataset 原子切换唯一激活行。
type DatasetRepository interface {
	GetLatestDataset(ctx context.Context) (*model.Dataset, error)
	GetDataset(ctx context.Context, version string) (*model.Dataset, error)
	GetActiveDataset(ctx context.Context) (*model.Dataset, error)
	SaveDataset(ctx context.Context, d *model.Dataset) error
	SetActiveDataset(ctx context.Context, version string) error
	UpdateStatistics(ctx context.Context, version string, st model.Stats) error
	ExistsBySourceHash(ctx context.Context, hash string) (bool, error)
	MarkSynthesized(ctx context.Context, version string, at time.Time) error
	PurgeOrphans(ctx context.Context) (int64, error)
}

// StopRepository：站点仓储；city 参数按归一化键匹配
type StopRepository interface {
	SaveRealStopsBatch(ctx context.Context, version string, stops []model.Stop) error
	SaveVirtualStopsBatch(ctx context.Context, version string, stops []model.Stop) error
	GetAllRealStops(ctx context.Context, version string) ([]model.Stop, error)
	GetAllVirtualStops(ctx context.Context, version string) ([]model.Stop, error)
	GetRealStopsByCity(ctx context.Context, version, city string) ([]model.Stop, error)
	GetVirtualStopsByCity(ctx context.Context, version, city string) ([]model.Stop, error)
	CountRealStops(ctx context.Context, version string) (int, error)
	CountVirtualStops(ctx context.Context, version string) (int, error)
}

// 文档注释：线路仓储
// 约束：FindDirectRoutes 查两城市站点间任一方向的真实线路；FindVirtualConnections 查任一方向的虚拟线路。
type RouteRepository interface {
	SaveRoutesBatch(ctx context.Context, version string, routes []model.Route) error
	SaveVirtualRoutesBatch(ctx context.Context, version string, routes []model.Route) error
	GetAllRoutes(ctx context.Context, version string) ([]model.Route, error)
	GetAllVirtualRoutes(ctx context.Context, version string) ([]model.Route, error)
	FindDirectRoutes(ctx context.Context, version, cityA, cityB string) ([]model.Route, error)
	FindVirtualConnections(ctx context.Context, version, cityA, cityB string) ([]model.Route, error)
	CountRoutes(ctx context.Context, version string) (int, error)
	CountVirtualRoutes(ctx context.Context, version string) (int, error)
}

// FlightRepository：航班仓储
type FlightRepository interface {
	SaveFlightsBatch(ctx context.Context, version string, flights []model.Flight) error
	CountFlights(ctx context.Context, version string) (int, error)
	CountVirtualFlights(ctx context.Context, version string) (int, error)
}

// RunLog：阶段运行记录，用于最小间隔限流
type RunLog interface {
	LastStarted(ctx context.Context, stage string) (time.Time, bool, error)
	RecordStart(ctx context.Context, stage string, at time.Time) error
	RecordFinish(ctx context.Context, stage string, at time.Time, code string) error
}

// Repositories：各阶段所需仓储的集合，便于注入
type Repositories struct {
	Datasets DatasetRepository
	Stops    StopRepository
	Routes   RouteRepository
	Flights  FlightRepository
	Runs     RunLog
}

// Statistics：按版本汇总真实 + 虚拟计数
func Statistics(ctx context.Context, r Repositories, version string) (model.Stats, error) {
	var st model.Stats
	var err error
	if st.StopsCount, err = r.Stops.CountRealStops(ctx, version); err != nil {
		return st, err
	}
	if st.VirtualStopsCount, err = r.Stops.CountVirtualStops(ctx, version); err != nil {
		return st, err
	}
	if st.RoutesCount, err = r.Routes.CountRoutes(ctx, version); err != nil {
		return st, err
	}
	if st.VirtualRoutesCount, err = r.Routes.CountVirtualRoutes(ctx, version); err != nil {
		return st, err
	}
	if st.FlightsCount, err = r.Flights.CountFlights(ctx, version); err != nil {
		return st, err
	}
	if st.VirtualFlightsCount, err = r.Flights.CountVirtualFlights(ctx, version); err != nil {
		return st, err
	}
	return st, nil
}
