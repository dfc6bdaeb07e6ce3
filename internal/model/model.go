// 包 model：管线各阶段共享的数据模型（数据集、站点、线路、航班、图快照、邻接项）
package model

import "time"

// StopKind / RouteKind 取值
const (
	KindReal    = "real"
	KindVirtual = "virtual"
)

// 虚拟线路的生成方式，写入 Route.GenerationMethod 便于追溯
const (
	MethodHubBased     = "hub-based"
	MethodDirect       = "direct"
	MethodConnectivity = "yakutia-connectivity"
)

// 虚拟线路默认交通方式
const ModeAir = "air"

// Coordinates：WGS84 坐标
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// 文档注释：数据集快照
// 背景：同步阶段在源哈希变化时创建；之后只更新统计与激活标记。
// 约束：任意时刻至多一个 IsActive；SynthesizedAt 仅在虚拟实体全部落库后写入。
type Dataset struct {
	ID                  string     `json:"id"`
	Version             string     `json:"version"`
	SourceHash          string     `json:"sourceHash"`
	StopsCount          int        `json:"stopsCount"`
	RoutesCount         int        `json:"routesCount"`
	FlightsCount        int        `json:"flightsCount"`
	VirtualStopsCount   int        `json:"virtualStopsCount"`
	VirtualRoutesCount  int        `json:"virtualRoutesCount"`
	VirtualFlightsCount int        `json:"virtualFlightsCount"`
	BuildTimestamp      time.Time  `json:"buildTimestamp"`
	IsActive            bool       `json:"isActive"`
	SynthesizedAt       *time.Time `json:"synthesizedAt,omitempty"`
}

// Stats：数据集统计（真实 + 虚拟）
type Stats struct {
	StopsCount          int
	RoutesCount         int
	FlightsCount        int
	VirtualStopsCount   int
	VirtualRoutesCount  int
	VirtualFlightsCount int
}

// 文档注释：站点（真实或虚拟）
// 约束：虚拟站点 ID 由城市名确定性生成，SourceCity 记录生成它的参考城市。
type Stop struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Coordinates Coordinates `json:"coordinates"`
	City        string      `json:"city,omitempty"`
	CityKey     string      `json:"cityKey,omitempty"`
	CityID      string      `json:"cityId,omitempty"`
	Kind        string      `json:"kind"`
	SourceCity  string      `json:"sourceCity,omitempty"`
}

func (s Stop) IsVirtual() bool { return s.Kind == KindVirtual }

// 文档注释：线路模板
// 约束：虚拟线路额外携带 GenerationMethod 与 SourceCity/TargetCity；Metadata 可带 price。
type Route struct {
	ID               string         `json:"id"`
	FromStopID       string         `json:"fromStopId"`
	ToStopID         string         `json:"toStopId"`
	TransportMode    string         `json:"transportMode"`
	DistanceKm       float64        `json:"distanceKm"`
	DurationMinutes  int            `json:"durationMinutes"`
	Kind             string         `json:"kind"`
	GenerationMethod string         `json:"generationMethod,omitempty"`
	SourceCity       string         `json:"sourceCity,omitempty"`
	TargetCity       string         `json:"targetCity,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (r Route) IsVirtual() bool { return r.Kind == KindVirtual }

// Flight：线路的一次可排班实例
type Flight struct {
	ID            string    `json:"id"`
	RouteID       string    `json:"routeId"`
	FromStopID    string    `json:"fromStopId"`
	ToStopID      string    `json:"toStopId"`
	DepartureTime time.Time `json:"departureTime"`
	ArrivalTime   time.Time `json:"arrivalTime"`
	DaysOfWeek    string    `json:"daysOfWeek"`
	Price         float64   `json:"price"`
	IsVirtual     bool      `json:"isVirtual"`
}

// 文档注释：已发布的图快照元数据
// 约束：每个数据集版本至多一张图；全局至多一张 IsActive。ActivatedAt 记录首次激活完成时间，回滚不清除。
type Graph struct {
	ID              string     `json:"id"`
	Version         string     `json:"version"`
	DatasetVersion  string     `json:"datasetVersion"`
	NodesCount      int        `json:"nodesCount"`
	EdgesCount      int        `json:"edgesCount"`
	BuildDurationMs int64      `json:"buildDurationMs"`
	StorageKey      string     `json:"storageKey"`
	BackupPath      string     `json:"backupPath,omitempty"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	ActivatedAt     *time.Time `json:"activatedAt,omitempty"`
}

// AdjacencyEntry：缓存层邻接表中的一条出边
type AdjacencyEntry struct {
	NodeID        string  `json:"nodeId"`
	NeighborID    string  `json:"neighborId"`
	Weight        float64 `json:"weight"`
	Distance      float64 `json:"distance"`
	TransportMode string  `json:"transportMode"`
	RouteID       string  `json:"routeId"`
}
