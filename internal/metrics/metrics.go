package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transit_stage_runs_total",
		Help: "Stage executions by result code",
	}, []string{"stage", "code"})
	StageDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transit_stage_duration_ms",
		Help:    "Stage run duration in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
	}, []string{"stage"})
	SourceFetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transit_source_fetch_duration_ms",
		Help:    "Upstream dataset fetch duration in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 5000, 10000, 30000},
	})
	SourceFetchFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transit_source_fetch_fail_total",
		Help: "Total failed upstream dataset fetches",
	})
	VirtualEntitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transit_virtual_entities_total",
		Help: "Virtual entities written by connectivity synthesis",
	}, []string{"kind"})
	GraphNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transit_graph_nodes",
		Help: "Node count of the last assembled graph",
	})
	GraphEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transit_graph_edges",
		Help: "Edge count of the last assembled graph",
	})
	GraphCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transit_graph_cache_hits_total",
		Help: "Adjacency lookups served by tier (memory or redis)",
	}, []string{"tier"})
	GraphCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transit_graph_cache_misses_total",
		Help: "Adjacency lookups that found no node in any tier",
	})
)

func init() {
	prometheus.MustRegister(StageRunsTotal)
	prometheus.MustRegister(StageDurationMs)
	prometheus.MustRegister(SourceFetchDurationMs)
	prometheus.MustRegister(SourceFetchFailTotal)
	prometheus.MustRegister(VirtualEntitiesTotal)
	prometheus.MustRegister(GraphNodes)
	prometheus.MustRegister(GraphEdges)
	prometheus.MustRegister(GraphCacheHitsTotal)
	prometheus.MustRegister(GraphCacheMissesTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：daemon 的状态服务挂载到 /metrics。
func Handler() http.Handler { return promhttp.Handler() }
