// 包 status：daemon 的状态服务（指标、健康检查、当前激活图）
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"transit-graph/internal/graphstore"
	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/middleware"
	"transit-graph/internal/store"
)

// Pinger：*sql.DB 满足该接口
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps：DB 与 Redis 可为空，对应检查项跳过
type Deps struct {
	Graphs   *graphstore.Store
	Datasets store.DatasetRepository
	DB       Pinger
	Redis    *redis.Client
}

// 文档注释：构建状态服务路由
// 约束：只读；/graph/neighbors 仅用于排查缓存层内容，不提供路径查询。
func Handler(d Deps, qps int) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", d.healthz)
	mux.HandleFunc("/graph/active", d.active)
	mux.HandleFunc("/graph/neighbors", d.neighbors)
	h := logger.AccessMiddleware(logger.L())(mux)
	return middleware.RateLimit(qps)(h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (d Deps) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := map[string]string{}
	code := http.StatusOK
	if d.DB != nil {
		out["db"] = "ok"
		if err := d.DB.PingContext(ctx); err != nil {
			out["db"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if d.Redis != nil {
		out["redis"] = "ok"
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			out["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, out)
}

func (d Deps) active(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	version, err := d.Graphs.GetActiveVersion(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := map[string]any{"version": version}
	if g, err := d.Graphs.GetActiveGraphMetadata(ctx); err == nil {
		out["graph"] = g
	} else if !errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if d.Datasets != nil {
		ds, err := d.Datasets.GetActiveDataset(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out["dataset"] = ds
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) neighbors(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	ctx := r.Context()
	exists, err := d.Graphs.HasNode(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	list, err := d.Graphs.GetNeighbors(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "exists": exists, "neighbors": list})
}
