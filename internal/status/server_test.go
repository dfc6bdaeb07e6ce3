package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transit-graph/internal/graph"
	"transit-graph/internal/graphstore"
	"transit-graph/internal/model"
)

type pinger struct{ err error }

func (p pinger) PingContext(ctx context.Context) error { return p.err }

func newDeps(t *testing.T) Deps {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	gs := graphstore.New(graphstore.NewMemoryMetadata(), rdb, 16)
	ctx := context.Background()
	g := graph.Build([]model.Stop{{ID: "a"}, {ID: "b"}},
		[]model.Route{{ID: "r1", FromStopID: "a", ToStopID: "b", DurationMinutes: 45}})
	if err := gs.WriteAdjacency(ctx, "v1", g); err != nil {
		t.Fatal(err)
	}
	meta, err := gs.SaveGraphMetadata(ctx, &model.Graph{ID: "g1", Version: "v1", DatasetVersion: "v1", NodesCount: 2, EdgesCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gs.ActivateGraph(ctx, meta.ID); err != nil {
		t.Fatal(err)
	}
	return Deps{Graphs: gs, DB: pinger{}, Redis: rdb}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestActiveAndNeighbors(t *testing.T) {
	h := Handler(newDeps(t), 0)
	rec, body := get(t, h, "/graph/active")
	if rec.Code != http.StatusOK || body["version"] != "v1" {
		t.Fatalf("active = %d %v", rec.Code, body)
	}
	rec, body = get(t, h, "/graph/neighbors?id=a")
	if rec.Code != http.StatusOK || body["exists"] != true {
		t.Fatalf("neighbors = %d %v", rec.Code, body)
	}
	if list, _ := body["neighbors"].([]any); len(list) != 1 {
		t.Fatalf("neighbors list = %v", body["neighbors"])
	}
	if rec, _ := get(t, h, "/graph/neighbors"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	d := newDeps(t)
	if rec, _ := get(t, Handler(d, 0), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	d.DB = pinger{err: errors.New("connection refused")}
	rec, body := get(t, Handler(d, 0), "/healthz")
	if rec.Code != http.StatusServiceUnavailable || body["db"] != "connection refused" {
		t.Fatalf("healthz = %d %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(newDeps(t), 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
