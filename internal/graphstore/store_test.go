package graphstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transit-graph/internal/graph"
	"transit-graph/internal/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *MemoryMetadata) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	meta := NewMemoryMetadata()
	return New(meta, rdb, 64), mr, meta
}

func sampleGraph() *graph.Graph {
	return graph.Build(
		[]model.Stop{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]model.Route{
			{ID: "r1", FromStopID: "a", ToStopID: "b", DurationMinutes: 90, DistanceKm: 100, TransportMode: "bus"},
			{ID: "r2", FromStopID: "a", ToStopID: "b", DurationMinutes: 60, DistanceKm: 120, TransportMode: "air"},
			{ID: "r3", FromStopID: "b", ToStopID: "c", DurationMinutes: 30, DistanceKm: 20, TransportMode: "bus"},
		},
	)
}

func publish(t *testing.T, s *Store, version string) *model.Graph {
	t.Helper()
	ctx := context.Background()
	g := sampleGraph()
	if err := s.WriteAdjacency(ctx, version, g); err != nil {
		t.Fatalf("WriteAdjacency: %v", err)
	}
	meta, err := s.SaveGraphMetadata(ctx, &model.Graph{ID: "g-" + version, Version: version, DatasetVersion: version,
		NodesCount: len(g.Nodes), EdgesCount: g.Edges, StorageKey: StorageKey(version)})
	if err != nil {
		t.Fatalf("SaveGraphMetadata: %v", err)
	}
	if _, err := s.ActivateGraph(ctx, meta.ID); err != nil {
		t.Fatalf("ActivateGraph: %v", err)
	}
	return meta
}

func TestColdStoreReadsAreEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	if v, err := s.GetActiveVersion(ctx); err != nil || v != "" {
		t.Fatalf("GetActiveVersion = %q, %v", v, err)
	}
	if ok, err := s.HasNode(ctx, "a"); err != nil || ok {
		t.Fatalf("HasNode = %v, %v", ok, err)
	}
	if list, err := s.GetNeighbors(ctx, "a"); err != nil || len(list) != 0 {
		t.Fatalf("GetNeighbors = %v, %v", list, err)
	}
}

func TestPublishAndRead(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	publish(t, s, "v1")

	if v, _ := s.GetActiveVersion(ctx); v != "v1" {
		t.Fatalf("active = %q", v)
	}
	if ok, _ := s.HasNode(ctx, "c"); !ok {
		t.Fatalf("c should exist")
	}
	if ok, _ := s.HasNode(ctx, "zz"); ok {
		t.Fatalf("zz should not exist")
	}
	list, err := s.GetNeighbors(ctx, "a")
	if err != nil || len(list) != 2 || list[0].RouteID != "r2" {
		t.Fatalf("neighbors(a) = %+v, %v", list, err)
	}
	// 第二次读取走 L1
	if again, _ := s.GetNeighbors(ctx, "a"); len(again) != 2 {
		t.Fatalf("cached neighbors = %+v", again)
	}
	w, ok, err := s.GetEdgeWeight(ctx, "a", "b")
	if err != nil || !ok || w != 60 {
		t.Fatalf("weight(a,b) = %v %v %v", w, ok, err)
	}
	if _, ok, _ := s.GetEdgeWeight(ctx, "c", "a"); ok {
		t.Fatalf("c->a should be absent")
	}
	if list, _ := s.GetNeighbors(ctx, "c"); len(list) != 0 {
		t.Fatalf("neighbors(c) = %+v", list)
	}
}

func TestActiveVersionFallsBackToMetadata(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()
	publish(t, s, "v1")
	mr.Del(activeKey)
	if v, err := s.GetActiveVersion(ctx); err != nil || v != "v1" {
		t.Fatalf("fallback version = %q, %v", v, err)
	}
}

func TestActivateRollsBackAndPrunes(t *testing.T) {
	s, mr, meta := newTestStore(t)
	ctx := context.Background()
	first := publish(t, s, "v1")
	publish(t, s, "v2")
	publish(t, s, "v3")

	if _, err := s.ActivateGraph(ctx, first.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v, _ := s.GetActiveVersion(ctx); v != "v1" {
		t.Fatalf("active after rollback = %q", v)
	}
	active, err := meta.GetActive(ctx)
	if err != nil || active.ID != first.ID {
		t.Fatalf("metadata active = %+v, %v", active, err)
	}

	pruned, err := s.PruneVersions(ctx, 1)
	if err != nil {
		t.Fatalf("PruneVersions: %v", err)
	}
	for _, v := range pruned {
		if v == "v1" {
			t.Fatalf("active version must not be pruned: %v", pruned)
		}
	}
	if !mr.Exists(nodesKey("v1")) {
		t.Fatalf("active version keys removed")
	}
	if len(pruned) == 0 {
		t.Fatalf("expected at least one pruned version")
	}
	for _, v := range pruned {
		if mr.Exists(neighborsKey(v, "a")) {
			t.Fatalf("keys of %s still present", v)
		}
	}
}

func TestActivateRequiresAdjacency(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	meta, err := s.SaveGraphMetadata(ctx, &model.Graph{ID: "g-x", Version: "x", DatasetVersion: "x"})
	if err != nil {
		t.Fatalf("SaveGraphMetadata: %v", err)
	}
	if _, err := s.ActivateGraph(ctx, meta.ID); err == nil {
		t.Fatalf("activation without adjacency must fail")
	}
	if v, _ := s.GetActiveVersion(ctx); v != "" {
		t.Fatalf("pointer moved to %q", v)
	}
}

func TestMetadataOnePerDatasetVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveGraphMetadata(ctx, &model.Graph{ID: "g1", Version: "v", DatasetVersion: "v"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveGraphMetadata(ctx, &model.Graph{ID: "g2", Version: "v", DatasetVersion: "v"}); err == nil {
		t.Fatalf("second graph for same dataset version must fail")
	}
	list, _ := s.GetGraphMetadataByDatasetVersion(ctx, "v")
	if len(list) != 1 {
		t.Fatalf("rows = %d", len(list))
	}
}

func readPublished(t *testing.T, mr *miniredis.Miniredis, id string) []model.AdjacencyEntry {
	t.Helper()
	raw, err := mr.Get(PublishedNeighborsKey(id))
	if err != nil {
		t.Fatalf("get %s: %v", PublishedNeighborsKey(id), err)
	}
	var list []model.AdjacencyEntry
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return list
}

func TestPublishedViewFollowsActivation(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()
	first := publish(t, s, "v1")

	if list := readPublished(t, mr, "a"); len(list) != 2 || list[0].RouteID != "r2" {
		t.Fatalf("graph:node:a:neighbors = %+v", list)
	}
	if !mr.Exists(PublishedNodeKey("c")) {
		t.Fatalf("graph:node:c missing")
	}

	g2 := graph.Build(
		[]model.Stop{{ID: "a"}, {ID: "d"}},
		[]model.Route{{ID: "r9", FromStopID: "a", ToStopID: "d", DurationMinutes: 45, TransportMode: "air"}},
	)
	if err := s.WriteAdjacency(ctx, "v2", g2); err != nil {
		t.Fatal(err)
	}
	second, err := s.SaveGraphMetadata(ctx, &model.Graph{ID: "g-v2", Version: "v2", DatasetVersion: "v2", StorageKey: StorageKey("v2")})
	if err != nil {
		t.Fatal(err)
	}
	// 写入新版本键空间不影响发布视图
	if list := readPublished(t, mr, "a"); len(list) != 2 {
		t.Fatalf("view changed before activation: %+v", list)
	}
	if _, err := s.ActivateGraph(ctx, second.ID); err != nil {
		t.Fatalf("ActivateGraph: %v", err)
	}
	if list := readPublished(t, mr, "a"); len(list) != 1 || list[0].NeighborID != "d" {
		t.Fatalf("view after activation = %+v", list)
	}
	if mr.Exists(PublishedNodeKey("c")) || mr.Exists(PublishedNeighborsKey("b")) {
		t.Fatalf("nodes of the previous version still published")
	}
	if members, _ := mr.Members(publishedNodesKey); len(members) != 2 {
		t.Fatalf("graph:nodes = %v", members)
	}

	if _, err := s.ActivateGraph(ctx, first.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !mr.Exists(PublishedNodeKey("c")) || mr.Exists(PublishedNodeKey("d")) {
		t.Fatalf("rollback did not restore the published view")
	}
	if v, _ := s.GetActiveVersion(ctx); v != "v1" {
		t.Fatalf("active = %q", v)
	}
}
