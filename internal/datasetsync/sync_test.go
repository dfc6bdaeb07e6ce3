package datasetsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"transit-graph/internal/model"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/refcity"
	"transit-graph/internal/source"
	"transit-graph/internal/store/memstore"
)

type stubFetcher struct {
	payload *source.Payload
	err     error
	calls   int
}

func (f *stubFetcher) FetchAll(ctx context.Context) (*source.Payload, error) {
	f.calls++
	return f.payload, f.err
}

func samplePayload() *source.Payload {
	return &source.Payload{
		Stops: []model.Stop{
			{ID: "stop-1", Name: "Yakutsk Airport", City: "Yakutsk", Coordinates: model.Coordinates{Lat: 62.09, Lon: 129.77}},
			{ID: "stop-2", Name: "Аэропорт Мирный", Coordinates: model.Coordinates{Lat: 62.53, Lon: 114.04}},
		},
		Routes: []model.Route{{ID: "route-1", FromStopID: "stop-1", ToStopID: "stop-2", TransportMode: "air", DistanceKm: 820, DurationMinutes: 110}},
		Flights: []model.Flight{{ID: "flight-1", RouteID: "route-1", FromStopID: "stop-1", ToStopID: "stop-2",
			DepartureTime: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), ArrivalTime: time.Date(2024, 3, 1, 10, 50, 0, 0, time.UTC),
			DaysOfWeek: "1,3,5", Price: 12000}},
	}
}

func newStage(t *testing.T, f *stubFetcher) (*Stage, *memstore.Store) {
	t.Helper()
	dir, err := refcity.Load("")
	if err != nil {
		t.Fatalf("refcity: %v", err)
	}
	ms := memstore.New()
	s := New(f, ms.Repositories(), dir)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, ms
}

func TestSyncIsIdempotent(t *testing.T) {
	f := &stubFetcher{payload: samplePayload()}
	s, ms := newStage(t, f)
	ctx := context.Background()

	first := pipeline.Execute(ctx, s)
	if first.Code != pipeline.CodeSuccess || first.NextWorker != pipeline.StageConnectivitySynthesis {
		t.Fatalf("first = %+v", first)
	}
	version := first.Data["datasetVersion"].(string)
	if !strings.HasPrefix(version, "20240301T120000Z-") {
		t.Fatalf("version = %s", version)
	}
	writes := ms.Writes(memstore.OpSaveRealStops) + ms.Writes(memstore.OpSaveRoutes) + ms.Writes(memstore.OpSaveFlights)

	second := pipeline.Execute(ctx, s)
	if second.Code != pipeline.CodeNoChange || second.Data["changed"] != false || second.Data["datasetVersion"] != version {
		t.Fatalf("second = %+v", second)
	}
	if got := ms.Writes(memstore.OpSaveRealStops) + ms.Writes(memstore.OpSaveRoutes) + ms.Writes(memstore.OpSaveFlights); got != writes {
		t.Fatalf("entity writes %d -> %d on unchanged payload", writes, got)
	}
	if n := len(ms.Datasets()); n != 1 {
		t.Fatalf("datasets = %d", n)
	}
	ds := ms.Datasets()[0]
	if ds.IsActive || ds.StopsCount != 2 || ds.RoutesCount != 1 || ds.FlightsCount != 1 {
		t.Fatalf("dataset = %+v", ds)
	}
}

func TestSyncAttributesCities(t *testing.T) {
	f := &stubFetcher{payload: samplePayload()}
	s, ms := newStage(t, f)
	res := pipeline.Execute(context.Background(), s)
	version := res.Data["datasetVersion"].(string)
	stops, _ := ms.GetRealStopsByCity(context.Background(), version, "mirny")
	if len(stops) != 1 || stops[0].ID != "stop-2" {
		t.Fatalf("mirny stops = %+v", stops)
	}
}

func TestSyncFetchFailureWritesNothing(t *testing.T) {
	f := &stubFetcher{err: source.ErrBadStatus}
	s, ms := newStage(t, f)
	res := pipeline.Execute(context.Background(), s)
	if res.Success || res.Code != pipeline.CodeFailed || !strings.Contains(res.Error, "bad upstream status") {
		t.Fatalf("res = %+v", res)
	}
	if ms.Writes(memstore.OpSaveRealStops) != 0 || len(ms.Datasets()) != 0 {
		t.Fatalf("writes after fetch failure")
	}
}

func TestSyncPersistenceFailureIsRetryable(t *testing.T) {
	f := &stubFetcher{payload: samplePayload()}
	s, ms := newStage(t, f)
	ctx := context.Background()
	ms.Fail(memstore.OpSaveFlights, errors.New("disk full"))
	if res := pipeline.Execute(ctx, s); res.Code != pipeline.CodeFailed {
		t.Fatalf("res = %+v", res)
	}
	if len(ms.Datasets()) != 0 {
		t.Fatalf("dataset written despite failed flight batch")
	}
	ms.Fail(memstore.OpSaveFlights, nil)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC) }
	res := pipeline.Execute(ctx, s)
	if res.Code != pipeline.CodeSuccess {
		t.Fatalf("retry = %+v", res)
	}
	version := res.Data["datasetVersion"].(string)
	n, _ := ms.CountRealStops(ctx, version)
	if n != 2 {
		t.Fatalf("stops in retried version = %d", n)
	}
	// 首次失败留下的孤儿版本已清理
	orphan := Version(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), res.Data["datasetVersion"].(string)[17:])
	if n, _ := ms.CountRealStops(ctx, orphan); n != 0 {
		t.Fatalf("orphan stops = %d", n)
	}
}

func TestContentHashIgnoresOrder(t *testing.T) {
	a := samplePayload()
	b := samplePayload()
	b.Stops[0], b.Stops[1] = b.Stops[1], b.Stops[0]
	ha, _ := ContentHash(a)
	hb, _ := ContentHash(b)
	if ha != hb {
		t.Fatalf("hash depends on order")
	}
	b.Routes[0].DurationMinutes++
	hc, _ := ContentHash(b)
	if hc == ha {
		t.Fatalf("hash ignores content change")
	}
}

func TestVersion(t *testing.T) {
	got := Version(time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 9*3600)), "abcdef0123456789")
	if got != "20240101T180405Z-abcdef01" {
		t.Fatalf("Version = %s", got)
	}
}
