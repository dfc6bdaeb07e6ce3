package store

import (
	"context"
	"os"
	"testing"
	"time"

	"transit-graph/internal/migrate"
	"transit-graph/internal/model"
	"transit-graph/internal/utils"
)

// setupTestPostgres：未设置 PG_TEST_DSN 时跳过；每次清空业务表
func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	db, err := utils.OpenPostgres(dsn, 4, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE datasets, stops, routes, flights, graphs, stage_runs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgres(db, 2)
}

func TestPostgresRepositories(t *testing.T) {
	p := setupTestPostgres(t)
	ctx := context.Background()
	v := "20240301T120000Z-abcdef01"

	stops := []model.Stop{
		{ID: "stop-1", Name: "Yakutsk Airport", City: "Yakutsk", CityKey: "yakutsk", Coordinates: model.Coordinates{Lat: 62.09, Lon: 129.77}},
		{ID: "stop-2", Name: "Mirny Airport", City: "Mirny", CityKey: "mirny", Coordinates: model.Coordinates{Lat: 62.53, Lon: 114.03}},
		{ID: "stop-3", Name: "Mirny Bus", City: "Mirny", CityKey: "mirny"},
	}
	if err := p.SaveRealStopsBatch(ctx, v, stops); err != nil {
		t.Fatalf("SaveRealStopsBatch: %v", err)
	}
	// 重复写入被忽略
	if err := p.SaveRealStopsBatch(ctx, v, stops[:1]); err != nil {
		t.Fatalf("SaveRealStopsBatch again: %v", err)
	}
	vstop := model.Stop{ID: "vstop-x", Name: "Lensk", City: "Lensk", CityKey: "lensk", SourceCity: "Lensk"}
	if err := p.SaveVirtualStopsBatch(ctx, v, []model.Stop{vstop}); err != nil {
		t.Fatalf("SaveVirtualStopsBatch: %v", err)
	}
	routes := []model.Route{{ID: "route-1", FromStopID: "stop-1", ToStopID: "stop-2", TransportMode: "air", DistanceKm: 820, DurationMinutes: 110}}
	if err := p.SaveRoutesBatch(ctx, v, routes); err != nil {
		t.Fatalf("SaveRoutesBatch: %v", err)
	}
	vroute := model.Route{ID: "vroute-x", FromStopID: "stop-1", ToStopID: "vstop-x", TransportMode: "air", DistanceKm: 700,
		DurationMinutes: 700, GenerationMethod: model.MethodHubBased, SourceCity: "yakutsk", TargetCity: "lensk",
		Metadata: map[string]any{"price": 4200.0}}
	if err := p.SaveVirtualRoutesBatch(ctx, v, []model.Route{vroute}); err != nil {
		t.Fatalf("SaveVirtualRoutesBatch: %v", err)
	}
	dep := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	flights := []model.Flight{
		{ID: "f1", RouteID: "route-1", FromStopID: "stop-1", ToStopID: "stop-2", DepartureTime: dep, ArrivalTime: dep.Add(time.Hour), DaysOfWeek: "5"},
		{ID: "vf1", RouteID: "vroute-x", FromStopID: "stop-1", ToStopID: "vstop-x", DepartureTime: dep, ArrivalTime: dep.Add(time.Hour), DaysOfWeek: "5", IsVirtual: true},
	}
	if err := p.SaveFlightsBatch(ctx, v, flights); err != nil {
		t.Fatalf("SaveFlightsBatch: %v", err)
	}

	byCity, err := p.GetRealStopsByCity(ctx, v, "mirny")
	if err != nil || len(byCity) != 2 {
		t.Fatalf("GetRealStopsByCity = %+v, %v", byCity, err)
	}
	direct, err := p.FindDirectRoutes(ctx, v, "mirny", "yakutsk")
	if err != nil || len(direct) != 1 {
		t.Fatalf("FindDirectRoutes = %+v, %v", direct, err)
	}
	virt, err := p.FindVirtualConnections(ctx, v, "lensk", "yakutsk")
	if err != nil || len(virt) != 1 || virt[0].Metadata["price"] != 4200.0 || virt[0].Kind != model.KindVirtual {
		t.Fatalf("FindVirtualConnections = %+v, %v", virt, err)
	}

	// 未写数据集记录前，上述行属于孤儿
	n, err := p.PurgeOrphans(ctx)
	if err != nil || n != 8 {
		t.Fatalf("PurgeOrphans = %d, %v", n, err)
	}
	if err := p.SaveRealStopsBatch(ctx, v, stops); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveDataset(ctx, &model.Dataset{ID: "d1", Version: v, SourceHash: "h1", BuildTimestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveDataset: %v", err)
	}
	st, err := Statistics(ctx, p.Repositories(), v)
	if err != nil || st.StopsCount != 3 {
		t.Fatalf("Statistics = %+v, %v", st, err)
	}
	if err := p.UpdateStatistics(ctx, v, st); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkSynthesized(ctx, v, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	latest, err := p.GetLatestDataset(ctx)
	if err != nil || latest.Version != v || latest.SynthesizedAt == nil || latest.StopsCount != 3 {
		t.Fatalf("GetLatestDataset = %+v, %v", latest, err)
	}
	if ok, _ := p.ExistsBySourceHash(ctx, "h1"); !ok {
		t.Fatalf("ExistsBySourceHash(h1) = false")
	}
	if err := p.SetActiveDataset(ctx, v); err != nil {
		t.Fatal(err)
	}
	if err := p.SetActiveDataset(ctx, "missing"); err == nil {
		t.Fatalf("activating unknown version must fail")
	}
	active, _ := p.GetActiveDataset(ctx)
	if active == nil || active.Version != v {
		t.Fatalf("GetActiveDataset = %+v", active)
	}
}

func TestPostgresRunLog(t *testing.T) {
	p := setupTestPostgres(t)
	ctx := context.Background()
	if _, ok, err := p.LastStarted(ctx, "dataset-sync"); err != nil || ok {
		t.Fatalf("LastStarted on empty = %v, %v", ok, err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := p.RecordStart(ctx, "dataset-sync", at); err != nil {
		t.Fatal(err)
	}
	if err := p.RecordFinish(ctx, "dataset-sync", at.Add(time.Minute), "SUCCESS"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := p.LastStarted(ctx, "dataset-sync")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("LastStarted = %v, %v, %v", got, ok, err)
	}
}
