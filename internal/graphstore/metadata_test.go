package graphstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"transit-graph/internal/migrate"
	"transit-graph/internal/model"
	"transit-graph/internal/store"
	"transit-graph/internal/utils"
)

func metadataImpls(t *testing.T) map[string]MetadataRepository {
	t.Helper()
	impls := map[string]MetadataRepository{"memory": NewMemoryMetadata()}
	if dsn := os.Getenv("PG_TEST_DSN"); dsn != "" {
		db, err := utils.OpenPostgres(dsn, 4, 2)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		ctx := context.Background()
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			t.Fatalf("schema: %v", err)
		}
		if _, err := db.ExecContext(ctx, `TRUNCATE graphs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		impls["postgres"] = NewPostgresMetadata(db)
	}
	return impls
}

func TestMetadataRepositories(t *testing.T) {
	for name, repo := range metadataImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := repo.GetActive(ctx); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("GetActive on empty = %v", err)
			}
			for _, v := range []string{"v1", "v2"} {
				if _, err := repo.Save(ctx, &model.Graph{ID: "g-" + v, Version: v, DatasetVersion: v, NodesCount: 3, EdgesCount: 5, StorageKey: StorageKey(v)}); err != nil {
					t.Fatalf("Save %s: %v", v, err)
				}
			}
			if _, err := repo.Save(ctx, &model.Graph{ID: "g-dup", Version: "v1", DatasetVersion: "v1"}); err == nil {
				t.Fatalf("duplicate dataset version accepted")
			}
			if err := repo.SetActive(ctx, "g-v1"); err != nil {
				t.Fatal(err)
			}
			if err := repo.SetActive(ctx, "g-v2"); err != nil {
				t.Fatal(err)
			}
			active, err := repo.GetActive(ctx)
			if err != nil || active.ID != "g-v2" {
				t.Fatalf("GetActive = %+v, %v", active, err)
			}
			if g, _ := repo.FindByID(ctx, "g-v1"); g == nil || g.IsActive || g.ActivatedAt == nil {
				t.Fatalf("g-v1 = %+v", g)
			}
			if g, _ := repo.FindByID(ctx, "g-v2"); g == nil || g.ActivatedAt == nil {
				t.Fatalf("g-v2 = %+v", g)
			}
			if g, _ := repo.Save(ctx, &model.Graph{ID: "g-v4", Version: "v4", DatasetVersion: "v4", StorageKey: StorageKey("v4")}); g == nil || g.ActivatedAt != nil {
				t.Fatalf("fresh row = %+v", g)
			}
			if g, err := repo.FindByVersion(ctx, "v2"); err != nil || g.ID != "g-v2" {
				t.Fatalf("FindByVersion = %+v, %v", g, err)
			}
			if err := repo.SetActive(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("SetActive(nope) = %v", err)
			}
			if list, _ := repo.ListByDatasetVersion(ctx, "v3"); len(list) != 0 {
				t.Fatalf("v3 = %+v", list)
			}
		})
	}
}
