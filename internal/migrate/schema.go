package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"transit-graph/internal/logger"
)

// 文档注释：确保持久层表结构存在
// 背景：首次运行自动建表；所有语句幂等，可在每次启动时执行。
// 约束：实体表以 (dataset_version, id) 为主键，虚拟实体依赖确定性 ID 实现重跑去重；
// datasets/graphs 的部分唯一索引保证任意时刻至多一行 is_active。
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
            id TEXT PRIMARY KEY,
            version TEXT NOT NULL UNIQUE,
            source_hash TEXT NOT NULL,
            stops_count INT NOT NULL DEFAULT 0,
            routes_count INT NOT NULL DEFAULT 0,
            flights_count INT NOT NULL DEFAULT 0,
            virtual_stops_count INT NOT NULL DEFAULT 0,
            virtual_routes_count INT NOT NULL DEFAULT 0,
            virtual_flights_count INT NOT NULL DEFAULT 0,
            build_timestamp TIMESTAMPTZ NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT FALSE,
            synthesized_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_build ON datasets(build_timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_hash ON datasets(source_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_datasets_active ON datasets(is_active) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS stops (
            dataset_version TEXT NOT NULL,
            id TEXT NOT NULL,
            name TEXT NOT NULL,
            lat DOUBLE PRECISION NOT NULL,
            lon DOUBLE PRECISION NOT NULL,
            city TEXT NOT NULL DEFAULT '',
            city_key TEXT NOT NULL DEFAULT '',
            city_id TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL,
            source_city TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (dataset_version, id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_stops_city ON stops(dataset_version, kind, city_key)`,
		`CREATE TABLE IF NOT EXISTS routes (
            dataset_version TEXT NOT NULL,
            id TEXT NOT NULL,
            from_stop_id TEXT NOT NULL,
            to_stop_id TEXT NOT NULL,
            transport_mode TEXT NOT NULL,
            distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
            duration_minutes INT NOT NULL DEFAULT 0,
            kind TEXT NOT NULL,
            generation_method TEXT NOT NULL DEFAULT '',
            source_city TEXT NOT NULL DEFAULT '',
            target_city TEXT NOT NULL DEFAULT '',
            metadata JSONB,
            PRIMARY KEY (dataset_version, id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_routes_endpoints ON routes(dataset_version, from_stop_id, to_stop_id)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_cities ON routes(dataset_version, kind, source_city, target_city)`,
		`CREATE TABLE IF NOT EXISTS flights (
            dataset_version TEXT NOT NULL,
            id TEXT NOT NULL,
            route_id TEXT NOT NULL,
            from_stop_id TEXT NOT NULL,
            to_stop_id TEXT NOT NULL,
            departure_time TIMESTAMPTZ NOT NULL,
            arrival_time TIMESTAMPTZ NOT NULL,
            days_of_week TEXT NOT NULL DEFAULT '',
            price DOUBLE PRECISION NOT NULL DEFAULT 0,
            is_virtual BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (dataset_version, id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_flights_route ON flights(dataset_version, route_id)`,
		`CREATE TABLE IF NOT EXISTS graphs (
            id TEXT PRIMARY KEY,
            version TEXT NOT NULL,
            dataset_version TEXT NOT NULL,
            nodes_count INT NOT NULL,
            edges_count INT NOT NULL,
            build_duration_ms BIGINT NOT NULL DEFAULT 0,
            storage_key TEXT NOT NULL,
            backup_path TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`ALTER TABLE graphs ADD COLUMN IF NOT EXISTS activated_at TIMESTAMPTZ`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_graphs_dataset ON graphs(dataset_version)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_graphs_active ON graphs(is_active) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
            stage TEXT PRIMARY KEY,
            last_started_at TIMESTAMPTZ NOT NULL,
            last_finished_at TIMESTAMPTZ,
            last_code TEXT NOT NULL DEFAULT ''
        )`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
