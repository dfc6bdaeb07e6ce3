package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"transit-graph/internal/logger"
	"transit-graph/internal/model"
)

// 文档注释：PostgreSQL 仓储实现
// 背景：同时实现 Dataset/Stop/Route/Flight 仓储与阶段运行记录，共用连接池。
// 约束：批量写入每 batchSize 行提交一次，降低锁持有时间；事务内为多行 INSERT；实体写入使用 ON CONFLICT DO NOTHING，重跑幂等。
type Postgres struct {
	db        *sql.DB
	batchSize int
}

func NewPostgres(db *sql.DB, batchSize int) *Postgres {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Postgres{db: db, batchSize: batchSize}
}

func (p *Postgres) DB() *sql.DB { return p.db }

// Repositories：以同一实现填充仓储集合
func (p *Postgres) Repositories() Repositories {
	return Repositories{Datasets: p, Stops: p, Routes: p, Flights: p, Runs: p}
}

// bulkInsert：多行 INSERT 的固定部分；VALUES 元组由 build 按行拼接
type bulkInsert struct {
	head string // INSERT INTO t(cols) VALUES
	tail string // ON CONFLICT ...
	cols int
}

// Postgres 单条语句的绑定参数上限
const maxParams = 65535

// build：生成 [start,end) 行的多行 VALUES 语句及参数
func (b bulkInsert) build(start, end int, args func(i int) ([]any, error)) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(b.head)
	vals := make([]any, 0, (end-start)*b.cols)
	for i := start; i < end; i++ {
		a, err := args(i)
		if err != nil {
			return "", nil, err
		}
		if len(a) != b.cols {
			return "", nil, fmt.Errorf("row %d: %d values, want %d", i, len(a), b.cols)
		}
		if i > start {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for j := range a {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(len(vals) + j + 1))
		}
		sb.WriteByte(')')
		vals = append(vals, a...)
	}
	sb.WriteByte(' ')
	sb.WriteString(b.tail)
	return sb.String(), vals, nil
}

// writeBatched：每 batchSize 行一个事务，事务内按参数上限拆成若干多行 INSERT
func (p *Postgres) writeBatched(ctx context.Context, ins bulkInsert, n int, args func(i int) ([]any, error)) error {
	for start := 0; start < n; start += p.batchSize {
		end := min(start+p.batchSize, n)
		if err := p.writeChunk(ctx, ins, start, end, args); err != nil {
			return err
		}
		if n > p.batchSize {
			logger.L().Debug("batch_progress", "written", end, "total", n)
		}
	}
	return nil
}

func (p *Postgres) writeChunk(ctx context.Context, ins bulkInsert, start, end int, args func(i int) ([]any, error)) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	per := maxParams / ins.cols
	for i := start; i < end; i += per {
		q, vals, err := ins.build(i, min(i+per, end), args)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, vals...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- datasets ----

const datasetCols = `id, version, source_hash, stops_count, routes_count, flights_count,
    virtual_stops_count, virtual_routes_count, virtual_flights_count, build_timestamp, is_active, synthesized_at`

func scanDataset(row interface{ Scan(...any) error }) (*model.Dataset, error) {
	var d model.Dataset
	var synth sql.NullTime
	err := row.Scan(&d.ID, &d.Version, &d.SourceHash, &d.StopsCount, &d.RoutesCount, &d.FlightsCount,
		&d.VirtualStopsCount, &d.VirtualRoutesCount, &d.VirtualFlightsCount, &d.BuildTimestamp, &d.IsActive, &synth)
	if err != nil {
		return nil, err
	}
	if synth.Valid {
		t := synth.Time
		d.SynthesizedAt = &t
	}
	return &d, nil
}

func (p *Postgres) queryDataset(ctx context.Context, q string, args ...any) (*model.Dataset, error) {
	d, err := scanDataset(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (p *Postgres) GetLatestDataset(ctx context.Context) (*model.Dataset, error) {
	return p.queryDataset(ctx, `SELECT `+datasetCols+` FROM datasets ORDER BY build_timestamp DESC, version DESC LIMIT 1`)
}

func (p *Postgres) GetDataset(ctx context.Context, version string) (*model.Dataset, error) {
	d, err := p.queryDataset(ctx, `SELECT `+datasetCols+` FROM datasets WHERE version=$1`, version)
	if err == nil && d == nil {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *Postgres) GetActiveDataset(ctx context.Context) (*model.Dataset, error) {
	return p.queryDataset(ctx, `SELECT `+datasetCols+` FROM datasets WHERE is_active LIMIT 1`)
}

func (p *Postgres) SaveDataset(ctx context.Context, d *model.Dataset) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO datasets(`+datasetCols+`)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.Version, d.SourceHash, d.StopsCount, d.RoutesCount, d.FlightsCount,
		d.VirtualStopsCount, d.VirtualRoutesCount, d.VirtualFlightsCount, d.BuildTimestamp, d.IsActive, d.SynthesizedAt)
	return err
}

// SetActiveDataset：单事务内先清空再置位，读者不会看到两行激活
func (p *Postgres) SetActiveDataset(ctx context.Context, version string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE datasets SET is_active=FALSE WHERE is_active AND version<>$1`, version); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE datasets SET is_active=TRUE WHERE version=$1`, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dataset %s: %w", version, ErrNotFound)
	}
	return tx.Commit()
}

func (p *Postgres) UpdateStatistics(ctx context.Context, version string, st model.Stats) error {
	_, err := p.db.ExecContext(ctx, `UPDATE datasets SET stops_count=$2, routes_count=$3, flights_count=$4,
        virtual_stops_count=$5, virtual_routes_count=$6, virtual_flights_count=$7 WHERE version=$1`,
		version, st.StopsCount, st.RoutesCount, st.FlightsCount, st.VirtualStopsCount, st.VirtualRoutesCount, st.VirtualFlightsCount)
	return err
}

func (p *Postgres) ExistsBySourceHash(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM datasets WHERE source_hash=$1)`, hash).Scan(&ok)
	return ok, err
}

func (p *Postgres) MarkSynthesized(ctx context.Context, version string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE datasets SET synthesized_at=$2 WHERE version=$1`, version, at)
	return err
}

// 文档注释：清理孤儿实体
// 背景：同步阶段先写实体、后写数据集记录；中途崩溃会留下无数据集引用的版本行，重试前清理。
func (p *Postgres) PurgeOrphans(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"flights", "routes", "stops"} {
		res, err := p.db.ExecContext(ctx, `DELETE FROM `+table+` t WHERE NOT EXISTS (SELECT 1 FROM datasets d WHERE d.version=t.dataset_version)`)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ---- stops ----

var insertStop = bulkInsert{
	head: `INSERT INTO stops(dataset_version, id, name, lat, lon, city, city_key, city_id, kind, source_city) VALUES `,
	tail: `ON CONFLICT (dataset_version, id) DO NOTHING`,
	cols: 10,
}

func (p *Postgres) saveStops(ctx context.Context, version, kind string, stops []model.Stop) error {
	return p.writeBatched(ctx, insertStop, len(stops), func(i int) ([]any, error) {
		s := stops[i]
		return []any{version, s.ID, s.Name, s.Coordinates.Lat, s.Coordinates.Lon, s.City, s.CityKey, s.CityID, kind, s.SourceCity}, nil
	})
}

func (p *Postgres) SaveRealStopsBatch(ctx context.Context, version string, stops []model.Stop) error {
	return p.saveStops(ctx, version, model.KindReal, stops)
}

func (p *Postgres) SaveVirtualStopsBatch(ctx context.Context, version string, stops []model.Stop) error {
	return p.saveStops(ctx, version, model.KindVirtual, stops)
}

func (p *Postgres) queryStops(ctx context.Context, q string, args ...any) ([]model.Stop, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Stop
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Coordinates.Lat, &s.Coordinates.Lon, &s.City, &s.CityKey, &s.CityID, &s.Kind, &s.SourceCity); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const stopCols = `id, name, lat, lon, city, city_key, city_id, kind, source_city`

func (p *Postgres) GetAllRealStops(ctx context.Context, version string) ([]model.Stop, error) {
	return p.queryStops(ctx, `SELECT `+stopCols+` FROM stops WHERE dataset_version=$1 AND kind=$2 ORDER BY id`, version, model.KindReal)
}

func (p *Postgres) GetAllVirtualStops(ctx context.Context, version string) ([]model.Stop, error) {
	return p.queryStops(ctx, `SELECT `+stopCols+` FROM stops WHERE dataset_version=$1 AND kind=$2 ORDER BY id`, version, model.KindVirtual)
}

func (p *Postgres) GetRealStopsByCity(ctx context.Context, version, city string) ([]model.Stop, error) {
	return p.queryStops(ctx, `SELECT `+stopCols+` FROM stops WHERE dataset_version=$1 AND kind=$2 AND city_key=$3 ORDER BY id`, version, model.KindReal, city)
}

func (p *Postgres) GetVirtualStopsByCity(ctx context.Context, version, city string) ([]model.Stop, error) {
	return p.queryStops(ctx, `SELECT `+stopCols+` FROM stops WHERE dataset_version=$1 AND kind=$2 AND city_key=$3 ORDER BY id`, version, model.KindVirtual, city)
}

func (p *Postgres) count(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (p *Postgres) CountRealStops(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM stops WHERE dataset_version=$1 AND kind=$2`, version, model.KindReal)
}

func (p *Postgres) CountVirtualStops(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM stops WHERE dataset_version=$1 AND kind=$2`, version, model.KindVirtual)
}

// ---- routes ----

var insertRoute = bulkInsert{
	head: `INSERT INTO routes(dataset_version, id, from_stop_id, to_stop_id, transport_mode, distance_km,
    duration_minutes, kind, generation_method, source_city, target_city, metadata) VALUES `,
	tail: `ON CONFLICT (dataset_version, id) DO NOTHING`,
	cols: 12,
}

func (p *Postgres) saveRoutes(ctx context.Context, version, kind string, routes []model.Route) error {
	return p.writeBatched(ctx, insertRoute, len(routes), func(i int) ([]any, error) {
		r := routes[i]
		// lib/pq 以 bytea 编码 []byte，JSONB 需按文本传入
		var meta any
		if len(r.Metadata) > 0 {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return nil, fmt.Errorf("route %s metadata: %w", r.ID, err)
			}
			meta = string(b)
		}
		return []any{version, r.ID, r.FromStopID, r.ToStopID, r.TransportMode, r.DistanceKm, r.DurationMinutes,
			kind, r.GenerationMethod, r.SourceCity, r.TargetCity, meta}, nil
	})
}

func (p *Postgres) SaveRoutesBatch(ctx context.Context, version string, routes []model.Route) error {
	return p.saveRoutes(ctx, version, model.KindReal, routes)
}

func (p *Postgres) SaveVirtualRoutesBatch(ctx context.Context, version string, routes []model.Route) error {
	return p.saveRoutes(ctx, version, model.KindVirtual, routes)
}

const routeCols = `r.id, r.from_stop_id, r.to_stop_id, r.transport_mode, r.distance_km, r.duration_minutes,
    r.kind, r.generation_method, r.source_city, r.target_city, r.metadata`

func (p *Postgres) queryRoutes(ctx context.Context, q string, args ...any) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Route
	for rows.Next() {
		var r model.Route
		var meta []byte
		if err := rows.Scan(&r.ID, &r.FromStopID, &r.ToStopID, &r.TransportMode, &r.DistanceKm, &r.DurationMinutes,
			&r.Kind, &r.GenerationMethod, &r.SourceCity, &r.TargetCity, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("route %s metadata: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetAllRoutes(ctx context.Context, version string) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT `+routeCols+` FROM routes r WHERE r.dataset_version=$1 AND r.kind=$2 ORDER BY r.id`, version, model.KindReal)
}

func (p *Postgres) GetAllVirtualRoutes(ctx context.Context, version string) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT `+routeCols+` FROM routes r WHERE r.dataset_version=$1 AND r.kind=$2 ORDER BY r.id`, version, model.KindVirtual)
}

func (p *Postgres) FindDirectRoutes(ctx context.Context, version, cityA, cityB string) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT `+routeCols+` FROM routes r
        JOIN stops f ON f.dataset_version=r.dataset_version AND f.id=r.from_stop_id
        JOIN stops t ON t.dataset_version=r.dataset_version AND t.id=r.to_stop_id
        WHERE r.dataset_version=$1 AND r.kind=$4
          AND ((f.city_key=$2 AND t.city_key=$3) OR (f.city_key=$3 AND t.city_key=$2))
        ORDER BY r.id`, version, cityA, cityB, model.KindReal)
}

func (p *Postgres) FindVirtualConnections(ctx context.Context, version, cityA, cityB string) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT `+routeCols+` FROM routes r
        WHERE r.dataset_version=$1 AND r.kind=$4
          AND ((r.source_city=$2 AND r.target_city=$3) OR (r.source_city=$3 AND r.target_city=$2))
        ORDER BY r.id`, version, cityA, cityB, model.KindVirtual)
}

func (p *Postgres) CountRoutes(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM routes WHERE dataset_version=$1 AND kind=$2`, version, model.KindReal)
}

func (p *Postgres) CountVirtualRoutes(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM routes WHERE dataset_version=$1 AND kind=$2`, version, model.KindVirtual)
}

// ---- flights ----

var insertFlight = bulkInsert{
	head: `INSERT INTO flights(dataset_version, id, route_id, from_stop_id, to_stop_id, departure_time,
    arrival_time, days_of_week, price, is_virtual) VALUES `,
	tail: `ON CONFLICT (dataset_version, id) DO NOTHING`,
	cols: 10,
}

func (p *Postgres) SaveFlightsBatch(ctx context.Context, version string, flights []model.Flight) error {
	return p.writeBatched(ctx, insertFlight, len(flights), func(i int) ([]any, error) {
		f := flights[i]
		return []any{version, f.ID, f.RouteID, f.FromStopID, f.ToStopID, f.DepartureTime, f.ArrivalTime, f.DaysOfWeek, f.Price, f.IsVirtual}, nil
	})
}

func (p *Postgres) CountFlights(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM flights WHERE dataset_version=$1 AND NOT is_virtual`, version)
}

func (p *Postgres) CountVirtualFlights(ctx context.Context, version string) (int, error) {
	return p.count(ctx, `SELECT COUNT(1) FROM flights WHERE dataset_version=$1 AND is_virtual`, version)
}

// ---- stage runs ----

func (p *Postgres) LastStarted(ctx context.Context, stage string) (time.Time, bool, error) {
	var t time.Time
	err := p.db.QueryRowContext(ctx, `SELECT last_started_at FROM stage_runs WHERE stage=$1`, stage).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (p *Postgres) RecordStart(ctx context.Context, stage string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO stage_runs(stage, last_started_at) VALUES($1,$2)
        ON CONFLICT (stage) DO UPDATE SET last_started_at=EXCLUDED.last_started_at`, stage, at)
	return err
}

func (p *Postgres) RecordFinish(ctx context.Context, stage string, at time.Time, code string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE stage_runs SET last_finished_at=$2, last_code=$3 WHERE stage=$1`, stage, at, code)
	return err
}
