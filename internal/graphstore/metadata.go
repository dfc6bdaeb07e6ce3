package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"transit-graph/internal/model"
	"transit-graph/internal/store"
)

// 文档注释：图元数据仓储（持久层）
// 背景：图是否存在只以此处的行为准；缓存层可随时清空重建。
// 约束：dataset_version 唯一；全局至多一行 IsActive。
type MetadataRepository interface {
	Save(ctx context.Context, g *model.Graph) (*model.Graph, error)
	FindByID(ctx context.Context, id string) (*model.Graph, error)
	FindByVersion(ctx context.Context, version string) (*model.Graph, error)
	ListByDatasetVersion(ctx context.Context, datasetVersion string) ([]model.Graph, error)
	GetActive(ctx context.Context) (*model.Graph, error)
	SetActive(ctx context.Context, id string) error
}

// PostgresMetadata：graphs 表实现
type PostgresMetadata struct{ db *sql.DB }

func NewPostgresMetadata(db *sql.DB) *PostgresMetadata { return &PostgresMetadata{db: db} }

const graphCols = `id, version, dataset_version, nodes_count, edges_count, build_duration_ms, storage_key, backup_path, is_active, created_at, activated_at`

func scanGraph(row interface{ Scan(...any) error }) (*model.Graph, error) {
	var g model.Graph
	var activated sql.NullTime
	if err := row.Scan(&g.ID, &g.Version, &g.DatasetVersion, &g.NodesCount, &g.EdgesCount, &g.BuildDurationMs,
		&g.StorageKey, &g.BackupPath, &g.IsActive, &g.CreatedAt, &activated); err != nil {
		return nil, err
	}
	if activated.Valid {
		t := activated.Time
		g.ActivatedAt = &t
	}
	return &g, nil
}

func (p *PostgresMetadata) one(ctx context.Context, q string, args ...any) (*model.Graph, error) {
	g, err := scanGraph(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return g, err
}

// Save：新行总是以未激活、未曾激活的状态写入；同一数据集版本重复写入返回错误
func (p *PostgresMetadata) Save(ctx context.Context, g *model.Graph) (*model.Graph, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.IsActive = false
	g.ActivatedAt = nil
	_, err := p.db.ExecContext(ctx, `INSERT INTO graphs (`+graphCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9,NULL)`,
		g.ID, g.Version, g.DatasetVersion, g.NodesCount, g.EdgesCount, g.BuildDurationMs, g.StorageKey, g.BackupPath, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save graph %s: %w", g.Version, err)
	}
	return g, nil
}

func (p *PostgresMetadata) FindByID(ctx context.Context, id string) (*model.Graph, error) {
	return p.one(ctx, `SELECT `+graphCols+` FROM graphs WHERE id=$1`, id)
}

func (p *PostgresMetadata) FindByVersion(ctx context.Context, version string) (*model.Graph, error) {
	return p.one(ctx, `SELECT `+graphCols+` FROM graphs WHERE version=$1 ORDER BY created_at DESC LIMIT 1`, version)
}

func (p *PostgresMetadata) GetActive(ctx context.Context) (*model.Graph, error) {
	return p.one(ctx, `SELECT `+graphCols+` FROM graphs WHERE is_active`)
}

func (p *PostgresMetadata) ListByDatasetVersion(ctx context.Context, datasetVersion string) ([]model.Graph, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+graphCols+` FROM graphs WHERE dataset_version=$1 ORDER BY created_at`, datasetVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Graph
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// SetActive：单事务内先清空再置位；activated_at 只在首次激活时写入
func (p *PostgresMetadata) SetActive(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE graphs SET is_active=FALSE WHERE is_active AND id<>$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE graphs SET is_active=TRUE, activated_at=COALESCE(activated_at, now()) WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("graph %s: %w", id, store.ErrNotFound)
	}
	return tx.Commit()
}

// MemoryMetadata：进程内实现，供测试与无数据库的演练使用
type MemoryMetadata struct {
	mu     sync.Mutex
	graphs map[string]model.Graph
}

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{graphs: make(map[string]model.Graph)}
}

func (m *MemoryMetadata) Save(_ context.Context, g *model.Graph) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.graphs {
		if x.DatasetVersion == g.DatasetVersion {
			return nil, fmt.Errorf("save graph %s: dataset version %s already has graph %s", g.Version, g.DatasetVersion, x.ID)
		}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.IsActive = false
	m.graphs[g.ID] = *g
	return g, nil
}

func (m *MemoryMetadata) FindByID(_ context.Context, id string) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (m *MemoryMetadata) FindByVersion(_ context.Context, version string) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.graphs {
		if g.Version == version {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryMetadata) GetActive(_ context.Context) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.graphs {
		if g.IsActive {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryMetadata) ListByDatasetVersion(_ context.Context, datasetVersion string) ([]model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Graph
	for _, g := range m.graphs {
		if g.DatasetVersion == datasetVersion {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryMetadata) SetActive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graphs[id]; !ok {
		return fmt.Errorf("graph %s: %w", id, store.ErrNotFound)
	}
	for k, g := range m.graphs {
		g.IsActive = k == id
		if g.IsActive && g.ActivatedAt == nil {
			now := time.Now().UTC()
			g.ActivatedAt = &now
		}
		m.graphs[k] = g
	}
	return nil
}
