// 包 utils：PostgreSQL / Redis 连接工具，统一环境变量读取
package utils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// BuildPostgresDSNFromEnv：PG_HOST/PG_PORT/PG_USER/PG_PASSWORD/PG_DB/PG_SSLMODE 组装 DSN
func BuildPostgresDSNFromEnv() string {
	dsn := "postgres://" + getenv("PG_USER", "postgres")
	if pass := os.Getenv("PG_PASSWORD"); pass != "" {
		dsn += ":" + pass
	}
	dsn += "@" + getenv("PG_HOST", "localhost") + ":" + getenv("PG_PORT", "5432") + "/" + getenv("PG_DB", "transit")
	dsn += "?sslmode=" + getenv("PG_SSLMODE", "disable")
	return dsn
}

// OpenPostgres：打开连接池；批量写入为主，连接数不宜过大
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// 文档注释：从环境变量打开 PostgreSQL 并探活
// 约束：PG_MAX_OPEN_CONNS / PG_MAX_IDLE_CONNS 解析失败时使用默认 10/5；Ping 超时 5s。
func OpenPostgresFromEnv(ctx context.Context) (*sql.DB, error) {
	maxOpen, maxIdle := 10, 5
	if n, err := strconv.Atoi(os.Getenv("PG_MAX_OPEN_CONNS")); err == nil && n > 0 {
		maxOpen = n
	}
	if n, err := strconv.Atoi(os.Getenv("PG_MAX_IDLE_CONNS")); err == nil && n >= 0 {
		maxIdle = n
	}
	db, err := OpenPostgres(BuildPostgresDSNFromEnv(), maxOpen, maxIdle)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
