package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"transit-graph/internal/logger"
)

// OpenRedis：直接以地址与密码打开客户端，测试注入使用
func OpenRedis(addr, pass string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass})
}

// 文档注释：从环境变量打开 Redis 客户端并探活
// 背景：邻接缓存层是图发布的必需组件，不可用时直接报错。
// 约束：REDIS_DB 解析失败时回退到 0。
func OpenRedisFromEnv(ctx context.Context) (*redis.Client, error) {
	addr := getenv("REDIS_HOST", "127.0.0.1") + ":" + getenv("REDIS_PORT", "6379")
	db := 0
	if n, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil && n >= 0 {
		db = n
	}
	logger.L().Debug("redis_env", "addr", addr, "db", db)
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS"), DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rc, nil
}
