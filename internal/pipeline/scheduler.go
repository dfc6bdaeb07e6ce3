package pipeline

import (
	"context"
	"log/slog"
	"time"

	"transit-graph/internal/logger"
)

// 文档注释：周期调度
// 背景：各阶段门控自带幂等与限流，调度器只需按固定间隔从链首触发。
// 约束：启动时立即跑一轮；错误只记日志，继续下一轮；ctx 取消后返回。
type Scheduler struct {
	runner   *Runner
	start    string
	interval time.Duration
}

func NewScheduler(runner *Runner, start string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{runner: runner, start: start, interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) {
	l := logger.L()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.tick(ctx, l)
		select {
		case <-ctx.Done():
			l.Info("scheduler_stopped")
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, l *slog.Logger) {
	l.Info("chain_start", "start", s.start, "next_tick", time.Now().Add(s.interval))
	results, err := s.runner.RunChain(ctx, s.start)
	if err != nil {
		l.Error("chain_error", "err", err)
		return
	}
	codes := make([]string, 0, len(results))
	for _, r := range results {
		codes = append(codes, r.Code)
	}
	l.Info("chain_done", "codes", codes)
}
