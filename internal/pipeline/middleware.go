package pipeline

import (
	"context"
	"fmt"
	"time"

	"transit-graph/internal/logger"
	"transit-graph/internal/metrics"
	"transit-graph/internal/store"
)

// Middleware：包装阶段以复用横切逻辑
type Middleware func(Stage) Stage

// Wrap：按书写顺序由外到内套用
func Wrap(s Stage, mws ...Middleware) Stage {
	for i := len(mws) - 1; i >= 0; i-- {
		s = mws[i](s)
	}
	return s
}

// wrapped：只覆盖需要的方法，其余透传
type wrapped struct {
	inner  Stage
	canRun func(ctx context.Context) (Gate, error)
	run    func(ctx context.Context) Result
}

func (w *wrapped) Name() string { return w.inner.Name() }

func (w *wrapped) CanRun(ctx context.Context) (Gate, error) {
	if w.canRun != nil {
		return w.canRun(ctx)
	}
	return w.inner.CanRun(ctx)
}

func (w *wrapped) Run(ctx context.Context) Result {
	if w.run != nil {
		return w.run(ctx)
	}
	return w.inner.Run(ctx)
}

// WithLogging：记录开始、结束码与耗时
func WithLogging() Middleware {
	return func(s Stage) Stage {
		l := logger.Stage(s.Name())
		return &wrapped{inner: s, run: func(ctx context.Context) Result {
			t0 := time.Now()
			l.Info("stage_start")
			res := s.Run(ctx)
			attrs := []any{"code", res.Code, "duration_ms", time.Since(t0).Milliseconds(), "next", res.NextWorker}
			if res.Success {
				l.Info("stage_done", attrs...)
			} else {
				l.Error("stage_failed", append(attrs, "message", res.Message, "err", res.Error)...)
			}
			return res
		}, canRun: func(ctx context.Context) (Gate, error) {
			g, err := s.CanRun(ctx)
			if err == nil && !g.OK {
				l.Info("stage_skipped", "code", g.Code, "reason", g.Reason)
			}
			return g, err
		}}
	}
}

// WithMetrics：按阶段统计运行次数（含跳过）与耗时
func WithMetrics() Middleware {
	return func(s Stage) Stage {
		name := s.Name()
		return &wrapped{inner: s, run: func(ctx context.Context) Result {
			t0 := time.Now()
			res := s.Run(ctx)
			metrics.StageDurationMs.WithLabelValues(name).Observe(float64(time.Since(t0).Milliseconds()))
			metrics.StageRunsTotal.WithLabelValues(name, res.Code).Inc()
			return res
		}, canRun: func(ctx context.Context) (Gate, error) {
			g, err := s.CanRun(ctx)
			if err == nil && !g.OK {
				metrics.StageRunsTotal.WithLabelValues(name, g.Code).Inc()
			}
			return g, err
		}}
	}
}

// 文档注释：最小运行间隔
// 背景：限制对上游的拉取频率；记录落在持久层，多进程部署同样生效。
// 约束：以上次开始时间计算，失败的运行同样占用间隔；d<=0 时不限流。
func WithMinInterval(runs store.RunLog, d time.Duration) Middleware {
	return withMinInterval(runs, d, time.Now)
}

func withMinInterval(runs store.RunLog, d time.Duration, now func() time.Time) Middleware {
	return func(s Stage) Stage {
		name := s.Name()
		return &wrapped{inner: s, canRun: func(ctx context.Context) (Gate, error) {
			if d > 0 {
				last, ok, err := runs.LastStarted(ctx, name)
				if err != nil {
					return Gate{}, fmt.Errorf("read run log: %w", err)
				}
				if ok {
					if now().Before(last.Add(d)) {
						return Closed(CodeCooldown, fmt.Sprintf("last run %s ago, cooldown %s", now().Sub(last).Round(time.Second), d)), nil
					}
				}
			}
			return s.CanRun(ctx)
		}, run: func(ctx context.Context) Result {
			if err := runs.RecordStart(ctx, name, now().UTC()); err != nil {
				return Failed("record run start", err)
			}
			res := s.Run(ctx)
			if err := runs.RecordFinish(ctx, name, now().UTC(), res.Code); err != nil {
				logger.Stage(name).Warn("run_log_finish_error", "err", err)
			}
			return res
		}}
	}
}
