// 包 pipeline：阶段契约、结果码、中间件、注册表与链式执行
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"transit-graph/internal/logger"
)

// 结果码
const (
	CodeSuccess   = "SUCCESS"
	CodeNoChange  = "NO_CHANGE"
	CodeCannotRun = "CANNOT_RUN"
	CodeNoDataset = "NO_DATASET"
	CodeCooldown  = "COOLDOWN"
	CodeFailed    = "FAILED"
)

// 阶段名，同时用作 NextWorker 提示
const (
	StageDatasetSync           = "dataset-sync"
	StageConnectivitySynthesis = "connectivity-synthesis"
	StageGraphAssembly         = "graph-assembly"
)

// Gate：CanRun 的判定；OK=false 是正常跳过，不是错误
type Gate struct {
	OK     bool
	Code   string
	Reason string
}

func Open() Gate { return Gate{OK: true} }

func Closed(code, reason string) Gate { return Gate{Code: code, Reason: reason} }

// 文档注释：阶段执行结果
// 约束：阶段内部错误一律转为 Result 返回，不向调度方抛出；NextWorker 为空表示链到此结束。
type Result struct {
	Success    bool           `json:"success"`
	Code       string         `json:"code"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	NextWorker string         `json:"nextWorker,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Skipped：门控跳过（含 NO_CHANGE 以外的各类不可运行）
func (r Result) Skipped() bool {
	return r.Code == CodeCannotRun || r.Code == CodeNoDataset || r.Code == CodeCooldown
}

func Succeeded(code, msg, next string, data map[string]any) Result {
	return Result{Success: true, Code: code, Message: msg, NextWorker: next, Data: data}
}

func Failed(msg string, err error) Result {
	r := Result{Code: CodeFailed, Message: msg}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Stage：可独立调度的工作单元；所有幂等与限流判断都在 CanRun 中
type Stage interface {
	Name() string
	CanRun(ctx context.Context) (Gate, error)
	Run(ctx context.Context) Result
}

// 文档注释：执行一个阶段
// 背景：调度方只看 Result，不关心阶段内部在哪一步失败。
// 约束：门控错误与 panic 都转换为 FAILED；门控关闭时不调用 Run。
func Execute(ctx context.Context, s Stage) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Stage(s.Name()).Error("stage_panic", "panic", p, "stack", string(debug.Stack()))
			res = Failed("stage panicked", fmt.Errorf("%v", p))
		}
	}()
	gate, err := s.CanRun(ctx)
	if err != nil {
		return Failed("gate check failed", err)
	}
	if !gate.OK {
		code := gate.Code
		if code == "" {
			code = CodeCannotRun
		}
		return Result{Code: code, Message: gate.Reason}
	}
	return s.Run(ctx)
}
