package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"transit-graph/internal/logger"
)

// 文档注释：阶段注册表
// 背景：在 main 中显式构造并注入，测试各自新建互不干扰。
// 约束：注册顺序即规范顺序，门控跳过时按该顺序继续。
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string
}

func NewRegistry() *Registry { return &Registry{stages: make(map[string]Stage)} }

// Register：同名重复注册返回错误
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[s.Name()]; ok {
		return fmt.Errorf("stage %q already registered", s.Name())
	}
	r.stages[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// After：注册顺序中 name 之后的阶段；name 为最后一个或未注册时返回空串
func (r *Registry) After(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.order {
		if n == name && i+1 < len(r.order) {
			return r.order[i+1]
		}
	}
	return ""
}

func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names：按名称排序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stages))
	for n := range r.stages {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Runner：按 NextWorker 串联执行
type Runner struct {
	reg      *Registry
	maxSteps int
}

func NewRunner(reg *Registry) *Runner { return &Runner{reg: reg, maxSteps: 16} }

// Run：执行单个阶段
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	s, ok := r.reg.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("unknown stage %q", name)
	}
	return Execute(ctx, s), nil
}

// 文档注释：从 start 开始沿 NextWorker 执行
// 背景：上游无变化或处于冷却时，下游阶段可能仍有未完成的工作（如上一轮组装失败），需要每轮都给它们机会。
// 约束：成功时跟随 NextWorker；门控跳过时按注册顺序进入下一阶段，由其门控决定是否执行；
// 遇到失败或链尾即停止；步数上限防止提示成环。
func (r *Runner) RunChain(ctx context.Context, start string) ([]Result, error) {
	var out []Result
	name := start
	for step := 0; name != ""; step++ {
		if step >= r.maxSteps {
			return out, fmt.Errorf("chain exceeded %d steps at %q", r.maxSteps, name)
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := r.Run(ctx, name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		switch {
		case res.Success:
			name = res.NextWorker
		case res.Skipped():
			name = r.reg.After(name)
		default:
			name = ""
		}
	}
	logger.L().Debug("chain_done", "start", start, "steps", len(out))
	return out, nil
}
