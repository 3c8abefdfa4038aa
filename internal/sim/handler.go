package sim

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"ChainSim/internal/agent"
	xerrors "ChainSim/internal/errors"
)

// Handler 执行一个已选中的动作。返回 false 或错误都视为一次失败尝试。
type Handler interface {
	Execute(ctx context.Context, ec *ExecutionContext, params agent.Params) (bool, error)
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, ec *ExecutionContext, params agent.Params) (bool, error)

func (f HandlerFunc) Execute(ctx context.Context, ec *ExecutionContext, params agent.Params) (bool, error) {
	return f(ctx, ec, params)
}

// invoke 调用处理器，并把处理器内的 panic 转换为 RUN_PANIC 错误。
func invoke(ctx context.Context, h Handler, ec *ExecutionContext, params agent.Params) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = xerrors.New(CodeRunPanic, fmt.Sprintf("动作处理器 panic: %v", r),
				xerrors.WithMetadata("agent_id", ec.Agent().ID()),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return h.Execute(ctx, ec, params)
}

// Registry 按动作名保存处理器，动作名形如 "<contract>_<Action>"。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建空的处理器注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register 登记处理器，同名重复登记返回错误。
func (r *Registry) Register(action string, h Handler) error {
	if action == "" || h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作名与处理器不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[action]; exists {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s 已登记处理器", action))
	}
	r.handlers[action] = h
	return nil
}

// Lookup 查找动作处理器。
func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Actions 返回已登记的动作名，按字典序。
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
