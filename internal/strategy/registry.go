package strategy

import (
	"sort"
	"strings"
	"sync"

	xerrors "VaultPilot/internal/errors"
)

// Registry 在启动阶段收集策略处理器，运行期只读。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建注册表并注册给定处理器。
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		_ = r.Register(h)
	}
	return r
}

// Register 注册处理器；重复注册同一类型会返回冲突错误。
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理器不能为空")
	}
	key := normalize(h.Type())
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略类型不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "策略 %s 已注册", key)
	}
	r.handlers[key] = h
	return nil
}

// Resolve 返回策略类型对应的处理器。
func (r *Registry) Resolve(strategyType string) (Handler, error) {
	if r != nil {
		r.mu.RLock()
		h, ok := r.handlers[normalize(strategyType)]
		r.mu.RUnlock()
		if ok {
			return h, nil
		}
	}
	return nil, xerrors.New(CodeUnsupportedStrategy, "未注册的策略类型: "+strategyType)
}

// Has 判断策略类型是否已注册。
func (r *Registry) Has(strategyType string) bool {
	_, err := r.Resolve(strategyType)
	return err == nil
}

// Types 返回已注册的策略类型，按字母排序。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
