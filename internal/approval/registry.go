package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/pkg/logger"
)

// Subscriber 在审批被成功答复或被清扫为过期后收到通知。
type Subscriber func(ctx context.Context, a *Approval)

// CreateRequest 描述一次审批请求。
type CreateRequest struct {
	ExecutionID string
	Owner       string
	Message     string
	Details     map[string]any
	Fee         decimal.Decimal
	Risk        RiskLevel
}

// Option 配置 Registry。
type Option func(*Registry)

// WithClock 注入时钟，测试中用于模拟过期。
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithTTL 覆盖审批有效期。
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// Registry 是审批的唯一入口，负责时间、编号与通知。
type Registry struct {
	store Store
	clock func() time.Time
	ttl   time.Duration

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewRegistry 创建审批注册表。
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		clock: time.Now,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL 返回当前配置的有效期。
func (r *Registry) TTL() time.Duration { return r.ttl }

// Subscribe 注册答复通知回调。
func (r *Registry) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Millisecond)
}

// Create 创建一条待答复的审批，有效期自创建时刻起计算。
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Approval, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批存储未初始化")
	}
	if strings.TrimSpace(req.ExecutionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批必须关联执行编号")
	}
	risk := req.Risk
	if risk == "" {
		risk = RiskLow
	}
	now := r.now()
	a := &Approval{
		ID:           uuid.NewString(),
		ExecutionID:  req.ExecutionID,
		Owner:        req.Owner,
		Message:      req.Message,
		Details:      req.Details,
		EstimatedFee: req.Fee,
		RiskLevel:    risk,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
	}
	a = a.Clone()
	if err := r.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	a.State = StatusPending
	logger.Audit().Info("创建审批请求",
		slog.String("approval_id", a.ID),
		slog.String("execution_id", a.ExecutionID),
		slog.String("risk_level", string(a.RiskLevel)),
		slog.String("estimated_fee", a.EstimatedFee.String()),
		slog.Time("expires_at", a.ExpiresAt),
	)
	return a, nil
}

// Get 返回审批，State 字段按当前时间计算。
func (r *Registry) Get(ctx context.Context, id string) (*Approval, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批存储未初始化")
	}
	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.State = a.StatusAt(r.now())
	return a, nil
}

// Resolve 记录用户的答复。同一审批只有第一次答复生效。
func (r *Registry) Resolve(ctx context.Context, id string, approved bool, signature string) (*Approval, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批存储未初始化")
	}
	now := r.now()
	a, err := r.store.Resolve(ctx, id, Response{Approved: approved, Signature: signature, Timestamp: now}, now)
	if err != nil {
		logger.L().Info("审批答复被拒绝",
			slog.String("approval_id", id),
			slog.String("code", string(xerrors.CodeOf(err))),
		)
		return nil, err
	}
	a.State = a.StatusAt(now)
	metrics.ObserveApproval(string(a.State))
	logger.Audit().Info("审批已答复",
		slog.String("approval_id", a.ID),
		slog.String("execution_id", a.ExecutionID),
		slog.Bool("approved", approved),
	)
	r.notify(ctx, a)
	return a, nil
}

// Consume 把已通过的审批标记为已用于签名。第二次调用返回 ErrAlreadyConsumed。
func (r *Registry) Consume(ctx context.Context, id string) (*Approval, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批存储未初始化")
	}
	now := r.now()
	a, err := r.store.Consume(ctx, id, now)
	if err != nil {
		if xerrors.HasCode(err, CodeAlreadyConsumed) {
			logger.Audit().Error("审批被重复消费", slog.String("approval_id", id))
		}
		return nil, err
	}
	a.State = a.StatusAt(now)
	logger.Audit().Info("审批已消费",
		slog.String("approval_id", a.ID),
		slog.String("execution_id", a.ExecutionID),
	)
	return a, nil
}

// SweepExpired 认领所有已过期且未答复的审批并通知订阅者。每条审批只会被返回一次。
func (r *Registry) SweepExpired(ctx context.Context) ([]*Approval, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批存储未初始化")
	}
	now := r.now()
	expired, err := r.store.ClaimExpired(ctx, now, 100)
	for _, a := range expired {
		a.State = StatusExpired
		metrics.ObserveApproval(string(StatusExpired))
		logger.Audit().Info("审批已过期",
			slog.String("approval_id", a.ID),
			slog.String("execution_id", a.ExecutionID),
		)
		r.notify(ctx, a)
	}
	return expired, err
}

// Run 按 interval 周期性清扫过期审批，直到 ctx 结束。
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx); err != nil {
				logger.L().Warn("清扫过期审批失败", slog.Any("error", err))
			}
		}
	}
}

// Close 关闭底层存储。
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Registry) notify(ctx context.Context, a *Approval) {
	r.mu.RLock()
	subs := append([]Subscriber(nil), r.subscribers...)
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(ctx, a.Clone())
	}
}
