package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/observability/alerting"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/queue"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
	"VaultPilot/pkg/logger"
)

// Wallet 是协调器依赖的交易能力，由 wallet.Executor 实现。
type Wallet interface {
	BuildTransaction(ctx context.Context, plan *strategy.Plan, authority strategy.SigningAuthority) (*wallet.UnsignedTx, error)
	SimulateTransaction(ctx context.Context, tx *wallet.UnsignedTx) (*wallet.SimResult, error)
	DeriveRiskLevel(fee decimal.Decimal, plan *strategy.Plan) approval.RiskLevel
	CreateApprovalRequest(ctx context.Context, req wallet.ApprovalRequest) (*approval.Approval, error)
	Send(ctx context.Context, tx *wallet.UnsignedTx, opts wallet.SignOptions) (*wallet.SendResult, error)
	AwaitConfirmation(ctx context.Context, networkName, hash string) (*wallet.SendResult, error)
	CheckStatus(ctx context.Context, networkName, hash string) (*wallet.TxStatus, error)
}

// StartRequest 描述一次执行请求。ID 非空时作为幂等键，重复提交返回已有执行。
type StartRequest struct {
	ID           string
	Owner        string
	StrategyType string
	Input        strategy.Input
	Authority    strategy.SigningAuthority
	OrderID      string
}

// ReconcileListener 在对账得出定论后收到通知。
type ReconcileListener func(ctx context.Context, r *Reconciliation)

// Option 定义可选配置。
type Option func(*Coordinator)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithStageTimeout 限定报价与构建模拟阶段的耗时。
func WithStageTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.stageTimeout = timeout
		}
	}
}

// WithReconcileWindow 设置对账回看的时间窗口。
func WithReconcileWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.reconcileWindow = window
		}
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerter = dispatcher
	}
}

// Coordinator 是唯一允许推进执行状态的组件。每个执行由队列中的一条消息驱动，
// 在审批处暂停，审批答复或过期后再次入队续跑。
type Coordinator struct {
	store      Store
	queue      queue.Queue
	strategies *strategy.Registry
	wallet     Wallet
	approvals  *approval.Registry

	workers         int
	stageTimeout    time.Duration
	reconcileWindow time.Duration
	clock           func() time.Time
	alerter         alerting.Dispatcher
	log             *slog.Logger

	mu        sync.Mutex
	locks     map[string]*executionLock
	running   map[string]context.CancelFunc
	listeners []ReconcileListener
}

type executionLock struct {
	mu   sync.Mutex
	refs int
}

// NewCoordinator 构造执行协调器，并订阅审批答复通知。
func NewCoordinator(store Store, q queue.Queue, strategies *strategy.Registry, w Wallet, approvals *approval.Registry, opts ...Option) (*Coordinator, error) {
	if store == nil || q == nil || strategies == nil || w == nil || approvals == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行协调器缺少必要依赖")
	}
	c := &Coordinator{
		store:           store,
		queue:           q,
		strategies:      strategies,
		wallet:          w,
		approvals:       approvals,
		workers:         4,
		stageTimeout:    30 * time.Second,
		reconcileWindow: 24 * time.Hour,
		clock:           time.Now,
		log:             logger.Named("execution"),
		locks:           make(map[string]*executionLock),
		running:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	approvals.Subscribe(func(ctx context.Context, a *approval.Approval) {
		if err := c.OnApprovalResolved(ctx, a); err != nil {
			c.log.Error("审批通知入队失败",
				slog.String("approval_id", a.ID),
				slog.String("execution_id", a.ExecutionID),
				slog.Any("error", err),
			)
		}
	})
	return c, nil
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC().Truncate(time.Millisecond)
}

// OnReconciled 注册对账结果监听器。
func (c *Coordinator) OnReconciled(fn ReconcileListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Start 校验请求、创建 PENDING 执行并投递到队列。
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if len(req.Input) == 0 {
		return nil, xerrors.New(CodeValidationFailed, "执行输入不能为空")
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, xerrors.New(CodeValidationFailed, "执行必须指定所有者")
	}
	handler, err := c.strategies.Resolve(req.StrategyType)
	if err != nil {
		return nil, xerrors.Wrap(CodeValidationFailed, err, "未知的策略类型: "+req.StrategyType)
	}
	if err := req.Authority.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeValidationFailed, err, xerrors.MessageOf(err))
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := c.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	now := c.now()
	e := &Execution{
		ID:           id,
		Owner:        owner,
		Authority:    req.Authority,
		StrategyType: handler.Type(),
		Input:        req.Input.Clone(),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		OrderID:      req.OrderID,
	}
	if err := c.store.Create(ctx, e); err != nil {
		if xerrors.HasCode(err, xerrors.CodeConflict) {
			if existing, getErr := c.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	metrics.ObserveExecutionTransition(string(StatusPending))
	if err := c.queue.Publish(ctx, id); err != nil {
		c.log.Error("执行入队失败", slog.Any("error", err), slog.String("execution_id", id))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布执行到队列失败")
		if _, failErr := c.step(ctx, e, func(next *Execution, now time.Time) error {
			return next.fail(xerrors.CodeQueueFailure, wrapped.Error(), now)
		}); failErr != nil {
			c.log.Error("回写入队失败状态出错", slog.Any("error", failErr), slog.String("execution_id", id))
		}
		return nil, wrapped
	}
	logger.Audit().Info("执行已创建",
		slog.String("execution_id", id),
		slog.String("owner", owner),
		slog.String("strategy", e.StrategyType),
		slog.String("authority", string(e.Authority.Kind)),
		slog.String("order_id", e.OrderID),
	)
	return e, nil
}

// Get 返回执行快照。
func (c *Coordinator) Get(ctx context.Context, id string) (*Execution, error) {
	return c.store.Get(ctx, id)
}

// Plan 返回执行报价阶段保存的方案，尚未报价时返回 nil。
func (c *Coordinator) Plan(ctx context.Context, id string) (*strategy.Plan, error) {
	draft, err := c.loadDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	return draft.Plan, nil
}

// List 返回符合过滤条件的执行列表。
func (c *Coordinator) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	return c.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的执行统计。
func (c *Coordinator) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return c.store.Stats(ctx, buildListOptions(opts))
}

// Cancel 记录取消标记。已是终态时返回 false。
// 广播前的执行会中断当前阶段或直接转入 CANCELLED；已广播的交易无法撤回，流水线继续到确认。
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := c.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if current.Status.Terminal() {
			return false, nil
		}
		next := current.Clone()
		next.CancelRequested = true
		paused := current.Status == StatusPending || current.Status == StatusApprovalRequired
		if paused {
			if err := next.transition(StatusCancelled, c.now()); err != nil {
				return false, err
			}
		} else {
			next.UpdatedAt = c.now()
		}
		if err := c.store.Update(ctx, next); err != nil {
			if stdErrors.Is(err, ErrVersionConflict) {
				continue
			}
			return false, err
		}
		logger.Audit().Info("执行取消请求",
			slog.String("execution_id", id),
			slog.String("status", string(current.Status)),
			slog.Bool("committed", current.Committed()),
		)
		if paused {
			c.observe(next)
			return true, nil
		}
		if !next.Committed() {
			c.interrupt(id)
		}
		return true, nil
	}
	return false, ErrVersionConflict
}

// WaitUntilTerminal 轮询直到执行进入终态或 ctx 结束。
func (c *Coordinator) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status.Terminal() {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return e, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待执行结束超时")
		case <-ticker.C:
		}
	}
}

// Run 启动队列消费，阻塞直到 ctx 结束。
func (c *Coordinator) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, c.workers, c.handle)
}

// OnApprovalResolved 在审批答复或过期后把暂停的执行重新入队。
func (c *Coordinator) OnApprovalResolved(ctx context.Context, a *approval.Approval) error {
	if a == nil || a.ExecutionID == "" {
		return nil
	}
	return c.queue.Publish(ctx, a.ExecutionID)
}

// SweepApprovals 清扫过期审批；订阅回调会把对应执行入队并以 APPROVAL_EXPIRED 结束。
func (c *Coordinator) SweepApprovals(ctx context.Context) (int, error) {
	expired, err := c.approvals.SweepExpired(ctx)
	return len(expired), err
}

// Close 释放队列与存储。
func (c *Coordinator) Close() error {
	var errs []error
	if err := c.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return stdErrors.Join(errs...)
}

func (c *Coordinator) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &executionLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

func (c *Coordinator) interrupt(id string) {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Coordinator) observe(e *Execution) {
	metrics.ObserveExecutionTransition(string(e.Status))
	attrs := []any{
		slog.String("execution_id", e.ID),
		slog.String("status", string(e.Status)),
		slog.Int("progress", e.Progress),
	}
	if e.OrderID != "" {
		attrs = append(attrs, slog.String("order_id", e.OrderID))
	}
	if e.Status != StatusFailed {
		logger.Audit().Info("执行状态变更", attrs...)
		return
	}
	code := e.ErrorCode()
	metrics.ObserveExecutionFailure(string(code))
	attrs = append(attrs, slog.String("error_code", string(code)), slog.String("error", e.Error.Message))
	logger.Audit().Warn("执行失败", attrs...)
	if xerrors.AttributesOf(code).Alert {
		event := alerting.EventFromError(code, nil)
		event.Message = e.Error.Message
		event.ExecutionID = e.ID
		event.OrderID = e.OrderID
		if e.TransactionRef != "" {
			event.Metadata = map[string]string{"transaction_ref": e.TransactionRef}
		}
		alerting.Emit(context.Background(), c.alerter, event)
	}
}

func (c *Coordinator) notifyReconciled(ctx context.Context, r *Reconciliation) {
	c.mu.Lock()
	listeners := append([]ReconcileListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		clone := *r
		fn(ctx, &clone)
	}
}
