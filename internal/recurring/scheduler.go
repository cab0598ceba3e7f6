package recurring

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/observability/alerting"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
	"VaultPilot/pkg/logger"
)

const (
	maxUpdateAttempts = 8
	dueBatchSize      = 100
	defaultStrategy   = "swap"
)

var (
	errNotDue     = stdErrors.New("order not due")
	errStaleCycle = stdErrors.New("cycle already booked")
)

var cycleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("vaultpilot/recurring-cycle"))

// Executor 是调度器依赖的执行能力，由 execution.Coordinator 实现。
type Executor interface {
	Start(ctx context.Context, req execution.StartRequest) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*execution.Execution, error)
	Plan(ctx context.Context, id string) (*strategy.Plan, error)
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFailureThreshold 设置连续失败多少次后自动暂停。
func WithFailureThreshold(threshold int) Option {
	return func(s *Scheduler) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithConcurrency 限制一次 tick 中并行执行的订单数。
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithCycleTimeout 限定等待单个周期执行结束的时间。
func WithCycleTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.cycleTimeout = timeout
		}
	}
}

// WithPollInterval 设置轮询执行状态的间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.poll = interval
		}
	}
}

// WithStaleClaimAge 设置认领多久未结束视为遗弃。
func WithStaleClaimAge(age time.Duration) Option {
	return func(s *Scheduler) {
		if age > 0 {
			s.staleAge = age
		}
	}
}

// WithStrategies 在创建订单时校验策略类型。
func WithStrategies(registry *strategy.Registry) Option {
	return func(s *Scheduler) {
		s.strategies = registry
	}
}

// WithLockFile 指定调度器主节点文件锁路径，为空时不加锁。
func WithLockFile(path string) Option {
	return func(s *Scheduler) {
		s.lockPath = path
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerter = dispatcher
	}
}

// Scheduler 按周期驱动定投订单。它是订单的唯一写入者，每个周期委托给执行协调器完成。
type Scheduler struct {
	store      Store
	executor   Executor
	strategies *strategy.Registry

	clock        func() time.Time
	threshold    int
	concurrency  int
	cycleTimeout time.Duration
	poll         time.Duration
	staleAge     time.Duration
	lockPath     string
	alerter      alerting.Dispatcher
	log          *slog.Logger
}

// NewScheduler 构造定投调度器。
func NewScheduler(store Store, executor Executor, opts ...Option) (*Scheduler, error) {
	if store == nil || executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "定投调度器缺少存储或执行器")
	}
	s := &Scheduler{
		store:        store,
		executor:     executor,
		clock:        time.Now,
		threshold:    5,
		concurrency:  4,
		cycleTimeout: 5 * time.Minute,
		poll:         500 * time.Millisecond,
		staleAge:     15 * time.Minute,
		log:          logger.Named("recurring"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Scheduler) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// CreateOrderRequest 描述一条新的定投指令。
type CreateOrderRequest struct {
	Owner               string
	Address             string
	StrategyType        string
	SourceAsset         string
	DestinationAsset    string
	AmountPerCycle      decimal.Decimal
	Frequency           Frequency
	StartAt             time.Time
	EndAt               *time.Time
	DelegationAmount    *decimal.Decimal
	DelegationExpiresAt *time.Time
	Params              map[string]any
}

// CreateOrder 校验并创建订单。首个周期在 StartAt 之后一个周期。
func (s *Scheduler) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, xerrors.New(execution.CodeValidationFailed, "订单必须指定所有者")
	}
	if !common.IsHexAddress(req.Address) {
		return nil, xerrors.Newf(execution.CodeValidationFailed, "无效的委托签名地址: %s", req.Address)
	}
	if !req.AmountPerCycle.IsPositive() {
		return nil, xerrors.New(execution.CodeValidationFailed, "每期金额必须大于 0")
	}
	if !req.Frequency.Valid() {
		return nil, xerrors.Newf(execution.CodeValidationFailed, "不支持的定投周期: %s", req.Frequency)
	}
	if strings.TrimSpace(req.SourceAsset) == "" || strings.TrimSpace(req.DestinationAsset) == "" {
		return nil, xerrors.New(execution.CodeValidationFailed, "必须指定源资产与目标资产")
	}
	strategyType := strings.TrimSpace(req.StrategyType)
	if strategyType == "" {
		strategyType = defaultStrategy
	}
	if s.strategies != nil && !s.strategies.Has(strategyType) {
		return nil, xerrors.Newf(execution.CodeValidationFailed, "未知的策略类型: %s", strategyType)
	}
	if req.DelegationAmount != nil && req.DelegationAmount.IsNegative() {
		return nil, xerrors.New(execution.CodeValidationFailed, "委托额度不能为负")
	}

	now := s.now()
	startAt := req.StartAt.UTC()
	if startAt.IsZero() {
		startAt = now
	}
	next := req.Frequency.Next(startAt)
	if req.EndAt != nil && next.After(*req.EndAt) {
		return nil, xerrors.New(execution.CodeValidationFailed, "结束时间早于第一个周期")
	}

	id := uuid.NewString()
	o := &Order{
		ID:    id,
		Owner: owner,
		Authority: strategy.SigningAuthority{
			Kind:         strategy.AuthorityDelegated,
			Address:      common.HexToAddress(req.Address).Hex(),
			DelegationID: id,
		},
		StrategyType:        strategyType,
		SourceAsset:         strings.TrimSpace(req.SourceAsset),
		DestinationAsset:    strings.TrimSpace(req.DestinationAsset),
		AmountPerCycle:      req.AmountPerCycle,
		Params:              req.Params,
		Frequency:           req.Frequency,
		Status:              StatusActive,
		StartAt:             startAt,
		EndAt:               cloneTime(req.EndAt),
		NextExecutionAt:     &next,
		DelegationExpiresAt: cloneTime(req.DelegationExpiresAt),
		TotalInput:          decimal.Zero,
		TotalOutput:         decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.DelegationAmount != nil {
		amount := *req.DelegationAmount
		o.DelegationAmountRemaining = &amount
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	logger.Audit().Info("定投订单已创建",
		slog.String("order_id", o.ID),
		slog.String("owner", o.Owner),
		slog.String("frequency", string(o.Frequency)),
		slog.String("amount_per_cycle", o.AmountPerCycle.String()),
		slog.Time("next_execution_at", next),
	)
	return o.Clone(), nil
}

// Get 返回订单。
func (s *Scheduler) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List 返回符合条件的订单。
func (s *Scheduler) List(ctx context.Context, opts ...ListOption) ([]*Order, error) {
	return s.store.List(ctx, buildListOptions(opts))
}

// Attempts 返回订单的全部周期记录。
func (s *Scheduler) Attempts(ctx context.Context, id string) ([]*Attempt, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}

// Tick 处理 now 时所有到期订单。单个订单的失败不影响其它订单，返回实际执行的周期数。
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC().Truncate(time.Millisecond)
	due, err := s.store.Due(ctx, now, dueBatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	results := make(chan bool, len(due))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, o := range due {
		g.Go(func() error {
			attempt, err := s.runCycle(ctx, o, now, false)
			switch {
			case stdErrors.Is(err, errNotDue):
			case err != nil:
				s.log.Warn("定投周期未完成",
					slog.String("order_id", o.ID),
					slog.String("code", string(xerrors.CodeOf(err))),
					slog.Any("error", err),
				)
			}
			results <- attempt != nil
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	ran := 0
	for ok := range results {
		if ok {
			ran++
		}
	}
	return ran, nil
}

// Trigger 立即执行一个手动周期，遵循与定时周期相同的认领规则。
func (s *Scheduler) Trigger(ctx context.Context, id string) (*Attempt, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runCycle(ctx, o, s.now(), true)
}

// Run 周期性执行 Tick 并回收遗弃的认领，阻塞直到 ctx 结束。
// 配置了锁文件时只有持有锁的进程会调度。
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	release, err := s.acquireLeadership(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RecoverStaleClaims(ctx, s.staleAge); err != nil && ctx.Err() == nil {
			s.log.Error("回收遗弃认领失败", slog.Any("error", err))
		}
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.Error("定投调度失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle 认领、校验委托、执行并记账一个周期。
func (s *Scheduler) runCycle(ctx context.Context, o *Order, now time.Time, manual bool) (*Attempt, error) {
	claimed, err := s.claim(ctx, o.ID, now, manual)
	if err != nil {
		return nil, err
	}

	if reason := claimed.delegationProblem(now); reason != "" {
		return nil, s.pauseForDelegation(ctx, claimed, reason)
	}

	started, err := s.executor.Start(ctx, execution.StartRequest{
		ID:           claimed.CurrentExecutionID,
		Owner:        claimed.Owner,
		StrategyType: claimed.StrategyType,
		Input:        cycleInput(claimed),
		Authority:    claimed.Authority,
		OrderID:      claimed.ID,
	})
	if err != nil {
		s.log.Warn("定投周期启动执行失败", slog.String("order_id", claimed.ID), slog.Any("error", err))
		return s.record(ctx, claimed, now, s.failedAttempt(claimed, xerrors.CodeOf(err)))
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	final, err := s.executor.WaitUntilTerminal(waitCtx, started.ID, s.poll)
	cancel()
	if err != nil {
		// 执行仍在进行，保留认领，由遗弃认领回收负责记账。
		return nil, err
	}
	return s.record(ctx, claimed, now, s.attemptFor(ctx, claimed, final))
}

// claim 以比较并交换认领周期：清空下次执行时间并标记进行中。
func (s *Scheduler) claim(ctx context.Context, id string, now time.Time, manual bool) (*Order, error) {
	return s.mutate(ctx, id, func(o *Order) error {
		if manual {
			if o.Status != StatusActive {
				return xerrors.Newf(CodeOrderStateConflict, "订单 %s 当前状态 %s 不能执行", o.ID, o.Status)
			}
			if o.InFlight {
				return xerrors.Newf(CodeOrderStateConflict, "订单 %s 已有进行中的周期", o.ID)
			}
		} else if !o.Due(now) {
			return errNotDue
		}
		claimedAt := now
		o.CurrentExecutionID = uuid.NewSHA1(cycleNamespace, []byte(fmt.Sprintf("%s|%d", o.ID, o.Version))).String()
		o.InFlight = true
		o.ClaimedAt = &claimedAt
		o.NextExecutionAt = nil
		return nil
	})
}

func (s *Scheduler) pauseForDelegation(ctx context.Context, claimed *Order, reason string) error {
	_, err := s.mutate(ctx, claimed.ID, func(o *Order) error {
		if !o.InFlight || o.CurrentExecutionID != claimed.CurrentExecutionID {
			return errStaleCycle
		}
		o.release()
		if o.Status == StatusActive {
			o.pause(reason)
		}
		return nil
	})
	if err != nil && !stdErrors.Is(err, errStaleCycle) {
		return err
	}
	metrics.ObserveSchedulerCycle("paused")
	logger.Audit().Warn("定投订单因委托不可用暂停",
		slog.String("order_id", claimed.ID),
		slog.String("reason", reason),
	)
	cause := xerrors.Newf(wallet.CodeDelegationInvalid, "订单 %s 的委托不可用: %s", claimed.ID, reason)
	event := alerting.EventFromError(wallet.CodeDelegationInvalid, cause)
	event.OrderID = claimed.ID
	event.Metadata = map[string]string{"pause_reason": reason}
	alerting.Emit(ctx, s.alerter, event)
	return cause
}

// attemptFor 根据执行终态生成周期记录。确认超时的结果未知，记为 pending。
func (s *Scheduler) attemptFor(ctx context.Context, claimed *Order, e *execution.Execution) *Attempt {
	a := &Attempt{
		ID:             claimed.CurrentExecutionID,
		OrderID:        claimed.ID,
		ExecutionID:    claimed.CurrentExecutionID,
		ExecutedAt:     s.now(),
		AmountIn:       claimed.AmountPerCycle,
		TransactionRef: e.TransactionRef,
		RetryCount:     claimed.FailedAttemptCount,
	}
	if e.ActualFee != nil {
		a.GasCost = *e.ActualFee
	}
	switch {
	case e.Status == execution.StatusSuccess:
		a.Status = AttemptSuccess
		fillFromResult(a, e.Result)
	case e.ErrorCode() == wallet.CodeConfirmationTimeout:
		a.Status = AttemptPending
		a.ErrorCode = wallet.CodeConfirmationTimeout
		if plan, err := s.executor.Plan(ctx, e.ID); err == nil && plan != nil {
			a.AmountIn = plan.InputAmount
			a.AmountOut = plan.ExpectedOutput
			a.SlippageBps = plan.SlippageBps
			a.RouteRef = plan.Route
		}
	default:
		a.Status = AttemptFailed
		a.ErrorCode = e.ErrorCode()
	}
	a.reprice()
	return a
}

// fillFromResult 用执行结果填充成交数据，实际成交优先于报价预期。
func fillFromResult(a *Attempt, result map[string]any) {
	if len(result) == 0 {
		return
	}
	if in, ok := resultDecimal(result, "input_amount"); ok {
		a.AmountIn = in
	}
	if out, ok := resultDecimal(result, "output_amount"); ok {
		a.AmountOut = out
		a.SlippageBps = resultInt(result, "realized_slippage_bps")
	} else {
		a.AmountOut, _ = resultDecimal(result, "expected_output")
		a.SlippageBps = resultInt(result, "slippage_bps")
	}
	if route, ok := result["route"].(string); ok {
		a.RouteRef = route
	}
}

func (s *Scheduler) failedAttempt(claimed *Order, code xerrors.Code) *Attempt {
	return &Attempt{
		ID:          claimed.CurrentExecutionID,
		OrderID:     claimed.ID,
		ExecutionID: claimed.CurrentExecutionID,
		ExecutedAt:  s.now(),
		AmountIn:    claimed.AmountPerCycle,
		Status:      AttemptFailed,
		ErrorCode:   code,
		RetryCount:  claimed.FailedAttemptCount,
	}
}

// record 追加周期记录并更新订单账目。周期记录以执行 ID 为主键，重复记账只生效一次。
func (s *Scheduler) record(ctx context.Context, claimed *Order, now time.Time, a *Attempt) (*Attempt, error) {
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendAttempt(persistCtx, a); err != nil && !xerrors.HasCode(err, xerrors.CodeConflict) {
		return nil, err
	}
	updated, err := s.mutate(persistCtx, claimed.ID, func(o *Order) error {
		if !o.InFlight || o.CurrentExecutionID != a.ExecutionID {
			return errStaleCycle
		}
		o.release()
		s.apply(o, a, now)
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, errStaleCycle) {
			s.log.Debug("周期已记账", slog.String("order_id", claimed.ID), slog.String("execution_id", a.ExecutionID))
			return a, nil
		}
		return nil, err
	}

	metrics.ObserveSchedulerCycle(string(a.Status))
	attrs := []any{
		slog.String("order_id", updated.ID),
		slog.String("execution_id", a.ExecutionID),
		slog.String("attempt_status", string(a.Status)),
		slog.String("order_status", string(updated.Status)),
		slog.Int("failed_attempt_count", updated.FailedAttemptCount),
	}
	if a.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", string(a.ErrorCode)))
	}
	logger.Audit().Info("定投周期已记账", attrs...)

	if updated.Status == StatusPaused && updated.PauseReason == PauseMaxFailuresExceeded && claimed.Status == StatusActive {
		cause := xerrors.Newf(CodeMaxFailuresExceeded, "订单 %s 连续失败 %d 次，已自动暂停", updated.ID, updated.FailedAttemptCount)
		event := alerting.EventFromError(CodeMaxFailuresExceeded, cause)
		event.OrderID = updated.ID
		event.ExecutionID = a.ExecutionID
		alerting.Emit(ctx, s.alerter, event)
	}
	return a, nil
}

// apply 把周期结果计入订单。pending 视为失败并预扣额度，结算时再修正。
func (s *Scheduler) apply(o *Order, a *Attempt, now time.Time) {
	switch a.Status {
	case AttemptSuccess:
		o.ExecutionCount++
		o.FailedAttemptCount = 0
		o.TotalInput = o.TotalInput.Add(a.AmountIn)
		o.TotalOutput = o.TotalOutput.Add(a.AmountOut)
		o.debit(a.AmountIn)
	case AttemptPending:
		o.FailedAttemptCount++
		o.debit(a.AmountIn)
	default:
		o.FailedAttemptCount++
	}
	if o.Status == StatusActive && o.FailedAttemptCount >= s.threshold {
		o.pause(PauseMaxFailuresExceeded)
		return
	}
	o.schedule(now)
}

// mutate 读取订单、应用 fn 并以比较并交换写回，版本冲突时重读重试。
func (s *Scheduler) mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now()
		err = s.store.Update(ctx, next)
		if err == nil {
			return next, nil
		}
		if !stdErrors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}

func cycleInput(o *Order) strategy.Input {
	input := make(strategy.Input, len(o.Params)+3)
	for k, v := range o.Params {
		input[k] = v
	}
	input["amount"] = o.AmountPerCycle.String()
	input["from"] = o.SourceAsset
	input["to"] = o.DestinationAsset
	return input
}

func resultDecimal(result map[string]any, key string) (decimal.Decimal, bool) {
	switch v := result[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case decimal.Decimal:
		return v, true
	}
	return decimal.Zero, false
}

func resultInt(result map[string]any, key string) int {
	switch v := result[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
