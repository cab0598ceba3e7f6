package recurring

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/wallet"
	"VaultPilot/pkg/logger"
)

// RecoverStaleClaims 处理认领超过 olderThan 仍未记账的周期，并结算执行已结束的 pending 周期。
// 执行已结束的按结果记账；执行不存在的记为失败；执行仍未结束的记为 pending 并计一次失败，
// 待执行进入终态后由后续回收结算。确认超时的执行留给对账结算。返回处理的周期数。
func (s *Scheduler) RecoverStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	stale, err := s.store.InFlight(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, o := range stale {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		var attempt *Attempt
		e, err := s.executor.Get(ctx, o.CurrentExecutionID)
		switch {
		case err == nil && e.Status.Terminal():
			attempt = s.attemptFor(ctx, o, e)
		case err == nil:
			attempt = s.failedAttempt(o, execution.CodeInterrupted)
			attempt.Status = AttemptPending
			attempt.TransactionRef = e.TransactionRef
		case xerrors.HasCode(err, execution.CodeNotFound):
			attempt = s.failedAttempt(o, execution.CodeInterrupted)
		default:
			s.log.Warn("查询遗弃周期的执行失败", slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		if _, err := s.record(ctx, o, now, attempt); err != nil {
			s.log.Error("遗弃周期记账失败", slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		recovered++
		s.log.Warn("已回收遗弃的定投认领",
			slog.String("order_id", o.ID),
			slog.String("execution_id", attempt.ExecutionID),
			slog.String("attempt_status", string(attempt.Status)),
		)
	}

	settled, err := s.settleFinished(ctx)
	return recovered + settled, err
}

// settleFinished 结算执行已进入终态的 pending 周期。
func (s *Scheduler) settleFinished(ctx context.Context) (int, error) {
	pending, err := s.store.PendingAttempts(ctx, maxListLimit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, a := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		e, err := s.executor.Get(ctx, a.ExecutionID)
		if err != nil {
			s.log.Warn("查询 pending 周期的执行失败", slog.String("execution_id", a.ExecutionID), slog.Any("error", err))
			continue
		}
		if !e.Status.Terminal() || e.ErrorCode() == wallet.CodeConfirmationTimeout {
			continue
		}
		outcome := settlement{landed: e.Status == execution.StatusSuccess, code: e.ErrorCode(), execution: e}
		if _, err := s.settle(ctx, a.ExecutionID, outcome); err != nil {
			if !stdErrors.Is(err, ErrAttemptSettled) {
				s.log.Error("结算 pending 周期失败", slog.String("execution_id", a.ExecutionID), slog.Any("error", err))
			}
			continue
		}
		settled++
	}
	return settled, nil
}

// settlement 是 pending 周期的最终结论。execution 非空时以其结果更新成交数据。
type settlement struct {
	landed    bool
	code      xerrors.Code
	execution *execution.Execution
}

// SettleAttempt 以对账结论结算 pending 周期，每条记录只能结算一次。
// 上链成功补记成交并退回一次失败计数；回滚则退回预扣的委托额度。订单不会因此自动恢复。
func (s *Scheduler) SettleAttempt(ctx context.Context, executionID string, landed bool) (*Attempt, error) {
	return s.settle(ctx, executionID, settlement{landed: landed, code: wallet.CodeTransactionReverted})
}

func (s *Scheduler) settle(ctx context.Context, executionID string, outcome settlement) (*Attempt, error) {
	current, err := s.store.GetAttemptByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if current.Status != AttemptPending {
		return nil, ErrAttemptSettled
	}
	now := s.now()
	settled := *current
	settled.SettledAt = &now
	if e := outcome.execution; e != nil {
		if e.TransactionRef != "" {
			settled.TransactionRef = e.TransactionRef
		}
		if e.ActualFee != nil {
			settled.GasCost = *e.ActualFee
		}
		fillFromResult(&settled, e.Result)
		settled.reprice()
	}
	if outcome.landed {
		settled.Status = AttemptSuccess
		settled.ErrorCode = ""
	} else {
		settled.Status = AttemptFailed
		settled.ErrorCode = outcome.code
	}
	if err := s.store.SettleAttempt(ctx, &settled); err != nil {
		return nil, err
	}

	o, err := s.mutate(ctx, settled.OrderID, func(o *Order) error {
		if outcome.landed {
			o.ExecutionCount++
			o.TotalInput = o.TotalInput.Add(settled.AmountIn)
			o.TotalOutput = o.TotalOutput.Add(settled.AmountOut)
			if o.FailedAttemptCount > 0 {
				o.FailedAttemptCount--
			}
			return nil
		}
		if o.DelegationAmountRemaining != nil {
			refunded := o.DelegationAmountRemaining.Add(current.AmountIn)
			o.DelegationAmountRemaining = &refunded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveSchedulerCycle("settled_" + string(settled.Status))
	logger.Audit().Info("定投周期已结算",
		slog.String("order_id", o.ID),
		slog.String("execution_id", executionID),
		slog.String("attempt_status", string(settled.Status)),
	)
	return &settled, nil
}

// OnReconciled 可注册为 execution.Coordinator 的对账监听器。
func (s *Scheduler) OnReconciled(ctx context.Context, r *execution.Reconciliation) {
	if r == nil || r.OrderID == "" || !r.Settled() {
		return
	}
	_, err := s.SettleAttempt(ctx, r.ExecutionID, r.Outcome == execution.OutcomeLanded)
	switch {
	case err == nil:
	case stdErrors.Is(err, ErrAttemptNotFound), stdErrors.Is(err, ErrAttemptSettled):
		s.log.Debug("对账结论无需结算", slog.String("execution_id", r.ExecutionID), slog.Any("error", err))
	default:
		s.log.Error("结算定投周期失败", slog.String("execution_id", r.ExecutionID), slog.Any("error", err))
	}
}
