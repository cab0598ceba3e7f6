package recurring

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/wallet"
	"VaultPilot/pkg/logger"
)

// Pause 手动暂停活跃订单。进行中的周期照常记账，但不会再排期。
func (s *Scheduler) Pause(ctx context.Context, id string) (*Order, error) {
	o, err := s.mutate(ctx, id, func(o *Order) error {
		if o.Status != StatusActive {
			return xerrors.Newf(CodeOrderStateConflict, "订单 %s 当前状态 %s 不能暂停", o.ID, o.Status)
		}
		o.pause(PauseManual)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("定投订单已暂停", slog.String("order_id", o.ID), slog.String("owner", o.Owner))
	return o, nil
}

// Resume 恢复暂停的订单。委托仍不可用时拒绝，连续失败计数清零，下一周期从现在起算。
func (s *Scheduler) Resume(ctx context.Context, id string) (*Order, error) {
	now := s.now()
	o, err := s.mutate(ctx, id, func(o *Order) error {
		if o.Status != StatusPaused {
			return xerrors.Newf(CodeOrderStateConflict, "订单 %s 当前状态 %s 不能恢复", o.ID, o.Status)
		}
		if reason := o.delegationProblem(now); reason != "" {
			return xerrors.Newf(wallet.CodeDelegationInvalid, "订单 %s 的委托不可用: %s", o.ID, reason)
		}
		o.Status = StatusActive
		o.PauseReason = ""
		o.FailedAttemptCount = 0
		o.schedule(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("定投订单已恢复",
		slog.String("order_id", o.ID),
		slog.String("status", string(o.Status)),
	)
	return o, nil
}

// RevokeDelegation 撤销订单的委托，活跃订单随即暂停。
func (s *Scheduler) RevokeDelegation(ctx context.Context, id string) (*Order, error) {
	o, err := s.mutate(ctx, id, func(o *Order) error {
		o.DelegationRevoked = true
		if o.Status == StatusActive {
			o.pause(PauseDelegationRevoked)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("定投委托已撤销", slog.String("order_id", o.ID), slog.String("owner", o.Owner))
	return o, nil
}

// UpdateDelegationRequest 描述委托额度或有效期的变更，nil 字段保持不变。
type UpdateDelegationRequest struct {
	Amount    *decimal.Decimal
	ExpiresAt *time.Time
}

// UpdateDelegation 补充委托额度或延长有效期，并清除撤销标记。订单状态不变，需要显式 Resume。
func (s *Scheduler) UpdateDelegation(ctx context.Context, id string, req UpdateDelegationRequest) (*Order, error) {
	if req.Amount == nil && req.ExpiresAt == nil {
		return nil, xerrors.New(execution.CodeValidationFailed, "必须指定新的委托额度或有效期")
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return nil, xerrors.New(execution.CodeValidationFailed, "委托额度不能为负")
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, xerrors.New(execution.CodeValidationFailed, "委托有效期必须晚于当前时间")
	}
	o, err := s.mutate(ctx, id, func(o *Order) error {
		if o.Status == StatusCompleted || o.Status == StatusFailed {
			return xerrors.Newf(CodeOrderStateConflict, "订单 %s 已结束", o.ID)
		}
		if req.Amount != nil {
			amount := *req.Amount
			o.DelegationAmountRemaining = &amount
		}
		if req.ExpiresAt != nil {
			expires := req.ExpiresAt.UTC()
			o.DelegationExpiresAt = &expires
		}
		o.DelegationRevoked = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	attrs := []any{slog.String("order_id", o.ID)}
	if o.DelegationAmountRemaining != nil {
		attrs = append(attrs, slog.String("delegation_amount_remaining", o.DelegationAmountRemaining.String()))
	}
	if o.DelegationExpiresAt != nil {
		attrs = append(attrs, slog.Time("delegation_expires_at", *o.DelegationExpiresAt))
	}
	logger.Audit().Info("定投委托已更新", attrs...)
	return o, nil
}
