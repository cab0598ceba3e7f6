package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"VaultPilot/internal/wallet"
	"VaultPilot/pkg/logger"
)

var activeStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSimulation,
	StatusApprovalRequired,
	StatusApproved,
	StatusExecuting,
	StatusConfirming,
}

// Recover 在启动时把所有未结束的执行重新入队。
// 报价与模拟阶段可以安全重跑；停在 EXECUTING 且没有交易哈希的执行会按失败关闭。
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	executions, err := c.collect(ctx, WithStatuses(activeStatuses...))
	if err != nil {
		return 0, err
	}
	for _, e := range executions {
		if err := c.queue.Publish(ctx, e.ID); err != nil {
			return 0, err
		}
	}
	if len(executions) > 0 {
		c.log.Info("已恢复未完成的执行", slog.Int("count", len(executions)))
	}
	return len(executions), nil
}

// Reconcile 复查确认超时的执行。链上结果单独保存为对账记录，执行本身保持不变；
// 得出定论的记录会通知监听器，由定投调度器结算对应的周期。
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	since := c.now().Add(-c.reconcileWindow)
	executions, err := c.collect(ctx,
		WithStatuses(StatusFailed),
		WithErrorCode(wallet.CodeConfirmationTimeout),
		WithUpdatedSince(since),
	)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, e := range executions {
		if e.TransactionRef == "" {
			continue
		}
		rec, err := c.store.GetReconciliation(ctx, e.ID)
		if err != nil {
			if !stdErrors.Is(err, ErrReconciliationNotFound) {
				return settled, err
			}
			rec = &Reconciliation{
				ExecutionID:    e.ID,
				OrderID:        e.OrderID,
				TransactionRef: e.TransactionRef,
				Network:        e.Network,
				Outcome:        OutcomePending,
			}
		}
		if rec.Settled() {
			continue
		}
		status, err := c.wallet.CheckStatus(ctx, e.Network, e.TransactionRef)
		if err != nil {
			c.log.Warn("对账查询交易失败",
				slog.String("execution_id", e.ID),
				slog.String("transaction_ref", e.TransactionRef),
				slog.Any("error", err),
			)
			continue
		}
		rec.Checks++
		rec.CheckedAt = c.now()
		switch {
		case status != nil && status.Found && status.Failed:
			rec.Outcome = OutcomeReverted
			rec.BlockNumber = status.BlockNumber
			rec.Fee = status.FeePaid
		case status != nil && status.Found && status.Confirmed:
			rec.Outcome = OutcomeLanded
			rec.BlockNumber = status.BlockNumber
			rec.Fee = status.FeePaid
		}
		if err := c.store.SaveReconciliation(ctx, rec); err != nil {
			return settled, err
		}
		if !rec.Settled() {
			continue
		}
		settled++
		logger.Audit().Info("确认超时的交易已对账",
			slog.String("execution_id", rec.ExecutionID),
			slog.String("order_id", rec.OrderID),
			slog.String("transaction_ref", rec.TransactionRef),
			slog.String("outcome", string(rec.Outcome)),
			slog.Uint64("block_number", rec.BlockNumber),
		)
		c.notifyReconciled(ctx, rec)
	}
	return settled, nil
}

// GetReconciliation 返回执行的对账记录。
func (c *Coordinator) GetReconciliation(ctx context.Context, executionID string) (*Reconciliation, error) {
	return c.store.GetReconciliation(ctx, executionID)
}

// RunReconciler 周期性对账，阻塞直到 ctx 结束。
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("对账失败", slog.Any("error", err))
			}
		}
	}
}

// collect 分页读取全部匹配的执行，按更新时间升序。
func (c *Coordinator) collect(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	var out []*Execution
	for offset := 0; ; offset += MaxListLimit {
		page := append(append([]ListOption(nil), opts...),
			WithLimit(MaxListLimit),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		)
		batch, err := c.store.List(ctx, buildListOptions(page))
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < MaxListLimit {
			return out, nil
		}
	}
}
