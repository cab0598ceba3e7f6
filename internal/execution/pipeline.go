package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
)

const maxUpdateAttempts = 8

// errSuperseded 表示执行已被其它写入者推进，本次处理放弃。
var errSuperseded = stdErrors.New("execution superseded")

// handle 是队列消费回调。返回错误会触发重新投递，只用于存储等可重试故障。
func (c *Coordinator) handle(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	e, err := c.store.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			c.log.Debug("跳过不存在的执行", slog.String("execution_id", id))
			return nil
		}
		return err
	}
	if e.Status.Terminal() {
		return nil
	}

	stageCtx, cancel := context.WithCancel(ctx)
	c.track(id, cancel)
	defer func() {
		c.untrack(id)
		cancel()
	}()

	if err := c.advance(stageCtx, e); err != nil {
		if stdErrors.Is(err, errSuperseded) {
			c.log.Debug("执行已被其它处理者推进", slog.String("execution_id", id))
			return nil
		}
		c.log.Error("推进执行失败",
			slog.String("execution_id", id),
			slog.String("status", string(e.Status)),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// advance 依次执行各阶段，直到执行进入终态或在审批处暂停。
func (c *Coordinator) advance(ctx context.Context, e *Execution) error {
	for !e.Status.Terminal() {
		var (
			next *Execution
			err  error
		)
		switch e.Status {
		case StatusPending:
			next, err = c.step(ctx, e, func(n *Execution, now time.Time) error {
				return n.transition(StatusRunning, now)
			})
		case StatusRunning:
			next, err = c.plan(ctx, e)
		case StatusSimulation:
			next, err = c.simulate(ctx, e)
		case StatusApprovalRequired:
			next, err = c.checkApproval(ctx, e)
		case StatusApproved:
			next, err = c.executeFromDraft(ctx, e)
		case StatusExecuting:
			next, err = c.recoverExecuting(ctx, e)
		case StatusConfirming:
			next, err = c.confirm(ctx, e)
		default:
			return xerrors.Newf(CodeInvalidTransition, "未知的执行状态: %s", e.Status)
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		e = next
	}
	return nil
}

// step 在 e 的基础上应用 mutate 并以比较并交换写回。
// 版本冲突时重新读取：状态已变化则放弃，仅取消标记变化则重试。
// 广播前若已请求取消，本次边界改为进入 CANCELLED。
func (c *Coordinator) step(ctx context.Context, e *Execution, mutate func(n *Execution, now time.Time) error) (*Execution, error) {
	persistCtx := context.WithoutCancel(ctx)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		next := e.Clone()
		now := c.now()
		if next.CancelRequested && !next.Committed() {
			if err := next.transition(StatusCancelled, now); err != nil {
				return nil, err
			}
		} else if err := mutate(next, now); err != nil {
			return nil, err
		}
		err := c.store.Update(persistCtx, next)
		if err == nil {
			c.observe(next)
			return next, nil
		}
		if !stdErrors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		latest, err := c.store.Get(persistCtx, e.ID)
		if err != nil {
			return nil, err
		}
		if latest.Status != e.Status {
			return nil, errSuperseded
		}
		e = latest
	}
	return nil, ErrVersionConflict
}

// fail 把执行标记为失败。阶段因取消而中断时改为进入 CANCELLED；因进程退出而中断时保留原状态等待恢复。
func (c *Coordinator) fail(ctx context.Context, e *Execution, code xerrors.Code, cause error) (*Execution, error) {
	if ctx.Err() != nil {
		latest, err := c.store.Get(context.WithoutCancel(ctx), e.ID)
		if err != nil {
			return nil, err
		}
		if latest.Status != e.Status {
			return nil, errSuperseded
		}
		if !latest.CancelRequested {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "执行阶段被中断")
		}
		e = latest
	}
	message := ""
	if cause != nil {
		message = xerrors.MessageOf(cause)
	}
	return c.step(ctx, e, func(n *Execution, now time.Time) error {
		return n.fail(code, message, now)
	})
}

func (c *Coordinator) loadDraft(ctx context.Context, id string) (*Draft, error) {
	d, err := c.store.GetDraft(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrDraftNotFound) {
			return &Draft{ExecutionID: id}, nil
		}
		return nil, err
	}
	return d, nil
}

// plan 调用策略报价，成功后进入 SIMULATION。重复执行是安全的。
func (c *Coordinator) plan(ctx context.Context, e *Execution) (*Execution, error) {
	handler, err := c.strategies.Resolve(e.StrategyType)
	if err != nil {
		return c.fail(ctx, e, strategy.CodeUnsupportedStrategy, err)
	}
	quoteCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	plan, err := handler.Quote(quoteCtx, e.Input.Clone())
	cancel()
	if err != nil {
		return c.fail(ctx, e, CodePlanningFailed, err)
	}
	if plan == nil {
		return c.fail(ctx, e, CodePlanningFailed, xerrors.New(CodePlanningFailed, "策略没有返回方案"))
	}
	if plan.Strategy == "" {
		plan.Strategy = e.StrategyType
	}
	if err := c.store.SaveDraft(context.WithoutCancel(ctx), &Draft{ExecutionID: e.ID, Plan: plan, UpdatedAt: c.now()}); err != nil {
		return nil, err
	}
	return c.step(ctx, e, func(n *Execution, now time.Time) error {
		return n.transition(StatusSimulation, now)
	})
}

// simulate 构建并模拟交易。委托执行直接签名广播，交互式执行创建审批后暂停。
func (c *Coordinator) simulate(ctx context.Context, e *Execution) (*Execution, error) {
	draft, err := c.loadDraft(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if draft.Plan == nil {
		// 草稿丢失时重新报价。
		handler, err := c.strategies.Resolve(e.StrategyType)
		if err != nil {
			return c.fail(ctx, e, strategy.CodeUnsupportedStrategy, err)
		}
		quoteCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
		draft.Plan, err = handler.Quote(quoteCtx, e.Input.Clone())
		cancel()
		if err != nil || draft.Plan == nil {
			return c.fail(ctx, e, CodePlanningFailed, err)
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()
	tx, err := c.wallet.BuildTransaction(stageCtx, draft.Plan, e.Authority)
	if err != nil {
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown || code == xerrors.CodeInvalidArgument {
			code = wallet.CodeSimulationFailed
		}
		return c.fail(ctx, e, code, err)
	}
	sim, err := c.wallet.SimulateTransaction(stageCtx, tx)
	if err != nil {
		return c.fail(ctx, e, wallet.CodeSimulationFailed, err)
	}
	if sim.Failed() {
		return c.fail(ctx, e, wallet.CodeSimulationFailed, xerrors.New(wallet.CodeSimulationFailed, sim.Error))
	}

	draft.Tx = tx
	draft.Simulation = sim
	draft.Fee = sim.Fee
	draft.Risk = c.wallet.DeriveRiskLevel(sim.Fee, draft.Plan)
	draft.UpdatedAt = c.now()
	if err := c.store.SaveDraft(context.WithoutCancel(ctx), draft); err != nil {
		return nil, err
	}

	if e.Authority.Delegated() {
		return c.execute(ctx, e, draft)
	}

	req := wallet.ApprovalRequest{
		ExecutionID: e.ID,
		Owner:       e.Owner,
		Description: describe(draft.Plan, draft.Fee),
		Fee:         draft.Fee,
		Risk:        draft.Risk,
		Metadata: map[string]any{
			"strategy":          draft.Plan.Strategy,
			"source_asset":      draft.Plan.SourceAsset,
			"destination_asset": draft.Plan.DestinationAsset,
			"input_amount":      draft.Plan.InputAmount.String(),
			"expected_output":   draft.Plan.ExpectedOutput.String(),
			"slippage_bps":      draft.Plan.SlippageBps,
			"route":             draft.Plan.Route,
			"network":           tx.Network,
			"to":                tx.To,
			"risk_flags":        draft.Plan.RiskFlags,
		},
	}
	a, err := c.wallet.CreateApprovalRequest(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	return c.step(ctx, e, func(n *Execution, now time.Time) error {
		n.ApprovalID = a.ID
		n.Network = tx.Network
		return n.transition(StatusApprovalRequired, now)
	})
}

// checkApproval 读取审批状态：仍待答复时暂停，否则按答复推进。
func (c *Coordinator) checkApproval(ctx context.Context, e *Execution) (*Execution, error) {
	a, err := c.approvals.Get(ctx, e.ApprovalID)
	if err != nil {
		if xerrors.HasCode(err, approval.CodeNotFound) {
			return c.fail(ctx, e, approval.CodeNotFound, err)
		}
		return nil, err
	}
	switch a.State {
	case approval.StatusPending:
		return nil, nil
	case approval.StatusRejected:
		return c.fail(ctx, e, CodeUserRejected, xerrors.New(CodeUserRejected, "用户拒绝了交易"))
	case approval.StatusExpired:
		return c.fail(ctx, e, approval.CodeExpired, xerrors.New(approval.CodeExpired, "审批在有效期内未答复"))
	}
	return c.step(ctx, e, func(n *Execution, now time.Time) error {
		return n.transition(StatusApproved, now)
	})
}

func (c *Coordinator) executeFromDraft(ctx context.Context, e *Execution) (*Execution, error) {
	draft, err := c.loadDraft(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if draft.Tx == nil {
		return c.fail(ctx, e, CodeInterrupted, xerrors.New(CodeInterrupted, "缺少待签名交易"))
	}
	return c.execute(ctx, e, draft)
}

// execute 进入 EXECUTING 并签名广播。进入后不再响应取消，广播结果会如实写回。
func (c *Coordinator) execute(ctx context.Context, e *Execution, draft *Draft) (*Execution, error) {
	executing, err := c.step(ctx, e, func(n *Execution, now time.Time) error {
		n.Network = draft.Tx.Network
		return n.transition(StatusExecuting, now)
	})
	if err != nil || executing.Status != StatusExecuting {
		return executing, err
	}

	opts := wallet.SignOptions{
		Authority:  executing.Authority,
		ApprovalID: executing.ApprovalID,
		Simulation: draft.Simulation,
	}
	if !executing.Authority.Delegated() {
		a, err := c.approvals.Get(context.WithoutCancel(ctx), executing.ApprovalID)
		if err != nil {
			return c.failAfterSubmitStarted(ctx, executing, xerrors.CodeOf(err), err)
		}
		if a.Response != nil && a.Response.Signature != "" {
			raw, err := hexutil.Decode(a.Response.Signature)
			if err != nil {
				return c.failAfterSubmitStarted(ctx, executing, wallet.CodePresignedMismatch, err)
			}
			opts.Presigned = raw
		}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stageTimeout)
	result, err := c.wallet.Send(sendCtx, draft.Tx, opts)
	cancel()
	if err != nil {
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = wallet.CodeSubmissionFailed
		}
		return c.failAfterSubmitStarted(ctx, executing, code, err)
	}
	if result.Failed() {
		return c.failAfterSubmitStarted(ctx, executing, result.ErrorCode, xerrors.New(result.ErrorCode, result.Error))
	}
	confirming, err := c.step(ctx, executing, func(n *Execution, now time.Time) error {
		n.TransactionRef = result.Signature
		return n.transition(StatusConfirming, now)
	})
	if err != nil {
		c.log.Error("记录交易哈希失败",
			slog.String("execution_id", e.ID),
			slog.String("transaction_ref", result.Signature),
			slog.Any("error", err),
		)
		return nil, err
	}
	return confirming, nil
}

// failAfterSubmitStarted 记录 EXECUTING 阶段的失败，不受取消标记影响。
func (c *Coordinator) failAfterSubmitStarted(ctx context.Context, e *Execution, code xerrors.Code, cause error) (*Execution, error) {
	if code == "" || code == xerrors.CodeUnknown {
		code = wallet.CodeSubmissionFailed
	}
	return c.fail(context.WithoutCancel(ctx), e, code, cause)
}

// recoverExecuting 处理重启后停在 EXECUTING 的执行：已有交易哈希则继续确认，否则无法判断是否已广播，按失败关闭。
func (c *Coordinator) recoverExecuting(ctx context.Context, e *Execution) (*Execution, error) {
	if e.TransactionRef != "" {
		return c.step(ctx, e, func(n *Execution, now time.Time) error {
			return n.transition(StatusConfirming, now)
		})
	}
	return c.failAfterSubmitStarted(ctx, e, CodeInterrupted,
		xerrors.New(CodeInterrupted, "执行在记录交易哈希前中断，可能已广播，请人工核对"))
}

// confirm 在限定时间内等待交易确认并写入最终结果。
func (c *Coordinator) confirm(ctx context.Context, e *Execution) (*Execution, error) {
	result, err := c.wallet.AwaitConfirmation(context.WithoutCancel(ctx), e.Network, e.TransactionRef)
	if err != nil {
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = wallet.CodeConfirmationTimeout
		}
		return c.fail(context.WithoutCancel(ctx), e, code, err)
	}
	if result.Failed() {
		return c.step(ctx, e, func(n *Execution, now time.Time) error {
			if !result.Fee.IsZero() {
				fee := result.Fee
				n.ActualFee = &fee
			}
			return n.fail(result.ErrorCode, result.Error, now)
		})
	}

	draft, err := c.loadDraft(context.WithoutCancel(ctx), e.ID)
	if err != nil {
		return nil, err
	}
	return c.step(ctx, e, func(n *Execution, now time.Time) error {
		fee := result.Fee
		if fee.IsZero() {
			fee = draft.Fee
		}
		n.ActualFee = &fee
		n.Result = buildResult(draft.Plan, n, result)
		return n.transition(StatusSuccess, now)
	})
}

func buildResult(plan *strategy.Plan, e *Execution, sent *wallet.SendResult) map[string]any {
	result := map[string]any{
		"transaction_ref": e.TransactionRef,
		"network":         e.Network,
		"block_number":    sent.BlockNumber,
		"fee":             e.ActualFee.String(),
	}
	if plan != nil {
		result["strategy"] = plan.Strategy
		result["source_asset"] = plan.SourceAsset
		result["destination_asset"] = plan.DestinationAsset
		result["input_amount"] = plan.InputAmount.String()
		result["expected_output"] = plan.ExpectedOutput.String()
		result["price"] = plan.Price().String()
		result["slippage_bps"] = plan.SlippageBps
		if plan.Route != "" {
			result["route"] = plan.Route
		}
		if sent.Output != nil {
			result["output_amount"] = sent.Output.String()
			result["realized_slippage_bps"] = realizedSlippage(plan.ExpectedOutput, *sent.Output)
		}
	}
	return result
}

// realizedSlippage 返回实际成交相对预期少出的基点数，多出时为 0。
func realizedSlippage(expected, actual decimal.Decimal) int {
	if !expected.IsPositive() || actual.GreaterThanOrEqual(expected) {
		return 0
	}
	return int(expected.Sub(actual).Div(expected).Mul(decimal.NewFromInt(10000)).Round(0).IntPart())
}

// describe 生成展示给用户的审批说明。
func describe(plan *strategy.Plan, fee decimal.Decimal) string {
	if plan.SourceAsset == plan.DestinationAsset {
		return fmt.Sprintf("%s %s %s，预计手续费 %s", plan.Strategy, plan.InputAmount.String(), plan.SourceAsset, fee.String())
	}
	return fmt.Sprintf("%s %s %s -> %s %s，预计手续费 %s",
		plan.Strategy,
		plan.InputAmount.String(), plan.SourceAsset,
		plan.ExpectedOutput.String(), plan.DestinationAsset,
		fee.String(),
	)
}
