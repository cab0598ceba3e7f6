package recurring

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
)

// Frequency 表示定投周期。
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Valid 判断周期是否受支持。
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// Next 返回 from 之后的下一个周期时间。月度周期按自然月推进。
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return from.Add(24 * time.Hour)
	case FrequencyWeekly:
		return from.Add(7 * 24 * time.Hour)
	case FrequencyBiweekly:
		return from.Add(14 * 24 * time.Hour)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// Status 表示定投订单的状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// 暂停原因。
const (
	PauseManual                 = "manual"
	PauseDelegationExpired      = "delegation_expired"
	PauseInsufficientDelegation = "insufficient_delegation"
	PauseDelegationRevoked      = "delegation_revoked"
	PauseMaxFailuresExceeded    = "max_failures_exceeded"
)

// Order 是一条定投指令，以委托额度代替逐笔审批。
type Order struct {
	ID                        string                    `json:"id"`
	Owner                     string                    `json:"owner"`
	Authority                 strategy.SigningAuthority `json:"authority"`
	StrategyType              string                    `json:"strategy_type"`
	SourceAsset               string                    `json:"source_asset"`
	DestinationAsset          string                    `json:"destination_asset"`
	AmountPerCycle            decimal.Decimal           `json:"amount_per_cycle"`
	Params                    map[string]any            `json:"params,omitempty"`
	Frequency                 Frequency                 `json:"frequency"`
	Status                    Status                    `json:"status"`
	StartAt                   time.Time                 `json:"start_at"`
	EndAt                     *time.Time                `json:"end_at,omitempty"`
	NextExecutionAt           *time.Time                `json:"next_execution_at,omitempty"`
	ExecutionCount            int                       `json:"execution_count"`
	FailedAttemptCount        int                       `json:"failed_attempt_count"`
	DelegationAmountRemaining *decimal.Decimal          `json:"delegation_amount_remaining,omitempty"`
	DelegationExpiresAt       *time.Time                `json:"delegation_expires_at,omitempty"`
	DelegationRevoked         bool                      `json:"delegation_revoked"`
	PauseReason               string                    `json:"pause_reason,omitempty"`
	TotalInput                decimal.Decimal           `json:"total_input"`
	TotalOutput               decimal.Decimal           `json:"total_output"`
	InFlight                  bool                      `json:"in_flight"`
	ClaimedAt                 *time.Time                `json:"claimed_at,omitempty"`
	CurrentExecutionID        string                    `json:"current_execution_id,omitempty"`
	CreatedAt                 time.Time                 `json:"created_at"`
	UpdatedAt                 time.Time                 `json:"updated_at"`
	Version                   int64                     `json:"version"`
}

// Due 判断订单在 now 时是否到期且未被认领。
func (o *Order) Due(now time.Time) bool {
	return o.Status == StatusActive && !o.InFlight && o.NextExecutionAt != nil && !o.NextExecutionAt.After(now)
}

// Clone 返回深拷贝。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	if o.Params != nil {
		out.Params = make(map[string]any, len(o.Params))
		for k, v := range o.Params {
			out.Params[k] = v
		}
	}
	out.EndAt = cloneTime(o.EndAt)
	out.NextExecutionAt = cloneTime(o.NextExecutionAt)
	out.DelegationExpiresAt = cloneTime(o.DelegationExpiresAt)
	out.ClaimedAt = cloneTime(o.ClaimedAt)
	if o.DelegationAmountRemaining != nil {
		remaining := *o.DelegationAmountRemaining
		out.DelegationAmountRemaining = &remaining
	}
	return &out
}

// delegationProblem 返回委托不可用的暂停原因，委托有效时返回空。
func (o *Order) delegationProblem(now time.Time) string {
	switch {
	case o.DelegationRevoked:
		return PauseDelegationRevoked
	case o.DelegationExpiresAt != nil && !now.Before(*o.DelegationExpiresAt):
		return PauseDelegationExpired
	case o.DelegationAmountRemaining != nil && o.DelegationAmountRemaining.LessThan(o.AmountPerCycle):
		return PauseInsufficientDelegation
	}
	return ""
}

// pause 转入暂停并清除排期。
func (o *Order) pause(reason string) {
	o.Status = StatusPaused
	o.PauseReason = reason
	o.NextExecutionAt = nil
}

// release 释放周期认领。
func (o *Order) release() {
	o.InFlight = false
	o.ClaimedAt = nil
	o.CurrentExecutionID = ""
}

// schedule 在 now 之后排下一个周期，超过结束时间则完成订单。
func (o *Order) schedule(now time.Time) {
	if o.Status != StatusActive {
		return
	}
	next := o.Frequency.Next(now)
	if o.EndAt != nil && next.After(*o.EndAt) {
		o.Status = StatusCompleted
		o.NextExecutionAt = nil
		return
	}
	o.NextExecutionAt = &next
}

// debit 从剩余委托额度中扣除金额。
func (o *Order) debit(amount decimal.Decimal) {
	if o.DelegationAmountRemaining == nil {
		return
	}
	remaining := o.DelegationAmountRemaining.Sub(amount)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	o.DelegationAmountRemaining = &remaining
}

// AttemptStatus 表示一个周期的结果。
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	// AttemptPending 表示交易结果未知，等待对账结算。
	AttemptPending AttemptStatus = "pending"
)

// Attempt 记录一个已认领周期的结果。只追加；待定记录可被结算一次。
type Attempt struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	ExecutionID    string          `json:"execution_id"`
	ExecutedAt     time.Time       `json:"executed_at"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	Price          decimal.Decimal `json:"price"`
	SlippageBps    int             `json:"slippage_bps"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	GasCost        decimal.Decimal `json:"gas_cost"`
	Status         AttemptStatus   `json:"status"`
	ErrorCode      xerrors.Code    `json:"error_code,omitempty"`
	RetryCount     int             `json:"retry_count"`
	RouteRef       string          `json:"route_ref,omitempty"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

func (a *Attempt) reprice() {
	if a.AmountIn.IsZero() {
		a.Price = decimal.Zero
		return
	}
	a.Price = a.AmountOut.Div(a.AmountIn)
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	out := *ts
	return &out
}

const (
	CodeOrderNotFound        xerrors.Code = "ORDER_NOT_FOUND"
	CodeOrderStateConflict   xerrors.Code = "ORDER_STATE_CONFLICT"
	CodeOrderVersionConflict xerrors.Code = "ORDER_VERSION_CONFLICT"
	CodeMaxFailuresExceeded  xerrors.Code = "MAX_FAILURES_EXCEEDED"
	CodeAttemptSettled       xerrors.Code = "ATTEMPT_ALREADY_SETTLED"
	CodeAttemptNotFound      xerrors.Code = "ATTEMPT_NOT_FOUND"
)

var (
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "recurring order not found")
	// ErrVersionConflict 表示订单已被并发修改。
	ErrVersionConflict = xerrors.New(CodeOrderVersionConflict, "recurring order modified concurrently")
	// ErrAttemptNotFound 表示周期记录不存在。
	ErrAttemptNotFound = xerrors.New(CodeAttemptNotFound, "execution attempt not found")
	// ErrAttemptSettled 表示周期记录已经结算。
	ErrAttemptSettled = xerrors.New(CodeAttemptSettled, "execution attempt already settled")
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:    "recurring order not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeOrderStateConflict, xerrors.Attributes{
		Message:    "recurring order is not in a state that allows this operation",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeOrderVersionConflict, xerrors.Attributes{
		Message:    "recurring order modified concurrently",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeMaxFailuresExceeded, xerrors.Attributes{
		Message:    "recurring order paused after repeated failures",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeAttemptSettled, xerrors.Attributes{
		Message:    "execution attempt already settled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeAttemptNotFound, xerrors.Attributes{
		Message:    "execution attempt not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}
