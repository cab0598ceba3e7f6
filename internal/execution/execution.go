package execution

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
)

// Status 表示执行在流水线中所处的阶段。
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusSimulation       Status = "SIMULATION"
	StatusApprovalRequired Status = "APPROVAL_REQUIRED"
	StatusApproved         Status = "APPROVED"
	StatusExecuting        Status = "EXECUTING"
	StatusConfirming       Status = "CONFIRMING"
	StatusSuccess          Status = "SUCCESS"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

var progressByStatus = map[Status]int{
	StatusPending:          0,
	StatusRunning:          20,
	StatusSimulation:       40,
	StatusApprovalRequired: 50,
	StatusApproved:         60,
	StatusExecuting:        80,
	StatusConfirming:       90,
	StatusSuccess:          100,
	StatusFailed:           100,
}

// forward 列出除 FAILED 与 CANCELLED 以外允许的前进边。
var forward = map[Status][]Status{
	StatusPending:          {StatusRunning},
	StatusRunning:          {StatusSimulation},
	StatusSimulation:       {StatusApprovalRequired, StatusExecuting},
	StatusApprovalRequired: {StatusApproved},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusConfirming},
	StatusConfirming:       {StatusSuccess},
}

// IsValidStatus 判断状态是否受支持。
func IsValidStatus(status Status) bool {
	if status == StatusCancelled {
		return true
	}
	_, ok := progressByStatus[status]
	return ok
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// CanTransition 判断 from 到 to 是否是合法的状态边。
// 委托执行跳过审批，直接从 SIMULATION 进入 EXECUTING；交互式执行不能走这条边。
func CanTransition(from, to Status, delegated bool) bool {
	if from.Terminal() || !IsValidStatus(to) {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	if from == StatusSimulation {
		if to == StatusExecuting {
			return delegated
		}
		if to == StatusApprovalRequired {
			return !delegated
		}
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorInfo 是失败执行携带的结构化错误。
type ErrorInfo struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// Execution 是一次策略执行的完整记录。
type Execution struct {
	ID              string                    `json:"id"`
	Owner           string                    `json:"owner"`
	Authority       strategy.SigningAuthority `json:"authority"`
	StrategyType    string                    `json:"strategy_type"`
	Input           strategy.Input            `json:"input"`
	Status          Status                    `json:"status"`
	Progress        int                       `json:"progress"`
	Result          map[string]any            `json:"result,omitempty"`
	Error           *ErrorInfo                `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	DurationMs      *int64                    `json:"duration_ms,omitempty"`
	ActualFee       *decimal.Decimal          `json:"actual_fee,omitempty"`
	TransactionRef  string                    `json:"transaction_ref,omitempty"`
	Network         string                    `json:"network,omitempty"`
	ApprovalID      string                    `json:"approval_id,omitempty"`
	OrderID         string                    `json:"order_id,omitempty"`
	CancelRequested bool                      `json:"cancel_requested"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	Version         int64                     `json:"version"`
}

// ErrorCode 返回失败或取消执行的错误码，其它状态返回空。
func (e *Execution) ErrorCode() xerrors.Code {
	switch {
	case e.Status == StatusCancelled:
		return CodeCancelled
	case e.Error != nil:
		return e.Error.Code
	default:
		return ""
	}
}

// Committed 判断签名广播是否已经开始。此后取消标记只被记录，流水线继续到确认。
func (e *Execution) Committed() bool {
	return e.TransactionRef != "" || e.Status == StatusExecuting || e.Status == StatusConfirming
}

// Clone 返回深拷贝。
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input = e.Input.Clone()
	if e.Result != nil {
		out.Result = make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			out.Result[k] = v
		}
	}
	if e.Error != nil {
		info := *e.Error
		out.Error = &info
	}
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	if e.DurationMs != nil {
		d := *e.DurationMs
		out.DurationMs = &d
	}
	if e.ActualFee != nil {
		fee := *e.ActualFee
		out.ActualFee = &fee
	}
	return &out
}

// transition 在校验状态边后推进状态，进度只增不减，取消保留当前进度。
func (e *Execution) transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to, e.Authority.Delegated()) {
		return xerrors.Newf(CodeInvalidTransition, "执行 %s 不能从 %s 进入 %s", e.ID, e.Status, to)
	}
	e.Status = to
	if progress, ok := progressByStatus[to]; ok && progress > e.Progress {
		e.Progress = progress
	}
	if to == StatusRunning && e.StartedAt == nil {
		started := now
		e.StartedAt = &started
	}
	if to.Terminal() {
		completed := now
		e.CompletedAt = &completed
		from := e.CreatedAt
		if e.StartedAt != nil {
			from = *e.StartedAt
		}
		duration := now.Sub(from).Milliseconds()
		e.DurationMs = &duration
	}
	e.UpdatedAt = now
	return nil
}

func (e *Execution) fail(code xerrors.Code, message string, now time.Time) error {
	if err := e.transition(StatusFailed, now); err != nil {
		return err
	}
	if message == "" {
		message = xerrors.AttributesOf(code).Message
	}
	e.Error = &ErrorInfo{Code: code, Message: message}
	e.Result = nil
	return nil
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	out := *ts
	return &out
}

// Draft 保存流水线各阶段的中间产物，供审批后恢复与进程重启后续跑。
type Draft struct {
	ExecutionID string             `json:"execution_id"`
	Plan        *strategy.Plan     `json:"plan,omitempty"`
	Tx          *wallet.UnsignedTx `json:"tx,omitempty"`
	Simulation  *wallet.SimResult  `json:"simulation,omitempty"`
	Fee         decimal.Decimal    `json:"fee"`
	Risk        approval.RiskLevel `json:"risk,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ReconcileOutcome 是确认超时后再次核对得到的链上结果。
type ReconcileOutcome string

const (
	OutcomePending  ReconcileOutcome = "pending"
	OutcomeLanded   ReconcileOutcome = "landed"
	OutcomeReverted ReconcileOutcome = "reverted"
)

// Reconciliation 独立于执行记录保存对账结果，执行本身保持终态不变。
type Reconciliation struct {
	ExecutionID    string           `json:"execution_id"`
	OrderID        string           `json:"order_id,omitempty"`
	TransactionRef string           `json:"transaction_ref"`
	Network        string           `json:"network,omitempty"`
	Outcome        ReconcileOutcome `json:"outcome"`
	BlockNumber    uint64           `json:"block_number,omitempty"`
	Fee            decimal.Decimal  `json:"fee"`
	Checks         int              `json:"checks"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Settled 判断对账是否已有定论。
func (r *Reconciliation) Settled() bool {
	return r.Outcome == OutcomeLanded || r.Outcome == OutcomeReverted
}

const (
	CodeValidationFailed  xerrors.Code = "VALIDATION_FAILED"
	CodePlanningFailed    xerrors.Code = "PLANNING_FAILED"
	CodeUserRejected      xerrors.Code = "USER_REJECTED"
	CodeNotFound          xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeCancelled         xerrors.Code = "EXECUTION_CANCELLED"
	CodeInvalidTransition xerrors.Code = "EXECUTION_INVALID_TRANSITION"
	CodeVersionConflict   xerrors.Code = "EXECUTION_VERSION_CONFLICT"
	CodeInterrupted       xerrors.Code = "EXECUTION_INTERRUPTED"
)

var (
	// ErrNotFound 表示执行不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "execution not found")
	// ErrVersionConflict 表示执行在读取后已被其它写入者修改。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "execution modified concurrently")
	// ErrDraftNotFound 表示执行还没有保存中间产物。
	ErrDraftNotFound = xerrors.New(xerrors.CodeNotFound, "execution draft not found")
	// ErrReconciliationNotFound 表示执行尚未对账。
	ErrReconciliationNotFound = xerrors.New(xerrors.CodeNotFound, "reconciliation not found")
)

func init() {
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:    "invalid execution request",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodePlanningFailed, xerrors.Attributes{
		Message:    "strategy planning failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeUserRejected, xerrors.Attributes{
		Message:    "user rejected the transaction",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "execution not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeCancelled, xerrors.Attributes{
		Message:    "execution cancelled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "invalid execution status transition",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:    "execution modified concurrently",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInterrupted, xerrors.Attributes{
		Message:    "execution interrupted before submission was recorded",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
