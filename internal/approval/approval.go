package approval

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
)

// DefaultTTL 是审批请求的固定有效期。
const DefaultTTL = 5 * time.Minute

// RiskLevel 描述一次执行的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Status 是审批在某一时刻的可见状态，由存储字段与当前时间推导。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Response 记录用户对审批的唯一一次答复。
type Response struct {
	Approved  bool      `json:"approved"`
	Signature string    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval 是一次签名前的用户授权检查点。
type Approval struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Owner        string          `json:"owner"`
	Message      string          `json:"message"`
	Details      map[string]any  `json:"details,omitempty"`
	EstimatedFee decimal.Decimal `json:"estimated_fee"`
	RiskLevel    RiskLevel       `json:"risk_level"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Resolved     bool            `json:"resolved"`
	Response     *Response       `json:"response,omitempty"`
	Consumed     bool            `json:"consumed"`
	ConsumedAt   *time.Time      `json:"consumed_at,omitempty"`
	State        Status          `json:"status"`
}

// StatusAt 返回审批在 now 时刻的状态。过期且未答复的审批永远读作 expired。
func (a *Approval) StatusAt(now time.Time) Status {
	switch {
	case a.Resolved && a.Response != nil && a.Response.Approved:
		return StatusApproved
	case a.Resolved:
		return StatusRejected
	case now.After(a.ExpiresAt):
		return StatusExpired
	default:
		return StatusPending
	}
}

// Clone 返回深拷贝，调用方修改不会影响存储中的记录。
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	out := *a
	if a.Details != nil {
		out.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			out.Details[k] = v
		}
	}
	if a.Response != nil {
		resp := *a.Response
		out.Response = &resp
	}
	if a.ConsumedAt != nil {
		ts := *a.ConsumedAt
		out.ConsumedAt = &ts
	}
	return &out
}

const (
	CodeNotFound        xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeAlreadyResolved xerrors.Code = "APPROVAL_ALREADY_RESOLVED"
	CodeExpired         xerrors.Code = "APPROVAL_EXPIRED"
	CodeAlreadyConsumed xerrors.Code = "APPROVAL_ALREADY_CONSUMED"
	CodeNotGranted      xerrors.Code = "APPROVAL_NOT_GRANTED"
)

var (
	// ErrNotFound 表示审批不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "approval not found")
	// ErrAlreadyResolved 表示审批已经被答复过。
	ErrAlreadyResolved = xerrors.New(CodeAlreadyResolved, "approval already resolved")
	// ErrExpired 表示审批已过期，不能再答复。
	ErrExpired = xerrors.New(CodeExpired, "approval expired")
	// ErrAlreadyConsumed 表示审批已被一次签名消费。
	ErrAlreadyConsumed = xerrors.New(CodeAlreadyConsumed, "approval already consumed")
	// ErrNotGranted 表示审批尚未通过，不能用于签名。
	ErrNotGranted = xerrors.New(CodeNotGranted, "approval not granted")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "approval not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeAlreadyResolved, xerrors.Attributes{
		Message:    "approval already resolved",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:    "approval expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusGone,
	})
	xerrors.Register(CodeAlreadyConsumed, xerrors.Attributes{
		Message:    "approval already consumed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeNotGranted, xerrors.Attributes{
		Message:    "approval not granted",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
}
