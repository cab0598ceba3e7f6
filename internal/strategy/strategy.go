package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
)

// Input 是调用方提交的策略参数，结构由具体策略决定。
type Input map[string]any

// 常见的风险标记。
const (
	RiskFlagUnverifiedAsset = "unverified_asset"
	RiskFlagNewAsset        = "new_asset"
)

// Plan 是报价阶段的产物，描述一次已定价的执行方案。
type Plan struct {
	Strategy         string          `json:"strategy"`
	SourceAsset      string          `json:"source_asset,omitempty"`
	DestinationAsset string          `json:"destination_asset,omitempty"`
	InputAmount      decimal.Decimal `json:"input_amount"`
	ExpectedOutput   decimal.Decimal `json:"expected_output"`
	SlippageBps      int             `json:"slippage_bps"`
	Route            string          `json:"route,omitempty"`
	RiskFlags        []string        `json:"risk_flags,omitempty"`
	Network          string          `json:"network,omitempty"`
	Payload          map[string]any  `json:"payload,omitempty"`
	QuotedAt         time.Time       `json:"quoted_at"`
}

// HasRiskFlag 判断方案是否带有指定风险标记。
func (p *Plan) HasRiskFlag(flag string) bool {
	if p == nil {
		return false
	}
	for _, f := range p.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// TouchesUnverifiedAsset 判断方案是否涉及未验证或新上线的资产。
func (p *Plan) TouchesUnverifiedAsset() bool {
	return p.HasRiskFlag(RiskFlagUnverifiedAsset) || p.HasRiskFlag(RiskFlagNewAsset)
}

// Price 返回方案的预期成交价（每单位输入换得的输出）。
func (p *Plan) Price() decimal.Decimal {
	if p == nil || p.InputAmount.IsZero() {
		return decimal.Zero
	}
	return p.ExpectedOutput.Div(p.InputAmount)
}

// AuthorityKind 区分交互式签名与委托签名。
type AuthorityKind string

const (
	AuthorityInteractive AuthorityKind = "interactive"
	AuthorityDelegated   AuthorityKind = "delegated"
)

// SigningAuthority 标识谁有权为一次执行签名。
type SigningAuthority struct {
	Kind         AuthorityKind `json:"kind"`
	Address      string        `json:"address"`
	DelegationID string        `json:"delegation_id,omitempty"`
}

// Delegated 判断是否为委托签名（无需逐笔审批）。
func (a SigningAuthority) Delegated() bool {
	return a.Kind == AuthorityDelegated
}

// Validate 校验签名主体。
func (a SigningAuthority) Validate() error {
	switch a.Kind {
	case AuthorityInteractive:
	case AuthorityDelegated:
		if a.DelegationID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "委托签名缺少 delegation id")
		}
	default:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "未知的签名类型: %s", a.Kind)
	}
	if a.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名地址不能为空")
	}
	return nil
}

// Call 是交易构建器输出的链上调用，不含 gas 与 nonce。
type Call struct {
	Network  string            `json:"network,omitempty"`
	To       string            `json:"to"`
	Data     hexutil.Bytes     `json:"data,omitempty"`
	Value    *hexutil.Big      `json:"value,omitempty"`
	GasLimit uint64            `json:"gas_limit,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ValueInt 返回以最小单位计的转账金额。
func (c *Call) ValueInt() *big.Int {
	if c == nil || c.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.Value.ToInt())
}

// Handler 为一种策略类型提供报价与构建能力。
type Handler interface {
	Type() string
	Quote(ctx context.Context, input Input) (*Plan, error)
	Build(ctx context.Context, plan *Plan, authority SigningAuthority) (*Call, error)
}

const (
	CodeUnsupportedStrategy xerrors.Code = "UNSUPPORTED_STRATEGY"
	CodeInvalidInput        xerrors.Code = "STRATEGY_INVALID_INPUT"
)

func init() {
	xerrors.Register(CodeUnsupportedStrategy, xerrors.Attributes{
		Message:    "unsupported strategy",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeInvalidInput, xerrors.Attributes{
		Message:    "invalid strategy input",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}
