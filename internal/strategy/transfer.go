package strategy

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
)

// TransferType 是内置的原生币转账策略。
const TransferType = "transfer"

const nativeDecimals = 18

// Transfer 把原生币转给指定地址，报价即输入金额本身。
type Transfer struct {
	Network string
	Asset   string
	Clock   func() time.Time
}

// Type 实现 Handler。
func (t *Transfer) Type() string { return TransferType }

// Quote 校验参数并生成方案。
func (t *Transfer) Quote(_ context.Context, input Input) (*Plan, error) {
	amount, err := input.Decimal("amount")
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, xerrors.New(CodeInvalidInput, "转账金额必须大于 0")
	}
	to, err := input.String("to")
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(to) {
		return nil, xerrors.Newf(CodeInvalidInput, "无效的收款地址: %s", to)
	}
	asset := t.Asset
	if asset == "" {
		asset = "ETH"
	}
	now := time.Now
	if t.Clock != nil {
		now = t.Clock
	}
	return &Plan{
		Strategy:         TransferType,
		SourceAsset:      asset,
		DestinationAsset: asset,
		InputAmount:      amount,
		ExpectedOutput:   amount,
		Route:            "direct",
		Network:          t.Network,
		Payload:          map[string]any{"to": common.HexToAddress(to).Hex()},
		QuotedAt:         now().UTC(),
	}, nil
}

// Build 生成一笔不带 calldata 的转账调用。
func (t *Transfer) Build(_ context.Context, plan *Plan, _ SigningAuthority) (*Call, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "方案不能为空")
	}
	to, _ := plan.Payload["to"].(string)
	if !common.IsHexAddress(to) {
		return nil, xerrors.New(CodeInvalidInput, "方案缺少收款地址")
	}
	wei := plan.InputAmount.Shift(nativeDecimals).Truncate(0).BigInt()
	return &Call{
		Network:  plan.Network,
		To:       common.HexToAddress(to).Hex(),
		Value:    (*hexutil.Big)(wei),
		GasLimit: 21000,
	}, nil
}

// ToNative 把最小单位金额换算成原生币数量。
func ToNative(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(-nativeDecimals)
}
