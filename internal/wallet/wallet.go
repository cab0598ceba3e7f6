package wallet

import (
	"context"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
)

// UnsignedTx 是构建完成、尚未签名的交易。
type UnsignedTx struct {
	ID        string            `json:"id"`
	Strategy  string            `json:"strategy"`
	Network   string            `json:"network"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Data      hexutil.Bytes     `json:"data,omitempty"`
	Value     *hexutil.Big      `json:"value,omitempty"`
	GasLimit  uint64            `json:"gas_limit,omitempty"`
	Nonce     *uint64           `json:"nonce,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ValueInt 返回以最小单位计的转账金额。
func (tx *UnsignedTx) ValueInt() *big.Int {
	if tx == nil || tx.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(tx.Value.ToInt())
}

// ShapeKey 标识交易的"形状"：同一网络、发送方、目标、调用数据与金额视为同一形状，
// 手续费缓存以此为键。
func (tx *UnsignedTx) ShapeKey() string {
	dataHash := crypto.Keccak256Hash(tx.Data)
	return strings.Join([]string{
		strings.ToLower(tx.Network),
		strings.ToLower(tx.From),
		strings.ToLower(tx.To),
		dataHash.Hex(),
		tx.ValueInt().String(),
	}, "|")
}

// SimResult 是一次模拟执行的结果。Error 非空表示模拟失败，而不是调用失败。
type SimResult struct {
	ComputeUnits         uint64          `json:"compute_units"`
	GasLimit             uint64          `json:"gas_limit"`
	UnitPrice            *hexutil.Big    `json:"unit_price,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"max_priority_fee_per_gas,omitempty"`
	Fee                  decimal.Decimal `json:"fee"`
	Error                string          `json:"error,omitempty"`
}

// Failed 判断模拟是否失败。
func (r *SimResult) Failed() bool { return r != nil && r.Error != "" }

// SignedTx 是已签名待广播的交易。
type SignedTx struct {
	Network string        `json:"network"`
	From    string        `json:"from"`
	Hash    string        `json:"hash"`
	Raw     hexutil.Bytes `json:"raw"`
}

// TxStatus 是交易在链上的状态。
type TxStatus struct {
	Found       bool            `json:"found"`
	Confirmed   bool            `json:"confirmed"`
	Failed      bool            `json:"failed"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	FeePaid     decimal.Decimal `json:"fee_paid"`
	// Output 是网络能够解析时报告的实际成交数量。
	Output *decimal.Decimal `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Network 抽象一条链的模拟、组装、广播与查询能力。
type Network interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	Simulate(ctx context.Context, tx *UnsignedTx) (*SimResult, error)
	// Prepare 依据模拟结果填充 gas、费用上限与 nonce，生成待签名交易。
	Prepare(ctx context.Context, tx *UnsignedTx, sim *SimResult) (*types.Transaction, error)
	Submit(ctx context.Context, signed *SignedTx) error
	Status(ctx context.Context, hash string) (*TxStatus, error)
}

// BatchSubmitter 由支持一次请求广播多笔交易的网络实现。
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, signed []*SignedTx) error
}

// Networks 按名称查找网络，空名称表示默认网络。
type Networks interface {
	Network(name string) (Network, error)
}

// Signer 持有一把私钥并对交易签名。
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// BatchSigner 可以在一次调用中签署多笔交易。
type BatchSigner interface {
	Signer
	SignBatch(ctx context.Context, chainID *big.Int, txs []*types.Transaction) ([]*types.Transaction, error)
}

// SignerResolver 根据签名主体返回可用的签名器。
type SignerResolver interface {
	Resolve(ctx context.Context, authority strategy.SigningAuthority) (Signer, error)
}

// DelegationGuard 校验委托授权是否仍然有效。
type DelegationGuard interface {
	VerifyDelegation(ctx context.Context, delegationID string) error
}

const (
	CodeSimulationFailed    xerrors.Code = "SIMULATION_FAILED"
	CodeSubmissionFailed    xerrors.Code = "SUBMISSION_FAILED"
	CodeTransactionReverted xerrors.Code = "TRANSACTION_REVERTED"
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
	CodeBatchUnsupported    xerrors.Code = "BATCH_UNSUPPORTED"
	CodeDelegationInvalid   xerrors.Code = "DELEGATION_INVALID"
	CodeSignerUnavailable   xerrors.Code = "SIGNER_UNAVAILABLE"
	CodePresignedMismatch   xerrors.Code = "PRESIGNED_MISMATCH"
	CodeUnknownNetwork      xerrors.Code = "UNKNOWN_NETWORK"
)

// ErrBatchUnsupported 表示签名器不支持批量签名。
var ErrBatchUnsupported = xerrors.New(CodeBatchUnsupported, "signer cannot sign batches")

func init() {
	xerrors.Register(CodeSimulationFailed, xerrors.Attributes{
		Message:    "transaction simulation failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:    "transaction submission failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeTransactionReverted, xerrors.Attributes{
		Message:    "transaction reverted on-chain",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:    "transaction confirmation timed out",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	xerrors.Register(CodeBatchUnsupported, xerrors.Attributes{
		Message:    "batch signing unsupported",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotImplemented,
	})
	xerrors.Register(CodeDelegationInvalid, xerrors.Attributes{
		Message:    "delegation is not valid",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:    "no signer available for authority",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodePresignedMismatch, xerrors.Attributes{
		Message:    "presigned transaction does not match",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeUnknownNetwork, xerrors.Attributes{
		Message:    "unknown network",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// WeiToNative 把 wei 换算为原生币数量。
func WeiToNative(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
