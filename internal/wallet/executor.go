package wallet

import (
	"bytes"
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/strategy"
	"VaultPilot/pkg/logger"
)

// Options 配置 Executor。
type Options struct {
	Strategies          *strategy.Registry
	Networks            Networks
	Signers             SignerResolver
	Approvals           *approval.Registry
	FeeCache            FeeCache
	Risk                RiskPolicy
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Clock               func() time.Time
}

// Executor 负责把策略输出变成链上交易：构建、模拟、定价、签名、广播与确认。
type Executor struct {
	strategies *strategy.Registry
	networks   Networks
	signers    SignerResolver
	approvals  *approval.Registry
	fees       FeeCache
	risk       RiskPolicy
	timeout    time.Duration
	poll       time.Duration
	clock      func() time.Time
}

// NewExecutor 创建交易执行器。
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Strategies == nil || opts.Networks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易执行器缺少策略注册表或网络")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FeeCache == nil {
		opts.FeeCache = NewMemoryFeeCache(DefaultFeeCacheTTL, opts.Clock)
	}
	if opts.Risk.HighFee.IsZero() && opts.Risk.MediumFee.IsZero() {
		opts.Risk = DefaultRiskPolicy()
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Executor{
		strategies: opts.Strategies,
		networks:   opts.Networks,
		signers:    opts.Signers,
		approvals:  opts.Approvals,
		fees:       opts.FeeCache,
		risk:       opts.Risk,
		timeout:    opts.ConfirmationTimeout,
		poll:       opts.PollInterval,
		clock:      opts.Clock,
	}, nil
}

// BuildTransaction 调用策略的交易构建器生成待签名交易。
func (e *Executor) BuildTransaction(ctx context.Context, plan *strategy.Plan, authority strategy.SigningAuthority) (*UnsignedTx, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "方案不能为空")
	}
	handler, err := e.strategies.Resolve(plan.Strategy)
	if err != nil {
		return nil, err
	}
	call, err := handler.Build(ctx, plan, authority)
	if err != nil {
		return nil, err
	}
	if call == nil || !common.IsHexAddress(call.To) {
		return nil, xerrors.Newf(strategy.CodeInvalidInput, "策略 %s 构建了无效的调用", plan.Strategy)
	}
	network := call.Network
	if network == "" {
		network = plan.Network
	}
	return &UnsignedTx{
		ID:        uuid.NewString(),
		Strategy:  plan.Strategy,
		Network:   network,
		From:      authority.Address,
		To:        call.To,
		Data:      call.Data,
		Value:     (*hexutil.Big)(call.ValueInt()),
		GasLimit:  call.GasLimit,
		Metadata:  call.Metadata,
		CreatedAt: e.clock().UTC(),
	}, nil
}

// SimulateTransaction 在链上模拟交易并计算手续费，成功结果会写入手续费缓存。
func (e *Executor) SimulateTransaction(ctx context.Context, tx *UnsignedTx) (*SimResult, error) {
	network, err := e.network(tx)
	if err != nil {
		return nil, err
	}
	result, err := network.Simulate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !result.Failed() {
		e.fees.Set(ctx, tx.ShapeKey(), result.Fee)
	}
	return result, nil
}

// EstimateFee 返回交易的手续费估算，同形状交易在缓存周期内复用结果。
func (e *Executor) EstimateFee(ctx context.Context, tx *UnsignedTx) (decimal.Decimal, error) {
	key := tx.ShapeKey()
	if fee, ok := e.fees.Get(ctx, key); ok {
		metrics.ObserveFeeCache(true)
		return fee, nil
	}
	metrics.ObserveFeeCache(false)
	result, err := e.SimulateTransaction(ctx, tx)
	if err != nil {
		return decimal.Zero, err
	}
	if result.Failed() {
		return decimal.Zero, xerrors.New(CodeSimulationFailed, result.Error)
	}
	return result.Fee, nil
}

// DeriveRiskLevel 按配置的风险策略推导风险等级。
func (e *Executor) DeriveRiskLevel(fee decimal.Decimal, plan *strategy.Plan) approval.RiskLevel {
	return e.risk.DeriveRiskLevel(fee, plan)
}

// ApprovalRequest 描述需要用户确认的交易。
type ApprovalRequest struct {
	ExecutionID string
	Owner       string
	Description string
	Fee         decimal.Decimal
	Risk        approval.RiskLevel
	Metadata    map[string]any
}

// CreateApprovalRequest 在审批注册表中创建一条审批。
func (e *Executor) CreateApprovalRequest(ctx context.Context, req ApprovalRequest) (*approval.Approval, error) {
	if e.approvals == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批注册表未初始化")
	}
	return e.approvals.Create(ctx, approval.CreateRequest{
		ExecutionID: req.ExecutionID,
		Owner:       req.Owner,
		Message:     req.Description,
		Details:     req.Metadata,
		Fee:         req.Fee,
		Risk:        req.Risk,
	})
}

// SignOptions 描述一次签名的授权来源。
type SignOptions struct {
	Authority  strategy.SigningAuthority
	ApprovalID string
	// Presigned 是用户端签好的原始交易，非空时直接广播而不使用服务端密钥。
	Presigned  hexutil.Bytes
	Simulation *SimResult
}

// SendResult 是签名广播确认全过程的结果。
// 链上失败与确认超时通过 ErrorCode 报告，而不是返回错误。
type SendResult struct {
	Signature   string           `json:"signature,omitempty"`
	Submitted   bool             `json:"submitted"`
	Confirmed   bool             `json:"confirmed"`
	BlockNumber uint64           `json:"block_number,omitempty"`
	Fee         decimal.Decimal  `json:"fee"`
	Output      *decimal.Decimal `json:"output,omitempty"`
	ErrorCode   xerrors.Code     `json:"error_code,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Failed 判断结果是否以失败告终。
func (r *SendResult) Failed() bool { return r.ErrorCode != "" }

// SignAndSend 消耗审批、签名、广播并在限定时间内等待确认。
func (e *Executor) SignAndSend(ctx context.Context, tx *UnsignedTx, opts SignOptions) (*SendResult, error) {
	result, err := e.Send(ctx, tx, opts)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return result, nil
	}
	return e.AwaitConfirmation(ctx, tx.Network, result.Signature)
}

// Send 完成审批消耗、签名与广播，不等待确认。
// 广播失败通过 SendResult 报告；审批与签名前置条件不满足时返回错误。
func (e *Executor) Send(ctx context.Context, tx *UnsignedTx, opts SignOptions) (*SendResult, error) {
	network, err := e.network(tx)
	if err != nil {
		return nil, err
	}
	if !opts.Authority.Delegated() {
		if opts.ApprovalID == "" {
			return nil, xerrors.New(approval.CodeNotGranted, "交互式签名必须携带已通过的审批")
		}
		if e.approvals == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "审批注册表未初始化")
		}
		if _, err := e.approvals.Consume(ctx, opts.ApprovalID); err != nil {
			return nil, err
		}
	}

	signed, err := e.sign(ctx, network, tx, opts)
	if err != nil {
		return nil, err
	}
	if err := network.Submit(ctx, signed); err != nil {
		logger.L().Warn("交易广播失败",
			slog.String("tx_id", tx.ID),
			slog.String("network", network.Name()),
			slog.Any("error", err),
		)
		return &SendResult{
			Signature: signed.Hash,
			ErrorCode: CodeSubmissionFailed,
			Error:     xerrors.MessageOf(err),
		}, nil
	}
	logger.Audit().Info("交易已广播",
		slog.String("tx_id", tx.ID),
		slog.String("network", network.Name()),
		slog.String("from", signed.From),
		slog.String("hash", signed.Hash),
		slog.String("approval_id", opts.ApprovalID),
	)
	return &SendResult{Signature: signed.Hash, Submitted: true}, nil
}

// AwaitConfirmation 轮询交易状态直至确认、失败或超时。
func (e *Executor) AwaitConfirmation(ctx context.Context, networkName, hash string) (*SendResult, error) {
	network, err := e.networks.Network(networkName)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnknownNetwork, err, "查找网络失败")
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	result := &SendResult{Signature: hash, Submitted: true}
	for {
		status, err := network.Status(waitCtx, hash)
		if err == nil && status != nil && status.Found {
			if status.Failed {
				result.ErrorCode = CodeTransactionReverted
				result.Error = status.Error
				result.BlockNumber = status.BlockNumber
				result.Fee = status.FeePaid
				return result, nil
			}
			if status.Confirmed {
				result.Confirmed = true
				result.BlockNumber = status.BlockNumber
				result.Fee = status.FeePaid
				result.Output = status.Output
				return result, nil
			}
		}
		// 轮询过程中的临时 RPC 错误忽略，直到超时。
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil && !stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待确认被取消")
			}
			result.ErrorCode = CodeConfirmationTimeout
			result.Error = "交易在限定时间内未确认"
			return result, nil
		case <-ticker.C:
		}
	}
}

// CheckStatus 查询一次交易状态，供对账使用。
func (e *Executor) CheckStatus(ctx context.Context, networkName, hash string) (*TxStatus, error) {
	network, err := e.networks.Network(networkName)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnknownNetwork, err, "查找网络失败")
	}
	return network.Status(ctx, hash)
}

// SignBatch 使用同一签名主体为多笔交易签名，nonce 依次递增。
func (e *Executor) SignBatch(ctx context.Context, txs []*UnsignedTx, authority strategy.SigningAuthority) ([]*SignedTx, error) {
	if len(txs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可签名的交易")
	}
	if e.signers == nil {
		return nil, xerrors.New(CodeSignerUnavailable, "未配置签名器")
	}
	signer, err := e.signers.Resolve(ctx, authority)
	if err != nil {
		return nil, err
	}
	batchSigner, ok := signer.(BatchSigner)
	if !ok {
		return nil, ErrBatchUnsupported
	}
	network, err := e.network(txs[0])
	if err != nil {
		return nil, err
	}
	for _, tx := range txs[1:] {
		if !strings.EqualFold(tx.Network, txs[0].Network) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量交易必须属于同一网络")
		}
	}
	chainID, err := network.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "读取链 ID 失败")
	}
	nonce, err := network.PendingNonce(ctx, signer.Address())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "读取 nonce 失败")
	}

	prepared := make([]*types.Transaction, 0, len(txs))
	for i, tx := range txs {
		sim, err := network.Simulate(ctx, tx)
		if err != nil {
			return nil, err
		}
		if sim.Failed() {
			return nil, xerrors.Newf(CodeSimulationFailed, "第 %d 笔交易模拟失败: %s", i, sim.Error)
		}
		n := nonce + uint64(i)
		withNonce := *tx
		withNonce.Nonce = &n
		raw, err := network.Prepare(ctx, &withNonce, sim)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, raw)
	}
	signedTxs, err := batchSigner.SignBatch(ctx, chainID, prepared)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "批量签名失败")
	}
	out := make([]*SignedTx, 0, len(signedTxs))
	for _, stx := range signedTxs {
		encoded, err := encodeSigned(network.Name(), signer.Address(), stx)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// SubmitBatch 广播一批已签名交易。网络支持批量请求时一次发送，否则逐笔发送。
func (e *Executor) SubmitBatch(ctx context.Context, networkName string, signed []*SignedTx) error {
	network, err := e.networks.Network(networkName)
	if err != nil {
		return xerrors.Wrap(CodeUnknownNetwork, err, "查找网络失败")
	}
	if batch, ok := network.(BatchSubmitter); ok {
		if err := batch.SubmitBatch(ctx, signed); err != nil {
			return xerrors.Wrap(CodeSubmissionFailed, err, "批量广播失败")
		}
		return nil
	}
	for _, stx := range signed {
		if err := network.Submit(ctx, stx); err != nil {
			return xerrors.Wrap(CodeSubmissionFailed, err, "广播交易失败")
		}
	}
	return nil
}

func (e *Executor) network(tx *UnsignedTx) (Network, error) {
	if tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	network, err := e.networks.Network(tx.Network)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnknownNetwork, err, "查找网络失败")
	}
	return network, nil
}

func (e *Executor) sign(ctx context.Context, network Network, tx *UnsignedTx, opts SignOptions) (*SignedTx, error) {
	chainID, err := network.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "读取链 ID 失败")
	}
	if len(opts.Presigned) > 0 {
		return verifyPresigned(network.Name(), chainID, tx, opts.Presigned)
	}
	if e.signers == nil {
		return nil, xerrors.New(CodeSignerUnavailable, "未配置签名器")
	}
	signer, err := e.signers.Resolve(ctx, opts.Authority)
	if err != nil {
		return nil, err
	}
	sim := opts.Simulation
	if sim == nil || sim.Failed() {
		if sim, err = network.Simulate(ctx, tx); err != nil {
			return nil, err
		}
		if sim.Failed() {
			return nil, xerrors.New(CodeSimulationFailed, sim.Error)
		}
	}
	prepared, err := network.Prepare(ctx, tx, sim)
	if err != nil {
		return nil, err
	}
	signedTx, err := signer.SignTx(ctx, chainID, prepared)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "签名失败")
	}
	return encodeSigned(network.Name(), signer.Address(), signedTx)
}

// verifyPresigned 确认用户预签名的交易与审批时展示的交易一致。
func verifyPresigned(network string, chainID *big.Int, tx *UnsignedTx, raw hexutil.Bytes) (*SignedTx, error) {
	var decoded types.Transaction
	if err := decoded.UnmarshalBinary(raw); err != nil {
		return nil, xerrors.Wrap(CodePresignedMismatch, err, "无法解析预签名交易")
	}
	if decoded.ChainId().Cmp(chainID) != 0 {
		return nil, xerrors.Newf(CodePresignedMismatch, "预签名交易链 ID %s 与网络 %s 不一致", decoded.ChainId(), chainID)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), &decoded)
	if err != nil {
		return nil, xerrors.Wrap(CodePresignedMismatch, err, "无法恢复预签名交易的发送方")
	}
	switch {
	case !strings.EqualFold(sender.Hex(), common.HexToAddress(tx.From).Hex()):
		return nil, xerrors.Newf(CodePresignedMismatch, "预签名交易发送方 %s 与签名主体不一致", sender.Hex())
	case decoded.To() == nil || *decoded.To() != common.HexToAddress(tx.To):
		return nil, xerrors.New(CodePresignedMismatch, "预签名交易的目标地址不一致")
	case decoded.Value().Cmp(tx.ValueInt()) != 0:
		return nil, xerrors.New(CodePresignedMismatch, "预签名交易的金额不一致")
	case !bytes.Equal(decoded.Data(), tx.Data):
		return nil, xerrors.New(CodePresignedMismatch, "预签名交易的调用数据不一致")
	}
	return &SignedTx{Network: network, From: sender.Hex(), Hash: decoded.Hash().Hex(), Raw: raw}, nil
}

func encodeSigned(network string, from common.Address, tx *types.Transaction) (*SignedTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化交易失败")
	}
	return &SignedTx{Network: network, From: from.Hex(), Hash: tx.Hash().Hex(), Raw: raw}, nil
}

