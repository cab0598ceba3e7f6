package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/wallet"
	"VaultPilot/internal/web3"
)

var (
	defaultTipCap  = big.NewInt(2_000_000_000)
	defaultBaseFee = big.NewInt(1_000_000_000)
)

// Config describes how to construct an EVM compatible network.
type Config struct {
	Name          string
	RPCURL        string
	BatchRPCURL   string
	Notes         string
	RateLimit     float64
	RateBurst     int
	Confirmations uint64
	GasMultiplier float64
}

// Backend is the subset of ethclient used by Network. Both *ethclient.Client
// and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Network implements wallet.Network for EVM chains.
type Network struct {
	name          string
	notes         string
	rpcClient     *gethrpc.Client
	batchClient   *gethrpc.Client
	backend       Backend
	limiter       *rate.Limiter
	confirmations uint64
	gasMultiplier float64

	mu      sync.Mutex
	chainID *big.Int
}

// Dial connects to the configured RPC endpoints.
func Dial(ctx context.Context, cfg Config) (*Network, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	n := NewWithBackend(cfg, ethclient.NewClient(rpcClient))
	n.rpcClient = rpcClient
	n.batchClient = batchClient
	return n, nil
}

// NewWithBackend wraps an existing backend, typically the simulated one in tests.
func NewWithBackend(cfg Config, backend Backend) *Network {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.GasMultiplier <= 1 {
		cfg.GasMultiplier = 1.2
	}
	return &Network{
		name:          cfg.Name,
		notes:         cfg.Notes,
		backend:       backend,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		confirmations: cfg.Confirmations,
		gasMultiplier: cfg.GasMultiplier,
	}
}

// Name returns the configured network name.
func (n *Network) Name() string { return n.name }

// Close releases network connections held by the network.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.batchClient != nil && n.batchClient != n.rpcClient {
		n.batchClient.Close()
	}
	if n.rpcClient != nil {
		n.rpcClient.Close()
	}
	n.rpcClient = nil
	n.batchClient = nil
}

func (n *Network) wait(ctx context.Context) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待 RPC 限流令牌超时")
	}
	return nil
}

// ChainID returns the chain id, cached after the first call.
func (n *Network) ChainID(ctx context.Context) (*big.Int, error) {
	n.mu.Lock()
	cached := n.chainID
	n.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	id, err := n.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取链 ID 失败")
	}
	n.mu.Lock()
	n.chainID = new(big.Int).Set(id)
	n.mu.Unlock()
	return id, nil
}

// Snapshot gathers lightweight metadata for health reporting.
func (n *Network) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := n.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	if err := n.wait(ctx); err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := n.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        n.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       n.notes,
	}, nil
}

// PendingNonce returns the next nonce for address.
func (n *Network) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := n.backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询 nonce 失败")
	}
	return nonce, nil
}

// Simulate runs eth_call and eth_estimateGas against the latest state and
// prices the transaction with EIP-1559 fee caps. A revert is reported in
// SimResult.Error.
func (n *Network) Simulate(ctx context.Context, tx *wallet.UnsignedTx) (*wallet.SimResult, error) {
	msg, err := callMsg(tx)
	if err != nil {
		return nil, err
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	if _, err := n.backend.CallContract(ctx, msg, nil); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "模拟被取消")
		}
		return &wallet.SimResult{Error: err.Error()}, nil
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	gasUsed, err := n.backend.EstimateGas(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "模拟被取消")
		}
		return &wallet.SimResult{Error: err.Error()}, nil
	}
	gasLimit := uint64(float64(gasUsed) * n.gasMultiplier)
	if tx.GasLimit > gasLimit {
		gasLimit = tx.GasLimit
	}

	tipCap, baseFee, err := n.feeInputs(ctx)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	effective := new(big.Int).Add(baseFee, tipCap)
	if effective.Cmp(feeCap) > 0 {
		effective = new(big.Int).Set(feeCap)
	}
	feeWei := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), effective)

	return &wallet.SimResult{
		ComputeUnits:         gasUsed,
		GasLimit:             gasLimit,
		UnitPrice:            (*hexutil.Big)(effective),
		MaxFeePerGas:         (*hexutil.Big)(feeCap),
		MaxPriorityFeePerGas: (*hexutil.Big)(tipCap),
		Fee:                  wallet.WeiToNative(feeWei),
	}, nil
}

func (n *Network) feeInputs(ctx context.Context) (*big.Int, *big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, nil, err
	}
	tipCap, err := n.backend.SuggestGasTipCap(ctx)
	if err != nil || tipCap == nil {
		tipCap = new(big.Int).Set(defaultTipCap)
	}
	if err := n.wait(ctx); err != nil {
		return nil, nil, err
	}
	header, err := n.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取最新区块头失败")
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int).Set(defaultBaseFee)
	}
	return tipCap, baseFee, nil
}

// Prepare builds a dynamic fee transaction from the simulation result.
func (n *Network) Prepare(ctx context.Context, tx *wallet.UnsignedTx, sim *wallet.SimResult) (*coretypes.Transaction, error) {
	if sim == nil || sim.Failed() || sim.MaxFeePerGas == nil || sim.MaxPriorityFeePerGas == nil {
		return nil, xerrors.New(wallet.CodeSimulationFailed, "缺少有效的模拟结果")
	}
	chainID, err := n.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	var nonce uint64
	if tx.Nonce != nil {
		nonce = *tx.Nonce
	} else {
		nonce, err = n.PendingNonce(ctx, common.HexToAddress(tx.From))
		if err != nil {
			return nil, err
		}
	}
	to := common.HexToAddress(tx.To)
	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: sim.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: sim.MaxFeePerGas.ToInt(),
		Gas:       sim.GasLimit,
		To:        &to,
		Value:     tx.ValueInt(),
		Data:      tx.Data,
	}), nil
}

// Submit broadcasts a signed transaction.
func (n *Network) Submit(ctx context.Context, signed *wallet.SignedTx) error {
	var decoded coretypes.Transaction
	if err := decoded.UnmarshalBinary(signed.Raw); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析已签名交易失败")
	}
	if err := n.wait(ctx); err != nil {
		return err
	}
	if err := n.backend.SendTransaction(ctx, &decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "发送交易失败")
	}
	return nil
}

// SubmitBatch broadcasts multiple signed transactions in a single RPC batch
// call when a batch endpoint is available, one by one otherwise.
func (n *Network) SubmitBatch(ctx context.Context, signed []*wallet.SignedTx) error {
	if len(signed) == 0 {
		return errors.New("没有可发送的交易")
	}
	n.mu.Lock()
	batchClient := n.batchClient
	n.mu.Unlock()

	if batchClient == nil {
		for _, stx := range signed {
			if err := n.Submit(ctx, stx); err != nil {
				return err
			}
		}
		return nil
	}

	hashes := make([]common.Hash, len(signed))
	elems := make([]gethrpc.BatchElem, len(signed))
	for i, stx := range signed {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(stx.Raw)},
			Result: &hashes[i],
		}
	}
	if err := n.wait(ctx); err != nil {
		return err
	}
	if err := batchClient.BatchCallContext(ctx, elems); err != nil {
		return fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return nil
}

// Status reports whether hash has been mined, reverted, and reached the
// configured confirmation depth.
func (n *Network) Status(ctx context.Context, hash string) (*wallet.TxStatus, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := n.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return &wallet.TxStatus{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易回执失败")
	}
	status := &wallet.TxStatus{Found: true, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		paid := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		status.FeePaid = wallet.WeiToNative(paid)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status.Failed = true
		status.Error = "transaction reverted on-chain"
		return status, nil
	}
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	head, err := n.backend.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取最新区块高度失败")
	}
	status.Confirmed = head+1 >= status.BlockNumber+n.confirmations
	return status, nil
}

func callMsg(tx *wallet.UnsignedTx) (gethcore.CallMsg, error) {
	if tx == nil || !common.IsHexAddress(tx.To) {
		return gethcore.CallMsg{}, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少有效的目标地址")
	}
	to := common.HexToAddress(tx.To)
	return gethcore.CallMsg{
		From:  common.HexToAddress(tx.From),
		To:    &to,
		Value: tx.ValueInt(),
		Data:  tx.Data,
	}, nil
}

func toHexBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

var _ wallet.Network = (*Network)(nil)
var _ wallet.BatchSubmitter = (*Network)(nil)
