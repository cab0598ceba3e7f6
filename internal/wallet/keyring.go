package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
	"VaultPilot/pkg/logger"
)

// Keyring 保存托管私钥与委托会话密钥，按签名主体选出签名器。
// 委托签名器在每次签名前都会重新校验委托。
type Keyring struct {
	mu        sync.RWMutex
	custodial map[common.Address]Signer
	delegates map[common.Address]Signer
	guard     DelegationGuard
}

// NewKeyring 创建空的密钥环。
func NewKeyring() *Keyring {
	return &Keyring{
		custodial: make(map[common.Address]Signer),
		delegates: make(map[common.Address]Signer),
	}
}

// SetGuard 设置委托校验器。
func (k *Keyring) SetGuard(guard DelegationGuard) {
	k.mu.Lock()
	k.guard = guard
	k.mu.Unlock()
}

// AddCustodial 注册一把托管私钥，用于交互式执行的服务端签名。
func (k *Keyring) AddCustodial(s Signer) {
	if s == nil {
		return
	}
	k.mu.Lock()
	k.custodial[s.Address()] = s
	k.mu.Unlock()
}

// AddDelegate 注册一把委托会话密钥。
func (k *Keyring) AddDelegate(s Signer) {
	if s == nil {
		return
	}
	k.mu.Lock()
	k.delegates[s.Address()] = s
	k.mu.Unlock()
}

// Resolve 实现 SignerResolver。
func (k *Keyring) Resolve(ctx context.Context, authority strategy.SigningAuthority) (Signer, error) {
	if err := authority.Validate(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(authority.Address) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的签名地址: %s", authority.Address)
	}
	addr := common.HexToAddress(authority.Address)

	k.mu.RLock()
	guard := k.guard
	custodial, hasCustodial := k.custodial[addr]
	delegate, hasDelegate := k.delegates[addr]
	k.mu.RUnlock()

	if !authority.Delegated() {
		if !hasCustodial {
			return nil, xerrors.Newf(CodeSignerUnavailable, "地址 %s 没有托管密钥，需要用户预签名", addr.Hex())
		}
		return custodial, nil
	}
	if !hasDelegate {
		return nil, xerrors.Newf(CodeSignerUnavailable, "地址 %s 没有委托会话密钥", addr.Hex())
	}
	if guard == nil {
		return nil, xerrors.New(CodeDelegationInvalid, "未配置委托校验器")
	}
	if err := guard.VerifyDelegation(ctx, authority.DelegationID); err != nil {
		return nil, err
	}
	return &guardedSigner{Signer: delegate, guard: guard, delegationID: authority.DelegationID}, nil
}

// guardedSigner 在签名前再次确认委托未被撤销或过期。
type guardedSigner struct {
	Signer
	guard        DelegationGuard
	delegationID string
}

func (g *guardedSigner) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if err := g.guard.VerifyDelegation(ctx, g.delegationID); err != nil {
		logger.Audit().Warn("委托在签名前失效",
			slog.String("delegation_id", g.delegationID),
			slog.String("address", g.Address().Hex()),
			slog.Any("error", err),
		)
		return nil, err
	}
	return g.Signer.SignTx(ctx, chainID, tx)
}

func (g *guardedSigner) SignBatch(ctx context.Context, chainID *big.Int, txs []*types.Transaction) ([]*types.Transaction, error) {
	batch, ok := g.Signer.(BatchSigner)
	if !ok {
		return nil, ErrBatchUnsupported
	}
	if err := g.guard.VerifyDelegation(ctx, g.delegationID); err != nil {
		return nil, err
	}
	return batch.SignBatch(ctx, chainID, txs)
}

// Addresses 返回已注册的全部地址，便于启动日志。
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.custodial)+len(k.delegates))
	for addr := range k.custodial {
		out = append(out, strings.ToLower(addr.Hex()))
	}
	for addr := range k.delegates {
		out = append(out, strings.ToLower(addr.Hex()))
	}
	return out
}
