package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/strategy"
)

const recipient = "0x00000000000000000000000000000000000000aa"

type fakeNetwork struct {
	mu        sync.Mutex
	chainID   *big.Int
	sim       *SimResult
	simCalls  int
	submitErr error
	submitted []*SignedTx
	status    *TxStatus
	nonce     uint64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		chainID: big.NewInt(1337),
		sim: &SimResult{
			ComputeUnits:         21000,
			GasLimit:             25200,
			UnitPrice:            (*hexutil.Big)(big.NewInt(2_000_000_000)),
			MaxFeePerGas:         (*hexutil.Big)(big.NewInt(4_000_000_000)),
			MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1_000_000_000)),
			Fee:                  decimal.RequireFromString("0.000042"),
		},
		status: &TxStatus{Found: true, Confirmed: true, BlockNumber: 7, FeePaid: decimal.RequireFromString("0.000042")},
	}
}

func (n *fakeNetwork) Name() string { return "testnet" }

func (n *fakeNetwork) ChainID(context.Context) (*big.Int, error) { return n.chainID, nil }

func (n *fakeNetwork) PendingNonce(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *fakeNetwork) Simulate(context.Context, *UnsignedTx) (*SimResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.simCalls++
	copied := *n.sim
	return &copied, nil
}

func (n *fakeNetwork) Prepare(_ context.Context, tx *UnsignedTx, sim *SimResult) (*types.Transaction, error) {
	nonce := n.nonce
	if tx.Nonce != nil {
		nonce = *tx.Nonce
	}
	to := common.HexToAddress(tx.To)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   n.chainID,
		Nonce:     nonce,
		GasTipCap: sim.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: sim.MaxFeePerGas.ToInt(),
		Gas:       sim.GasLimit,
		To:        &to,
		Value:     tx.ValueInt(),
		Data:      tx.Data,
	}), nil
}

func (n *fakeNetwork) Submit(_ context.Context, signed *SignedTx) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.submitErr != nil {
		return n.submitErr
	}
	n.submitted = append(n.submitted, signed)
	return nil
}

func (n *fakeNetwork) Status(context.Context, string) (*TxStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	copied := *n.status
	return &copied, nil
}

func (n *fakeNetwork) submittedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submitted)
}

type singleNetwork struct{ network Network }

func (s singleNetwork) Network(name string) (Network, error) {
	if name != "" && name != s.network.Name() {
		return nil, fmt.Errorf("unknown network %s", name)
	}
	return s.network, nil
}

type keySigner struct{ key *ecdsa.PrivateKey }

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *keySigner) SignTx(_ context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type batchKeySigner struct{ *keySigner }

func (s batchKeySigner) SignBatch(ctx context.Context, chainID *big.Int, txs []*types.Transaction) ([]*types.Transaction, error) {
	out := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		signed, err := s.SignTx(ctx, chainID, tx)
		if err != nil {
			return nil, err
		}
		out = append(out, signed)
	}
	return out, nil
}

type stubGuard struct {
	mu  sync.Mutex
	err error
}

func (g *stubGuard) VerifyDelegation(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type fixture struct {
	network   *fakeNetwork
	keyring   *Keyring
	approvals *approval.Registry
	executor  *Executor
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		network:   newFakeNetwork(),
		keyring:   NewKeyring(),
		approvals: approval.NewRegistry(approval.NewMemoryStore()),
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	executor, err := NewExecutor(Options{
		Strategies:          strategy.NewRegistry(&strategy.Transfer{Network: "testnet"}),
		Networks:            singleNetwork{network: f.network},
		Signers:             f.keyring,
		Approvals:           f.approvals,
		ConfirmationTimeout: 200 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		Clock:               func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	f.executor = executor
	return f
}

func (f *fixture) build(t *testing.T, authority strategy.SigningAuthority) *UnsignedTx {
	t.Helper()
	handler := &strategy.Transfer{Network: "testnet"}
	plan, err := handler.Quote(context.Background(), strategy.Input{"amount": "0.5", "to": recipient})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	tx, err := f.executor.BuildTransaction(context.Background(), plan, authority)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return tx
}

func (f *fixture) approved(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	a, err := f.executor.CreateApprovalRequest(ctx, ApprovalRequest{ExecutionID: "exec-1", Description: "send 0.5 ETH", Fee: decimal.RequireFromString("0.000042"), Risk: approval.RiskLow})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if _, err := f.approvals.Resolve(ctx, a.ID, true, ""); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	return a.ID
}

func interactive(addr common.Address) strategy.SigningAuthority {
	return strategy.SigningAuthority{Kind: strategy.AuthorityInteractive, Address: addr.Hex()}
}

func TestBuildTransactionUsesStrategyBuilder(t *testing.T) {
	f := newFixture(t)
	signer := newKeySigner(t)
	tx := f.build(t, interactive(signer.Address()))
	if tx.From != signer.Address().Hex() || tx.To != common.HexToAddress(recipient).Hex() {
		t.Fatalf("unexpected addresses: %+v", tx)
	}
	wantWei, _ := new(big.Int).SetString("500000000000000000", 10)
	if tx.ValueInt().Cmp(wantWei) != 0 || tx.Network != "testnet" {
		t.Fatalf("unexpected tx: %+v", tx)
	}

	_, err := f.executor.BuildTransaction(context.Background(), &strategy.Plan{Strategy: "swap"}, interactive(signer.Address()))
	if !xerrors.HasCode(err, strategy.CodeUnsupportedStrategy) {
		t.Fatalf("expected unsupported strategy, got %v", err)
	}
}

func TestEstimateFeeIsCachedPerShape(t *testing.T) {
	f := newFixture(t)
	signer := newKeySigner(t)
	ctx := context.Background()
	tx := f.build(t, interactive(signer.Address()))

	for i := 0; i < 3; i++ {
		fee, err := f.executor.EstimateFee(ctx, tx)
		if err != nil {
			t.Fatalf("estimate: %v", err)
		}
		if !fee.Equal(decimal.RequireFromString("0.000042")) {
			t.Fatalf("unexpected fee %s", fee)
		}
	}
	if f.network.simCalls != 1 {
		t.Fatalf("expected one simulation, got %d", f.network.simCalls)
	}

	f.now = f.now.Add(31 * time.Second)
	if _, err := f.executor.EstimateFee(ctx, tx); err != nil {
		t.Fatalf("estimate after expiry: %v", err)
	}
	if f.network.simCalls != 2 {
		t.Fatalf("expected cache expiry to re-simulate, got %d calls", f.network.simCalls)
	}
}

func TestEstimateFeeReportsSimulationFailure(t *testing.T) {
	f := newFixture(t)
	f.network.sim = &SimResult{Error: "execution reverted"}
	tx := f.build(t, interactive(newKeySigner(t).Address()))
	if _, err := f.executor.EstimateFee(context.Background(), tx); !xerrors.HasCode(err, CodeSimulationFailed) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
}

func TestSignAndSendConsumesApprovalOnce(t *testing.T) {
	f := newFixture(t)
	signer := newKeySigner(t)
	f.keyring.AddCustodial(signer)
	ctx := context.Background()
	tx := f.build(t, interactive(signer.Address()))
	approvalID := f.approved(t)

	result, err := f.executor.SignAndSend(ctx, tx, SignOptions{Authority: interactive(signer.Address()), ApprovalID: approvalID})
	if err != nil {
		t.Fatalf("sign and send: %v", err)
	}
	if !result.Confirmed || result.Signature == "" || result.Failed() {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.BlockNumber != 7 || !result.Fee.Equal(decimal.RequireFromString("0.000042")) {
		t.Fatalf("unexpected confirmation details: %+v", result)
	}

	_, err = f.executor.SignAndSend(ctx, tx, SignOptions{Authority: interactive(signer.Address()), ApprovalID: approvalID})
	if !xerrors.HasCode(err, approval.CodeAlreadyConsumed) {
		t.Fatalf("second signing must be refused, got %v", err)
	}
	if f.network.submittedCount() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.network.submittedCount())
	}
}

func TestSignAndSendRequiresGrantedApproval(t *testing.T) {
	f := newFixture(t)
	signer := newKeySigner(t)
	f.keyring.AddCustodial(signer)
	ctx := context.Background()
	tx := f.build(t, interactive(signer.Address()))

	if _, err := f.executor.SignAndSend(ctx, tx, SignOptions{Authority: interactive(signer.Address())}); !xerrors.HasCode(err, approval.CodeNotGranted) {
		t.Fatalf("expected not granted without approval id, got %v", err)
	}
	a, err := f.executor.CreateApprovalRequest(ctx, ApprovalRequest{ExecutionID: "exec-2"})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if _, err := f.executor.SignAndSend(ctx, tx, SignOptions{Authority: interactive(signer.Address()), ApprovalID: a.ID}); !xerrors.HasCode(err, approval.CodeNotGranted) {
		t.Fatalf("expected not granted for pending approval, got %v", err)
	}
	if f.network.submittedCount() != 0 {
		t.Fatal("nothing may be submitted without consent")
	}
}

func TestSignAndSendReportsChainOutcomesInResult(t *testing.T) {
	cases := map[string]struct {
		mutate func(*fakeNetwork)
		code   xerrors.Code
	}{
		"reverted": {
			mutate: func(n *fakeNetwork) { n.status = &TxStatus{Found: true, Failed: true, Error: "reverted"} },
			code:   CodeTransactionReverted,
		},
		"timeout": {
			mutate: func(n *fakeNetwork) { n.status = &TxStatus{} },
			code:   CodeConfirmationTimeout,
		},
		"submission": {
			mutate: func(n *fakeNetwork) { n.submitErr = fmt.Errorf("nonce too low") },
			code:   CodeSubmissionFailed,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			signer := newKeySigner(t)
			f.keyring.AddCustodial(signer)
			tc.mutate(f.network)
			tx := f.build(t, interactive(signer.Address()))

			result, err := f.executor.SignAndSend(context.Background(), tx, SignOptions{Authority: interactive(signer.Address()), ApprovalID: f.approved(t)})
			if err != nil {
				t.Fatalf("chain outcome must not be a Go error: %v", err)
			}
			if result.ErrorCode != tc.code || result.Confirmed {
				t.Fatalf("unexpected result: %+v", result)
			}
			if result.Signature == "" {
				t.Fatal("signature should be reported even on failure")
			}
		})
	}
}

func TestDelegatedSigningChecksDelegation(t *testing.T) {
	f := newFixture(t)
	session := newKeySigner(t)
	guard := &stubGuard{}
	f.keyring.AddDelegate(session)
	f.keyring.SetGuard(guard)
	ctx := context.Background()
	authority := strategy.SigningAuthority{Kind: strategy.AuthorityDelegated, Address: session.Address().Hex(), DelegationID: "order-1"}
	tx := f.build(t, authority)

	result, err := f.executor.SignAndSend(ctx, tx, SignOptions{Authority: authority})
	if err != nil || !result.Confirmed {
		t.Fatalf("delegated send should not need an approval: %+v %v", result, err)
	}

	guard.mu.Lock()
	guard.err = xerrors.New(CodeDelegationInvalid, "delegation revoked")
	guard.mu.Unlock()
	if _, err := f.executor.SignAndSend(ctx, tx, SignOptions{Authority: authority}); !xerrors.HasCode(err, CodeDelegationInvalid) {
		t.Fatalf("expected delegation invalid, got %v", err)
	}
	if f.network.submittedCount() != 1 {
		t.Fatalf("revoked delegation must not submit, got %d submissions", f.network.submittedCount())
	}
}

func TestPresignedTransactionIsVerified(t *testing.T) {
	f := newFixture(t)
	user := newKeySigner(t)
	ctx := context.Background()
	tx := f.build(t, interactive(user.Address()))

	sign := func(value *big.Int) hexutil.Bytes {
		to := common.HexToAddress(tx.To)
		raw := types.NewTx(&types.DynamicFeeTx{ChainID: f.network.chainID, Gas: 21000, To: &to, Value: value, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)})
		signed, err := user.SignTx(ctx, f.network.chainID, raw)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		encoded, err := signed.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return encoded
	}

	_, err := f.executor.Send(ctx, tx, SignOptions{Authority: interactive(user.Address()), ApprovalID: f.approved(t), Presigned: sign(big.NewInt(1))})
	if !xerrors.HasCode(err, CodePresignedMismatch) {
		t.Fatalf("expected mismatch for tampered value, got %v", err)
	}

	result, err := f.executor.Send(ctx, tx, SignOptions{Authority: interactive(user.Address()), ApprovalID: f.approved(t), Presigned: sign(tx.ValueInt())})
	if err != nil || !result.Submitted {
		t.Fatalf("presigned send failed: %+v %v", result, err)
	}
}

func TestSignBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := newKeySigner(t)
	f.keyring.AddCustodial(plain)
	txs := []*UnsignedTx{f.build(t, interactive(plain.Address())), f.build(t, interactive(plain.Address()))}
	if _, err := f.executor.SignBatch(ctx, txs, interactive(plain.Address())); !xerrors.HasCode(err, CodeBatchUnsupported) {
		t.Fatalf("expected batch unsupported, got %v", err)
	}

	batcher := batchKeySigner{newKeySigner(t)}
	f.keyring.AddCustodial(batcher)
	f.network.nonce = 4
	txs = []*UnsignedTx{f.build(t, interactive(batcher.Address())), f.build(t, interactive(batcher.Address()))}
	signed, err := f.executor.SignBatch(ctx, txs, interactive(batcher.Address()))
	if err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	if len(signed) != 2 {
		t.Fatalf("expected two signed txs, got %d", len(signed))
	}
	for i, stx := range signed {
		var decoded types.Transaction
		if err := decoded.UnmarshalBinary(stx.Raw); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Nonce() != uint64(4+i) {
			t.Fatalf("tx %d has nonce %d", i, decoded.Nonce())
		}
	}
	if err := f.executor.SubmitBatch(ctx, "testnet", signed); err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if f.network.submittedCount() != 2 {
		t.Fatalf("expected two submissions, got %d", f.network.submittedCount())
	}
}
