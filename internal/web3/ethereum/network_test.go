package ethereum

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"VaultPilot/internal/wallet"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type simulatedChain struct {
	backend *simulated.Backend
	network *Network
	signer  *LocalSigner
}

func newSimulatedChain(t *testing.T) *simulatedChain {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewLocalSignerFromKey(key)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		signer.Address(): {Balance: ether(100)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	network := NewWithBackend(Config{Name: "simulated", RateLimit: 1000, RateBurst: 100}, backend.Client())
	return &simulatedChain{backend: backend, network: network, signer: signer}
}

func transferTx(from common.Address, amount *big.Int) *wallet.UnsignedTx {
	return &wallet.UnsignedTx{
		ID:       "tx-1",
		Strategy: "transfer",
		Network:  "simulated",
		From:     from.Hex(),
		To:       common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex(),
		Value:    (*hexutil.Big)(amount),
		GasLimit: 21000,
	}
}

func TestNetworkSimulateSignSubmitConfirm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chain := newSimulatedChain(t)

	tx := transferTx(chain.signer.Address(), ether(1))
	sim, err := chain.network.Simulate(ctx, tx)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if sim.Failed() {
		t.Fatalf("unexpected simulation failure: %s", sim.Error)
	}
	if sim.ComputeUnits != 21000 || sim.GasLimit < 21000 {
		t.Fatalf("unexpected gas figures: %+v", sim)
	}
	if !sim.Fee.IsPositive() {
		t.Fatalf("expected positive fee, got %s", sim.Fee)
	}

	prepared, err := chain.network.Prepare(ctx, tx, sim)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	chainID, err := chain.network.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	signed, err := chain.signer.SignTx(ctx, chainID, prepared)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := chain.network.Submit(ctx, &wallet.SignedTx{Raw: raw, Hash: signed.Hash().Hex()}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending, err := chain.network.Status(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("status before mining: %v", err)
	}
	if pending.Found {
		t.Fatal("transaction should not be mined before commit")
	}

	chain.backend.Commit()
	status, err := chain.network.Status(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Found || !status.Confirmed || status.Failed {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !status.FeePaid.IsPositive() {
		t.Fatalf("expected fee paid, got %s", status.FeePaid)
	}

	snapshot, err := chain.network.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) || snapshot.BlockNumber == "0x0" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestNetworkSimulateReportsFailureInResult(t *testing.T) {
	ctx := context.Background()
	chain := newSimulatedChain(t)

	unfunded := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	sim, err := chain.network.Simulate(ctx, transferTx(unfunded, ether(5)))
	if err != nil {
		t.Fatalf("simulation failure must not be a Go error: %v", err)
	}
	if !sim.Failed() {
		t.Fatal("expected simulation failure for unfunded sender")
	}
	if _, err := chain.network.Prepare(ctx, transferTx(unfunded, ether(5)), sim); err == nil {
		t.Fatal("prepare must reject a failed simulation")
	}
}

func TestNetworkSubmitBatchSequentialFallback(t *testing.T) {
	ctx := context.Background()
	chain := newSimulatedChain(t)
	chainID, err := chain.network.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	nonce, err := chain.network.PendingNonce(ctx, chain.signer.Address())
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}

	var prepared []*coretypes.Transaction
	for i := 0; i < 2; i++ {
		tx := transferTx(chain.signer.Address(), big.NewInt(1000))
		n := nonce + uint64(i)
		tx.Nonce = &n
		sim, err := chain.network.Simulate(ctx, tx)
		if err != nil || sim.Failed() {
			t.Fatalf("simulate %d: %v %+v", i, err, sim)
		}
		p, err := chain.network.Prepare(ctx, tx, sim)
		if err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
		prepared = append(prepared, p)
	}
	signedTxs, err := chain.signer.SignBatch(ctx, chainID, prepared)
	if err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	batch := make([]*wallet.SignedTx, 0, len(signedTxs))
	for _, stx := range signedTxs {
		raw, err := stx.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		batch = append(batch, &wallet.SignedTx{Raw: raw, Hash: stx.Hash().Hex()})
	}
	if err := chain.network.SubmitBatch(ctx, batch); err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	chain.backend.Commit()
	for _, stx := range batch {
		status, err := chain.network.Status(ctx, stx.Hash)
		if err != nil || !status.Confirmed {
			t.Fatalf("batch tx %s not confirmed: %+v %v", stx.Hash, status, err)
		}
	}
}

func TestLoadKeyDir(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(filepath.Join(dir, "session.key"), []byte(encoded+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	signers, err := LoadKeyDir(dir)
	if err != nil {
		t.Fatalf("load key dir: %v", err)
	}
	if len(signers) != 1 || signers[0].Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected signers: %+v", signers)
	}

	missing, err := LoadKeyDir(filepath.Join(dir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir should yield no signers: %v %v", missing, err)
	}
}

func TestNewLocalSignerRequiresSource(t *testing.T) {
	if _, err := NewLocalSigner(KeyConfig{}); err == nil {
		t.Fatal("expected error without key source")
	}
	if _, err := NewLocalSigner(KeyConfig{KeystorePath: "/tmp/ks.json"}); err == nil {
		t.Fatal("expected error without keystore password")
	}
}
