package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"VaultPilot/internal/wallet"
)

// KeyConfig selects where a private key is read from. The first non-empty
// source wins: hex key, key file, keystore.
type KeyConfig struct {
	PrivateKeyHex    string
	PrivateKeyFile   string
	KeystorePath     string
	KeystorePassword string
}

// Empty reports whether no key source is configured.
func (c KeyConfig) Empty() bool {
	return strings.TrimSpace(c.PrivateKeyHex) == "" &&
		strings.TrimSpace(c.PrivateKeyFile) == "" &&
		strings.TrimSpace(c.KeystorePath) == ""
}

// LocalSigner signs transactions with an in-process ECDSA key.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalSigner loads a key from cfg.
func NewLocalSigner(cfg KeyConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewLocalSignerFromKey(pk), nil
}

// NewLocalSignerFromKey wraps an already parsed key.
func NewLocalSignerFromKey(pk *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the signer address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID.
func (s *LocalSigner) SignTx(_ context.Context, chainID *big.Int, tx *coretypes.Transaction) (*coretypes.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.privateKey)
}

// SignBatch signs every transaction in order; nothing is returned if any fails.
func (s *LocalSigner) SignBatch(ctx context.Context, chainID *big.Int, txs []*coretypes.Transaction) ([]*coretypes.Transaction, error) {
	out := make([]*coretypes.Transaction, 0, len(txs))
	for i, tx := range txs {
		signed, err := s.SignTx(ctx, chainID, tx)
		if err != nil {
			return nil, fmt.Errorf("sign transaction %d: %w", i, err)
		}
		out = append(out, signed)
	}
	return out, nil
}

// LoadKeyDir loads every *.key file (hex encoded private key) in dir. A
// missing directory yields no signers.
func LoadKeyDir(dir string) ([]*LocalSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.key"))
	if err != nil {
		return nil, fmt.Errorf("list key dir: %w", err)
	}
	sort.Strings(matches)
	signers := make([]*LocalSigner, 0, len(matches))
	for _, path := range matches {
		signer, err := NewLocalSigner(KeyConfig{PrivateKeyFile: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func loadPrivateKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return parseHexKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		if strings.TrimSpace(cfg.KeystorePassword) == "" {
			return nil, errors.New("keystore password is required")
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(buf, cfg.KeystorePassword)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	return nil, errors.New("missing signing key")
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

var _ wallet.BatchSigner = (*LocalSigner)(nil)
