package web3

import "context"

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Inspector is implemented by networks that can report a snapshot.
type Inspector interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
}
