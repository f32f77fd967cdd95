package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// TransferRecord captures the on-chain facts about a single value transfer.
// Confirmed is true only when the transaction is mined and its receipt
// reports success; a pending or failed transaction is never confirmed.
type TransferRecord struct {
	Hash      string
	From      string
	To        string
	Value     *big.Int
	Confirmed bool
}

// Client defines the narrow chain capability the commerce layer relies on:
// read a transfer back by hash and move custodial funds out of escrow.
// Implementations must treat every ambiguous outcome as an error rather
// than reporting a transfer that may not exist.
type Client interface {
	TransferByHash(ctx context.Context, txHash string) (*TransferRecord, error)
	SendTransfer(ctx context.Context, to string, amount *big.Int) (string, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
