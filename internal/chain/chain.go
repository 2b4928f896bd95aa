package chain

import (
	"context"
	"regexp"
	"time"
)

// Verification is the payment oracle's answer for one transaction hash.
// A false Verified with a populated Error is a defined outcome, not a failure:
// transport-level failures are returned as errors instead.
type Verification struct {
	Verified    bool      `json:"verified"`
	Network     string    `json:"network,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	BlockNumber int64     `json:"blockNumber,omitempty"`
	VerifiedAt  time.Time `json:"verifiedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type Client interface {
	VerifyTransaction(ctx context.Context, txHash string) (Verification, error)
}

// txHashPattern matches a 32-byte EVM transaction hash with 0x prefix.
var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidHash reports whether txHash has the required shape. Callers must check
// this before hitting the oracle; a malformed hash never leaves the process.
func ValidHash(txHash string) bool {
	return txHashPattern.MatchString(txHash)
}

// StaticClient returns canned verifications keyed by hash, for tests and
// offline development. Unknown hashes verify as not found.
type StaticClient struct {
	Network string
	Results map[string]Verification
}

func NewStaticClient(network string) *StaticClient {
	return &StaticClient{Network: network, Results: map[string]Verification{}}
}

func (c *StaticClient) VerifyTransaction(ctx context.Context, txHash string) (Verification, error) {
	if v, ok := c.Results[txHash]; ok {
		return v, nil
	}
	return Verification{
		Verified: false,
		TxHash:   txHash,
		Error:    "transaction not found on " + c.Network,
	}, nil
}
