// Package chain holds the per-network dispatch machinery: connections and
// their nonce counters, the registry that brings them up, and the builder and
// submitter that turn a drip recipe into signed, broadcast transactions.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/brojonat/dripper/service/address"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/metrics"
)

// ErrSubmissionFailed marks a signing or broadcast failure on one chain.
var ErrSubmissionFailed = errors.New("submission failed")

// TransferOp is one unsigned transfer scoped to a single chain.
type TransferOp struct {
	Network  string
	Asset    config.AssetKind
	AssetID  string
	Dest     address.Native
	Amount   *big.Int
	GasLimit uint64
}

// SignedTx is a serialized transaction bound to one nonce, ready for broadcast.
type SignedTx struct {
	Nonce uint64
	Hash  string
	Raw   []byte
}

// Backend is the RPC capability of one chain endpoint, already bound to the
// funding identity's key for that chain.
type Backend interface {
	// NextNonce queries the chain's authoritative next nonce for the funding account.
	NextNonce(ctx context.Context) (uint64, error)

	// Sign builds one transaction carrying ops and signs it with nonce.
	// Multiple ops are only passed when the recipe is batched.
	Sign(ctx context.Context, ops []TransferOp, nonce uint64) (SignedTx, error)

	// Broadcast submits tx and returns once the node has accepted it.
	Broadcast(ctx context.Context, tx SignedTx) (string, error)

	// Ping checks the transport is still alive.
	Ping(ctx context.Context) error

	Close()
}

// Dialer opens a Backend for an endpoint.
type Dialer func(ctx context.Context, endpoint config.Chain) (Backend, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a dial error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Instrument times an RPC call and records it against the network.
func Instrument(m *metrics.Metrics, network, method string, call func() error) error {
	start := time.Now()
	err := call()
	if m != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.RecordRPCCall(network, method, status, time.Since(start).Seconds())
	}
	return err
}
