// Package blockstore provides content-addressed block storage for the
// repository, plus the GC coordination lock shared by everything that
// mutates it.
package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned when a block does not exist in the store.
var ErrNotFound = errors.New("block not found")

// Blockstore stores immutable blocks keyed by their content identifier.
// Implementations must be safe for concurrent use.
type Blockstore interface {
	// Put stores a block under its identifier.
	// Storing an already-present block is a no-op.
	Put(ctx context.Context, c cid.Cid, data []byte) error

	// Get retrieves a block's payload.
	// Returns ErrNotFound if the block does not exist.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)

	// Has checks whether a block exists.
	Has(ctx context.Context, c cid.Cid) (bool, error)

	// DeleteBlock removes a block.
	// Returns nil if the block does not exist (idempotent).
	DeleteBlock(ctx context.Context, c cid.Cid) error

	// AllKeysChan returns a channel of every identifier in the store,
	// keys only, enumerated fresh on each call. The channel is closed
	// when enumeration finishes or ctx is cancelled.
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
}

// GCBlockstore pairs a Blockstore with the repository GC lock.
type GCBlockstore interface {
	Blockstore
	GCLocker
}

type gcBlockstore struct {
	Blockstore
	GCLocker
}

// NewGCBlockstore combines a blockstore with a GC locker.
func NewGCBlockstore(bs Blockstore, locker GCLocker) GCBlockstore {
	return &gcBlockstore{Blockstore: bs, GCLocker: locker}
}
