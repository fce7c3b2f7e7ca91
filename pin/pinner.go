// Package pin tracks which blocks are explicitly kept alive and exposes
// the pinned set to the garbage collector.
package pin

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrNotPinned is returned when unpinning an identifier that is not a
// pin root.
var ErrNotPinned = errors.New("not pinned")

// StreamedCid is one identifier from a streaming listing. Err is set when
// the listing fails; no further items follow an error.
type StreamedCid struct {
	C   cid.Cid
	Err error
}

// Pinner manages explicit pins. Pins are either direct (the block alone)
// or recursive (the block and everything reachable from it).
type Pinner interface {
	// Pin marks an identifier as a pin root. The block must already be
	// present in the store.
	Pin(ctx context.Context, c cid.Cid, recursive bool) error

	// Unpin removes a pin root. Returns ErrNotPinned if the identifier
	// is not pinned.
	Unpin(ctx context.Context, c cid.Cid) error

	// IsPinned reports whether the identifier is a pin root.
	IsPinned(ctx context.Context, c cid.Cid) (bool, error)

	// DirectKeys returns the direct pin roots.
	DirectKeys(ctx context.Context) ([]cid.Cid, error)

	// RecursiveKeys returns the recursive pin roots.
	RecursiveKeys(ctx context.Context) ([]cid.Cid, error)

	// Keys streams every pinned identifier: all pin roots plus the full
	// reachable closure of each recursive root. The channel closes when
	// the listing finishes, fails, or ctx is cancelled.
	Keys(ctx context.Context) <-chan StreamedCid

	// InternalBlocks returns identifiers of blocks the pinner itself
	// stores its bookkeeping in. These must survive garbage collection.
	InternalBlocks(ctx context.Context) ([]cid.Cid, error)

	// Flush persists the current pin sets as a snapshot block.
	Flush(ctx context.Context) error
}
