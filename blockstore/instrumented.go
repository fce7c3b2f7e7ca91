package blockstore

import (
	"context"
	"errors"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/wolfeidau/blockvault/telemetry"
)

// Instrumented wraps a Blockstore with metrics recording.
type Instrumented struct {
	store Blockstore
	name  string
}

// NewInstrumented creates a new instrumented blockstore wrapper.
func NewInstrumented(bs Blockstore, name string) *Instrumented {
	return &Instrumented{store: bs, name: name}
}

func (ib *Instrumented) Put(ctx context.Context, c cid.Cid, data []byte) error {
	start := time.Now()
	err := ib.store.Put(ctx, c, data)
	telemetry.RecordStoreOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (ib *Instrumented) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	start := time.Now()
	data, err := ib.store.Get(ctx, c)
	telemetry.RecordStoreOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (ib *Instrumented) Has(ctx context.Context, c cid.Cid) (bool, error) {
	start := time.Now()
	ok, err := ib.store.Has(ctx, c)
	telemetry.RecordStoreOp(ctx, ib.name, "has", outcomeFromError(err), time.Since(start), 0)
	return ok, err
}

func (ib *Instrumented) DeleteBlock(ctx context.Context, c cid.Cid) error {
	start := time.Now()
	err := ib.store.DeleteBlock(ctx, c)
	telemetry.RecordStoreOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	start := time.Now()
	ch, err := ib.store.AllKeysChan(ctx)
	telemetry.RecordStoreOp(ctx, ib.name, "all_keys", outcomeFromError(err), time.Since(start), 0)
	return ch, err
}

// Unwrap returns the underlying blockstore.
func (ib *Instrumented) Unwrap() Blockstore {
	return ib.store
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface check
var _ Blockstore = (*Instrumented)(nil)
