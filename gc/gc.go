// Package gc provides mark-and-sweep garbage collection for the block
// repository: blocks not reachable from a pin, the pinner's own
// bookkeeping, or the files root are removed.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/semaphore"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/pin"
	"github.com/wolfeidau/blockvault/rootstore"
)

// MaxConcurrentDeletes caps how many delete operations may be in flight
// during the sweep phase.
const MaxConcurrentDeletes = 256

// Result reports one failed sweep operation: Key is the block the sweep
// could not process and Err the wrapped cause. Successful removals are
// counted in Stats, not emitted.
type Result struct {
	Key cid.Cid
	Err error
}

// Stats summarises a completed run.
type Stats struct {
	MarkSetSize   int
	BlocksScanned int64
	BlocksRemoved int64
	Errors        int64
	Elapsed       time.Duration
}

type runner struct {
	logger    *slog.Logger
	statsFunc func(Stats)
}

// RunOption configures a single GC run.
type RunOption func(*runner)

// WithRunLogger sets the logger for the run.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(r *runner) {
		r.logger = logger
	}
}

// WithStats registers a callback invoked once with the run's final stats,
// after the sweep finishes and before the result channel closes.
func WithStats(fn func(Stats)) RunOption {
	return func(r *runner) {
		r.statsFunc = fn
	}
}

// Run performs one garbage collection pass.
//
// It acquires the repository GC lock (waiting out any in-flight writers or
// GC run), builds the marked set from the pinner and the files root, and
// sweeps the blockstore, deleting every unmarked block with at most
// MaxConcurrentDeletes deletes in flight.
//
// Any failure before the sweep starts (lock acquisition, mark-set
// construction, key enumeration) releases the lock and is returned here;
// no deletions happen. Per-block sweep failures never abort the run: they
// are emitted on the returned channel and the sweep continues. The lock is
// released on every exit path, before the channel closes.
func Run(ctx context.Context, bs blockstore.GCBlockstore, pins pin.Pinner, roots rootstore.Getter, opts ...RunOption) (<-chan Result, error) {
	r := &runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	unlocker, err := bs.GCLock(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	set, err := buildMarkSet(ctx, bs, pins, roots)
	if err != nil {
		unlocker.Unlock()
		return nil, fmt.Errorf("building marked set: %w", err)
	}

	keys, err := bs.AllKeysChan(ctx)
	if err != nil {
		unlocker.Unlock()
		return nil, fmt.Errorf("enumerating blockstore: %w", err)
	}

	out := make(chan Result, 128)

	go func() {
		defer close(out)
		defer unlocker.Unlock()

		stats := r.sweep(ctx, out, bs, set, keys)
		stats.MarkSetSize = set.Len()
		stats.Elapsed = time.Since(start)

		r.logger.Info("gc sweep completed",
			"elapsed", stats.Elapsed,
			"marked", stats.MarkSetSize,
			"scanned", stats.BlocksScanned,
			"removed", stats.BlocksRemoved,
			"errors", stats.Errors,
		)

		if r.statsFunc != nil {
			r.statsFunc(stats)
		}
	}()

	return out, nil
}

// sweep walks the key enumeration and deletes unmarked blocks. Deletes run
// concurrently, gated by a weighted semaphore so no more than
// MaxConcurrentDeletes are outstanding at once.
func (r *runner) sweep(ctx context.Context, out chan<- Result, bs blockstore.Blockstore, set *markSet, keys <-chan cid.Cid) Stats {
	var (
		scanned atomic.Int64
		removed atomic.Int64
		errs    atomic.Int64
	)

	emit := func(res Result) {
		errs.Add(1)
		select {
		case out <- res:
		case <-ctx.Done():
		}
	}

	sem := semaphore.NewWeighted(MaxConcurrentDeletes)
	var wg sync.WaitGroup

	for c := range keys {
		scanned.Add(1)

		key, err := blockvault.Key(c)
		if err != nil {
			emit(Result{Key: c, Err: fmt.Errorf("deriving key for %s: %w", c, err)})
			continue
		}
		if set.Has(key) {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-sweep; the lock still gets released.
			break
		}
		wg.Add(1)
		go func(c cid.Cid) {
			defer wg.Done()
			defer sem.Release(1)

			if err := bs.DeleteBlock(ctx, c); err != nil {
				emit(Result{Key: c, Err: fmt.Errorf("could not remove %s: %w", c, err)})
				return
			}
			removed.Add(1)
			r.logger.Debug("removed block", "cid", c.String())
		}(c)
	}

	wg.Wait()

	return Stats{
		BlocksScanned: scanned.Load(),
		BlocksRemoved: removed.Load(),
		Errors:        errs.Load(),
	}
}
