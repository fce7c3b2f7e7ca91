package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/dag"
	"github.com/wolfeidau/blockvault/pin"
	"github.com/wolfeidau/blockvault/rootstore"
)

// markSet holds the keys of every live block. Insert is safe for
// concurrent use; Has and Len must only be called once all inserts are
// done.
type markSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMarkSet() *markSet {
	return &markSet{keys: make(map[string]struct{})}
}

func (s *markSet) Insert(key string) {
	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()
}

func (s *markSet) InsertCid(c cid.Cid) error {
	key, err := blockvault.Key(c)
	if err != nil {
		return err
	}
	s.Insert(key)
	return nil
}

func (s *markSet) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *markSet) Len() int {
	return len(s.keys)
}

// buildMarkSet assembles the live set from three sources concurrently:
// the pinned closure, the pinner's internal bookkeeping blocks, and the
// files root with everything reachable from it. The first source to fail
// cancels the others and aborts the build.
func buildMarkSet(ctx context.Context, bs blockstore.Blockstore, pins pin.Pinner, roots rootstore.Getter) (*markSet, error) {
	set := newMarkSet()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return markPinned(ctx, set, pins)
	})
	g.Go(func() error {
		return markInternal(ctx, set, pins)
	})
	g.Go(func() error {
		return markFilesRoot(ctx, set, bs, roots)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

func markPinned(ctx context.Context, set *markSet, pins pin.Pinner) error {
	for sc := range pins.Keys(ctx) {
		if sc.Err != nil {
			return fmt.Errorf("streaming pinned set: %w", sc.Err)
		}
		if err := set.InsertCid(sc.C); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func markInternal(ctx context.Context, set *markSet, pins pin.Pinner) error {
	internal, err := pins.InternalBlocks(ctx)
	if err != nil {
		return fmt.Errorf("listing pinner internal blocks: %w", err)
	}
	for _, c := range internal {
		if err := set.InsertCid(c); err != nil {
			return err
		}
	}
	return nil
}

// markFilesRoot marks the files root and its reachable closure. An unset
// root contributes nothing and is not an error.
func markFilesRoot(ctx context.Context, set *markSet, bs blockstore.Blockstore, roots rootstore.Getter) error {
	raw, err := roots.Get(ctx, rootstore.FilesRootKey)
	if errors.Is(err, rootstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading files root: %w", err)
	}

	root, err := cid.Cast(raw)
	if err != nil {
		return fmt.Errorf("decoding files root: %w", err)
	}

	if err := set.InsertCid(root); err != nil {
		return err
	}
	for ref := range dag.Walk(ctx, bs, root, true) {
		if ref.Err != nil {
			return fmt.Errorf("walking files root %s: %w", root, ref.Err)
		}
		if err := set.InsertCid(ref.Cid); err != nil {
			return err
		}
	}
	return ctx.Err()
}
