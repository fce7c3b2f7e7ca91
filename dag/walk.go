// Package dag builds and walks the link graph between blocks.
package dag

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/blockstore"
)

// Ref is one edge discovered during a walk. Err is set when the walk
// fails; no further refs follow an error.
type Ref struct {
	Cid cid.Cid
	Err error
}

// Add encodes a node from payload and links, stores it, and returns its
// identifier.
func Add(ctx context.Context, bs blockstore.Blockstore, payload []byte, links []cid.Cid) (cid.Cid, error) {
	raw, err := blockvault.EncodeNode(links, payload)
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding node: %w", err)
	}

	c := blockvault.NewCid(raw)
	if err := bs.Put(ctx, c, raw); err != nil {
		return cid.Undef, fmt.Errorf("storing node %s: %w", c, err)
	}
	return c, nil
}

// Links returns the direct children of a block.
func Links(ctx context.Context, bs blockstore.Blockstore, c cid.Cid) ([]cid.Cid, error) {
	raw, err := bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return blockvault.Links(raw)
}

// Walk streams every identifier reachable from root, root itself excluded.
// Each identifier is emitted at most once, so cyclic or diamond-shaped
// graphs terminate. With recursive false only the direct children are
// emitted. The channel closes when the walk finishes, fails, or ctx is
// cancelled.
func Walk(ctx context.Context, bs blockstore.Blockstore, root cid.Cid, recursive bool) <-chan Ref {
	out := make(chan Ref)

	go func() {
		defer close(out)

		emit := func(r Ref) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		visited := map[string]struct{}{}
		queue := []cid.Cid{root}

		for len(queue) > 0 {
			c := queue[0]
			queue = queue[1:]

			links, err := Links(ctx, bs, c)
			if err != nil {
				emit(Ref{Err: fmt.Errorf("reading links of %s: %w", c, err)})
				return
			}

			for _, l := range links {
				key, err := blockvault.Key(l)
				if err != nil {
					emit(Ref{Err: err})
					return
				}
				if _, ok := visited[key]; ok {
					continue
				}
				visited[key] = struct{}{}

				if !emit(Ref{Cid: l}) {
					return
				}
				if recursive {
					queue = append(queue, l)
				}
			}
		}
	}()

	return out
}
