package pin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ipfs/go-cid"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/dag"
)

// Bucket names for bbolt storage.
var (
	bucketPinsDirect    = []byte("pins_direct")    // cid bytes -> empty
	bucketPinsRecursive = []byte("pins_recursive") // cid bytes -> empty
	bucketPinsMeta      = []byte("pins_meta")      // "snapshot" -> snapshot cid bytes
)

var snapshotKey = []byte("snapshot")

// snapshot is the payload of a pin-set snapshot block.
type snapshot struct {
	Direct    []string `json:"direct"`
	Recursive []string `json:"recursive"`
}

// BoltPinner implements Pinner with pin roots in bbolt and pin-set
// snapshots stored in the blockstore itself.
type BoltPinner struct {
	db     *bbolt.DB
	bs     blockstore.Blockstore
	logger *slog.Logger
}

// BoltPinnerOption configures a BoltPinner.
type BoltPinnerOption func(*BoltPinner)

// WithLogger sets the logger for the pinner.
func WithLogger(logger *slog.Logger) BoltPinnerOption {
	return func(p *BoltPinner) {
		p.logger = logger
	}
}

// NewBoltPinner creates a pinner over the given database and blockstore,
// creating its buckets if needed.
func NewBoltPinner(db *bbolt.DB, bs blockstore.Blockstore, opts ...BoltPinnerOption) (*BoltPinner, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPinsDirect, bucketPinsRecursive, bucketPinsMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p := &BoltPinner{
		db:     db,
		bs:     bs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Pin marks an identifier as a pin root.
func (p *BoltPinner) Pin(ctx context.Context, c cid.Cid, recursive bool) error {
	ok, err := p.bs.Has(ctx, c)
	if err != nil {
		return fmt.Errorf("checking block %s: %w", c, err)
	}
	if !ok {
		return fmt.Errorf("cannot pin %s: %w", c, blockstore.ErrNotFound)
	}

	into, from := bucketPinsDirect, bucketPinsRecursive
	if recursive {
		into, from = bucketPinsRecursive, bucketPinsDirect
	}

	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(from).Delete(c.Bytes()); err != nil {
			return err
		}
		if err := tx.Bucket(into).Put(c.Bytes(), []byte{}); err != nil {
			return fmt.Errorf("pinning %s: %w", c, err)
		}
		return nil
	})
}

// Unpin removes a pin root.
func (p *BoltPinner) Unpin(ctx context.Context, c cid.Cid) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketPinsDirect, bucketPinsRecursive} {
			b := tx.Bucket(bucket)
			if b.Get(c.Bytes()) != nil {
				return b.Delete(c.Bytes())
			}
		}
		return fmt.Errorf("unpinning %s: %w", c, ErrNotPinned)
	})
}

// IsPinned reports whether the identifier is a pin root.
func (p *BoltPinner) IsPinned(ctx context.Context, c cid.Cid) (bool, error) {
	var pinned bool
	err := p.db.View(func(tx *bbolt.Tx) error {
		pinned = tx.Bucket(bucketPinsDirect).Get(c.Bytes()) != nil ||
			tx.Bucket(bucketPinsRecursive).Get(c.Bytes()) != nil
		return nil
	})
	return pinned, err
}

// DirectKeys returns the direct pin roots.
func (p *BoltPinner) DirectKeys(ctx context.Context) ([]cid.Cid, error) {
	return p.bucketKeys(bucketPinsDirect)
}

// RecursiveKeys returns the recursive pin roots.
func (p *BoltPinner) RecursiveKeys(ctx context.Context) ([]cid.Cid, error) {
	return p.bucketKeys(bucketPinsRecursive)
}

func (p *BoltPinner) bucketKeys(bucket []byte) ([]cid.Cid, error) {
	var cids []cid.Cid
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			c, err := cid.Cast(k)
			if err != nil {
				return fmt.Errorf("corrupt pin key: %w", err)
			}
			cids = append(cids, c)
			return nil
		})
	})
	return cids, err
}

// Keys streams every pinned identifier, recursive closures included.
func (p *BoltPinner) Keys(ctx context.Context) <-chan StreamedCid {
	out := make(chan StreamedCid)

	go func() {
		defer close(out)

		emit := func(sc StreamedCid) bool {
			select {
			case out <- sc:
				return true
			case <-ctx.Done():
				return false
			}
		}

		direct, err := p.DirectKeys(ctx)
		if err != nil {
			emit(StreamedCid{Err: fmt.Errorf("listing direct pins: %w", err)})
			return
		}
		for _, c := range direct {
			if !emit(StreamedCid{C: c}) {
				return
			}
		}

		recursive, err := p.RecursiveKeys(ctx)
		if err != nil {
			emit(StreamedCid{Err: fmt.Errorf("listing recursive pins: %w", err)})
			return
		}
		for _, root := range recursive {
			if !emit(StreamedCid{C: root}) {
				return
			}
			for ref := range dag.Walk(ctx, p.bs, root, true) {
				if ref.Err != nil {
					emit(StreamedCid{Err: fmt.Errorf("expanding pin %s: %w", root, ref.Err)})
					return
				}
				if !emit(StreamedCid{C: ref.Cid}) {
					return
				}
			}
		}
	}()

	return out
}

// InternalBlocks returns the pin-set snapshot blocks.
func (p *BoltPinner) InternalBlocks(ctx context.Context) ([]cid.Cid, error) {
	var raw []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPinsMeta).Get(snapshotKey)
		if val != nil {
			raw = make([]byte, len(val))
			copy(raw, val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	c, err := cid.Cast(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt pin snapshot reference: %w", err)
	}
	return []cid.Cid{c}, nil
}

// Flush persists the current pin sets as a snapshot block in the
// blockstore and records its identifier. The snapshot links every pin
// root, so the previous snapshot becomes garbage.
func (p *BoltPinner) Flush(ctx context.Context) error {
	direct, err := p.DirectKeys(ctx)
	if err != nil {
		return err
	}
	recursive, err := p.RecursiveKeys(ctx)
	if err != nil {
		return err
	}

	snap := snapshot{
		Direct:    make([]string, 0, len(direct)),
		Recursive: make([]string, 0, len(recursive)),
	}
	links := make([]cid.Cid, 0, len(direct)+len(recursive))
	for _, c := range direct {
		snap.Direct = append(snap.Direct, c.String())
		links = append(links, c)
	}
	for _, c := range recursive {
		snap.Recursive = append(snap.Recursive, c.String())
		links = append(links, c)
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling pin snapshot: %w", err)
	}

	c, err := dag.Add(ctx, p.bs, payload, links)
	if err != nil {
		return fmt.Errorf("storing pin snapshot: %w", err)
	}

	err = p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPinsMeta).Put(snapshotKey, c.Bytes())
	})
	if err != nil {
		return fmt.Errorf("recording pin snapshot: %w", err)
	}

	p.logger.Debug("flushed pin snapshot",
		"cid", c.String(),
		"direct", len(direct),
		"recursive", len(recursive),
	)
	return nil
}

// Compile-time interface check
var _ Pinner = (*BoltPinner)(nil)
