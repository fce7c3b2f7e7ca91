// Package repo opens the on-disk repository and wires its pieces
// together: the filesystem blockstore, the bbolt metadata database, the
// pinner, the root store and the shared GC lock.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/gc"
	"github.com/wolfeidau/blockvault/pin"
	"github.com/wolfeidau/blockvault/rootstore"
)

// ErrNoFilesRoot is returned when the files root has not been set.
var ErrNoFilesRoot = errors.New("files root not set")

const metaDBName = "meta.db"

// Repo is an open repository. All handles share one GC lock, so writes
// and garbage collection exclude each other.
type Repo struct {
	path   string
	fs     *blockstore.Filesystem
	db     *bbolt.DB
	bs     blockstore.GCBlockstore
	pins   *pin.BoltPinner
	roots  *rootstore.BoltStore
	logger *slog.Logger
}

// Option configures an opened repository.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	instrumented bool
}

// WithLogger sets the logger for the repository and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithInstrumentation wraps the blockstore with telemetry recording.
func WithInstrumentation() Option {
	return func(o *options) {
		o.instrumented = true
	}
}

// Open opens the repository at path, creating it if needed. The layout is
// a blocks/ directory for the blockstore and a meta.db bbolt file for
// pins and roots.
func Open(path string, opts ...Option) (*Repo, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}

	fs, err := blockstore.NewFilesystem(filepath.Join(path, "blocks"),
		blockstore.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("opening blockstore: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(path, metaDBName), 0o600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	var store blockstore.Blockstore = fs
	if o.instrumented {
		store = blockstore.NewInstrumented(fs, "repo")
	}

	pins, err := pin.NewBoltPinner(db, store, pin.WithLogger(o.logger))
	if err != nil {
		_ = db.Close()
		_ = fs.Close()
		return nil, fmt.Errorf("opening pinner: %w", err)
	}

	roots, err := rootstore.NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		_ = fs.Close()
		return nil, fmt.Errorf("opening root store: %w", err)
	}

	return &Repo{
		path:   path,
		fs:     fs,
		db:     db,
		bs:     blockstore.NewGCBlockstore(store, blockstore.NewGCLocker()),
		pins:   pins,
		roots:  roots,
		logger: o.logger,
	}, nil
}

// Path returns the repository directory.
func (r *Repo) Path() string {
	return r.path
}

// Blockstore returns the repository blockstore with its GC lock.
func (r *Repo) Blockstore() blockstore.GCBlockstore {
	return r.bs
}

// Pinner returns the repository pinner.
func (r *Repo) Pinner() pin.Pinner {
	return r.pins
}

// Roots returns the repository root store.
func (r *Repo) Roots() rootstore.Store {
	return r.roots
}

// FilesRoot returns the current files root.
// Returns ErrNoFilesRoot when no root has been set.
func (r *Repo) FilesRoot(ctx context.Context) (cid.Cid, error) {
	raw, err := r.roots.Get(ctx, rootstore.FilesRootKey)
	if errors.Is(err, rootstore.ErrNotFound) {
		return cid.Undef, ErrNoFilesRoot
	}
	if err != nil {
		return cid.Undef, err
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding files root: %w", err)
	}
	return c, nil
}

// SetFilesRoot records a new files root. The block must already exist.
func (r *Repo) SetFilesRoot(ctx context.Context, c cid.Cid) error {
	ok, err := r.bs.Has(ctx, c)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("files root %s: %w", c, blockstore.ErrNotFound)
	}
	return r.roots.Set(ctx, rootstore.FilesRootKey, c.Bytes())
}

// GC runs one garbage collection pass over the repository.
func (r *Repo) GC(ctx context.Context, opts ...gc.RunOption) (<-chan gc.Result, error) {
	opts = append([]gc.RunOption{gc.WithRunLogger(r.logger)}, opts...)
	return gc.Run(ctx, r.bs, r.pins, r.roots, opts...)
}

// Close releases the repository resources. The repository must not be
// used after Close.
func (r *Repo) Close() error {
	var errs []error
	if err := r.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing metadata database: %w", err))
	}
	if err := r.fs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing blockstore: %w", err))
	}
	return errors.Join(errs...)
}
