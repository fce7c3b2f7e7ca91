// Package rootstore persists the repository's named mutable roots,
// such as the files root the GC mark phase walks.
package rootstore

import (
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a root is not set.
var ErrNotFound = errors.New("root not found")

// FilesRootKey names the mutable filesystem root.
const FilesRootKey = "files-root"

var bucketRoots = []byte("roots")

// Getter is the read side of the store, all the GC mark phase needs.
type Getter interface {
	// Get returns the raw identifier bytes stored under name.
	// Returns ErrNotFound when the root is unset.
	Get(ctx context.Context, name string) ([]byte, error)
}

// Store reads and writes named roots.
type Store interface {
	Getter

	// Set stores raw identifier bytes under name, replacing any
	// previous value.
	Set(ctx context.Context, name string, value []byte) error

	// Delete unsets a root. Deleting an unset root is a no-op.
	Delete(ctx context.Context, name string) error
}

// BoltStore implements Store on a bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a root store over the given database, creating its
// bucket if needed.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoots)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating roots bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns the raw identifier bytes stored under name.
func (s *BoltStore) Get(_ context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRoots).Get([]byte(name))
		if val == nil {
			return ErrNotFound
		}
		value = make([]byte, len(val))
		copy(value, val)
		return nil
	})
	return value, err
}

// Set stores raw identifier bytes under name.
func (s *BoltStore) Set(_ context.Context, name string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRoots).Put([]byte(name), value); err != nil {
			return fmt.Errorf("putting root %s: %w", name, err)
		}
		return nil
	})
}

// Delete unsets a root.
func (s *BoltStore) Delete(_ context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).Delete([]byte(name))
	})
}

// Compile-time interface check
var _ Store = (*BoltStore)(nil)
