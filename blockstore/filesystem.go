package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"

	blockvault "github.com/wolfeidau/blockvault"
)

var (
	// blockMagic is the 4-byte prefix for block files on disk.
	blockMagic = []byte("BVB1")

	// ErrCorrupted is returned when a block file fails envelope checks.
	ErrCorrupted = errors.New("corrupted block file")

	// ErrBlockTooLarge is returned when a block exceeds MaxBlockSize.
	ErrBlockTooLarge = errors.New("block exceeds maximum size")
)

const (
	// CompressionThreshold is the minimum payload size before zstd is
	// considered. Below this the codec overhead outweighs the savings.
	CompressionThreshold = 2048

	// MaxBlockSize is the maximum allowed uncompressed block size.
	MaxBlockSize = 32 * 1024 * 1024 // 32MB

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

// Filesystem implements Blockstore on the local filesystem. Blocks are
// sharded into subdirectories by their encoded key and written atomically
// using a temp file and rename. Payloads over CompressionThreshold are
// stored zstd-compressed.
type Filesystem struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// FilesystemOption configures a Filesystem blockstore.
type FilesystemOption func(*Filesystem)

// WithLogger sets the logger for the blockstore.
func WithLogger(logger *slog.Logger) FilesystemOption {
	return func(s *Filesystem) {
		s.logger = logger
	}
}

// NewFilesystem creates a filesystem blockstore rooted at the given path.
// The directory is created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBlockSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Filesystem{
		root:    absRoot,
		encoder: enc,
		decoder: dec,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the root directory path.
func (s *Filesystem) Root() string {
	return s.root
}

// Close releases codec resources. The store must not be used afterwards.
func (s *Filesystem) Close() error {
	err := s.encoder.Close()
	s.decoder.Close()
	return err
}

// Put stores a block under its identifier using an atomic write.
// Storing an already-present block is a no-op.
func (s *Filesystem) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if len(data) > MaxBlockSize {
		return ErrBlockTooLarge
	}

	key, err := blockvault.Key(c)
	if err != nil {
		return err
	}
	path := s.blockPath(key)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating shard directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(s.encodeEnvelope(data)); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing block: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Get retrieves a block's payload.
func (s *Filesystem) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	key, err := blockvault.Key(c)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.blockPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading block: %w", err)
	}

	return s.decodeEnvelope(raw)
}

// Has checks whether a block exists.
func (s *Filesystem) Has(ctx context.Context, c cid.Cid) (bool, error) {
	key, err := blockvault.Key(c)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(s.blockPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking block: %w", err)
}

// DeleteBlock removes a block. Removing an absent block is a no-op.
func (s *Filesystem) DeleteBlock(ctx context.Context, c cid.Cid) error {
	key, err := blockvault.Key(c)
	if err != nil {
		return err
	}

	err = os.Remove(s.blockPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing block: %w", err)
	}
	return nil
}

// AllKeysChan enumerates every block identifier in the store. Enumeration
// is keys-only and runs fresh on each call; the channel closes when the
// walk finishes or ctx is cancelled.
func (s *Filesystem) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("enumerating blockstore: %w", err)
	}

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".tmp-") {
				return nil
			}
			c, err := blockvault.KeyToCid(name)
			if err != nil {
				// Foreign files are not blocks; skip them.
				return nil
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("blockstore enumeration aborted", "error", err)
		}
	}()
	return out, nil
}

// blockPath converts an encoded key to an on-disk path.
// Format: <root>/<key[1:3]>/<key> (sharded past the multibase prefix).
func (s *Filesystem) blockPath(key string) string {
	shard := "__"
	if len(key) > 3 {
		shard = key[1:3]
	}
	return filepath.Join(s.root, shard, key)
}

// encodeEnvelope frames a payload for disk, compressing when beneficial.
// Format: MAGIC (4 bytes) | ENCODING (1 byte) | payload.
func (s *Filesystem) encodeEnvelope(data []byte) []byte {
	out := make([]byte, 0, len(blockMagic)+1+len(data))
	out = append(out, blockMagic...)

	if len(data) >= CompressionThreshold {
		compressed := s.encoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			out = append(out, encodingZstd)
			return append(out, compressed...)
		}
	}

	out = append(out, encodingIdentity)
	return append(out, data...)
}

// decodeEnvelope unwraps an on-disk block file.
func (s *Filesystem) decodeEnvelope(raw []byte) ([]byte, error) {
	if len(raw) < len(blockMagic)+1 || !bytes.Equal(raw[:len(blockMagic)], blockMagic) {
		return nil, ErrCorrupted
	}

	encoding := raw[len(blockMagic)]
	payload := raw[len(blockMagic)+1:]

	switch encoding {
	case encodingIdentity:
		return payload, nil
	case encodingZstd:
		data, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing block: %w", err)
		}
		if len(data) > MaxBlockSize {
			return nil, ErrBlockTooLarge
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, encoding)
	}
}

// Compile-time interface check
var _ Blockstore = (*Filesystem)(nil)
