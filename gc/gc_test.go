package gc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/dag"
	"github.com/wolfeidau/blockvault/pin"
	"github.com/wolfeidau/blockvault/rootstore"
)

type testEnv struct {
	bs    blockstore.GCBlockstore
	pins  *pin.BoltPinner
	roots *rootstore.BoltStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs, err := blockstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "meta.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pins, err := pin.NewBoltPinner(db, fs)
	require.NoError(t, err)

	roots, err := rootstore.NewBoltStore(db)
	require.NoError(t, err)

	return &testEnv{
		bs:    blockstore.NewGCBlockstore(fs, blockstore.NewGCLocker()),
		pins:  pins,
		roots: roots,
	}
}

func putBlock(t *testing.T, bs blockstore.Blockstore, payload string) cid.Cid {
	t.Helper()
	data := []byte(payload)
	c := blockvault.NewCid(data)
	require.NoError(t, bs.Put(context.Background(), c, data))
	return c
}

func runCollect(t *testing.T, bs blockstore.GCBlockstore, env *testEnv) (Stats, []Result) {
	t.Helper()

	var stats Stats
	ch, err := Run(context.Background(), bs, env.pins, env.roots, WithStats(func(s Stats) {
		stats = s
	}))
	require.NoError(t, err)

	var results []Result
	for res := range ch {
		results = append(results, res)
	}
	return stats, results
}

func assertHas(t *testing.T, bs blockstore.Blockstore, c cid.Cid, want bool) {
	t.Helper()
	ok, err := bs.Has(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, want, ok, "block %s", c)
}

func TestRunPreservesLiveBlocks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	direct := putBlock(t, env.bs, "directly pinned")

	leafA := putBlock(t, env.bs, "leaf a")
	leafB := putBlock(t, env.bs, "leaf b")
	pinRoot, err := dag.Add(ctx, env.bs, []byte("pin root"), []cid.Cid{leafA, leafB})
	require.NoError(t, err)

	fileLeaf := putBlock(t, env.bs, "file data")
	filesRoot, err := dag.Add(ctx, env.bs, []byte("files root"), []cid.Cid{fileLeaf})
	require.NoError(t, err)

	garbage := putBlock(t, env.bs, "nobody wants this")

	require.NoError(t, env.pins.Pin(ctx, direct, false))
	require.NoError(t, env.pins.Pin(ctx, pinRoot, true))
	require.NoError(t, env.pins.Flush(ctx))
	require.NoError(t, env.roots.Set(ctx, rootstore.FilesRootKey, filesRoot.Bytes()))

	stats, results := runCollect(t, env.bs, env)
	assert.Empty(t, results)
	assert.Equal(t, int64(1), stats.BlocksRemoved)
	assert.Equal(t, int64(0), stats.Errors)

	for _, c := range []cid.Cid{direct, leafA, leafB, pinRoot, fileLeaf, filesRoot} {
		assertHas(t, env.bs, c, true)
	}
	assertHas(t, env.bs, garbage, false)

	// The pin snapshot is the pinner's own bookkeeping and must survive.
	internal, err := env.pins.InternalBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, internal, 1)
	assertHas(t, env.bs, internal[0], true)
}

func TestRunRemovesEverythingUnreferenced(t *testing.T) {
	env := newTestEnv(t)

	var garbage []cid.Cid
	for i := range 10 {
		garbage = append(garbage, putBlock(t, env.bs, fmt.Sprintf("garbage %d", i)))
	}

	stats, results := runCollect(t, env.bs, env)
	assert.Empty(t, results)
	assert.Equal(t, 0, stats.MarkSetSize)
	assert.Equal(t, int64(10), stats.BlocksScanned)
	assert.Equal(t, int64(10), stats.BlocksRemoved)

	for _, c := range garbage {
		assertHas(t, env.bs, c, false)
	}
}

func TestRunUnsetFilesRoot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pinned := putBlock(t, env.bs, "keep me")
	require.NoError(t, env.pins.Pin(ctx, pinned, false))
	garbage := putBlock(t, env.bs, "drop me")

	// No files root is set; the run proceeds with an empty contribution
	// from that source.
	stats, results := runCollect(t, env.bs, env)
	assert.Empty(t, results)
	assert.Equal(t, 1, stats.MarkSetSize)

	assertHas(t, env.bs, pinned, true)
	assertHas(t, env.bs, garbage, false)
}

func TestRunIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pinned := putBlock(t, env.bs, "stays")
	require.NoError(t, env.pins.Pin(ctx, pinned, false))
	putBlock(t, env.bs, "goes")

	first, _ := runCollect(t, env.bs, env)
	assert.Equal(t, int64(1), first.BlocksRemoved)

	second, results := runCollect(t, env.bs, env)
	assert.Empty(t, results)
	assert.Equal(t, int64(0), second.BlocksRemoved)
	assert.Equal(t, int64(1), second.BlocksScanned)
}

func TestMarkSetDeduplicatesSharedBlocks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Diamond: two parents share one leaf, both reachable from the root.
	shared := putBlock(t, env.bs, "shared leaf")
	parentA, err := dag.Add(ctx, env.bs, []byte("parent a"), []cid.Cid{shared})
	require.NoError(t, err)
	parentB, err := dag.Add(ctx, env.bs, []byte("parent b"), []cid.Cid{shared})
	require.NoError(t, err)
	root, err := dag.Add(ctx, env.bs, []byte("root"), []cid.Cid{parentA, parentB})
	require.NoError(t, err)

	// Reachable from both the pin set and the files root; still counted once.
	require.NoError(t, env.pins.Pin(ctx, root, true))
	require.NoError(t, env.roots.Set(ctx, rootstore.FilesRootKey, root.Bytes()))

	stats, results := runCollect(t, env.bs, env)
	assert.Empty(t, results)
	assert.Equal(t, 4, stats.MarkSetSize)
	assert.Equal(t, int64(0), stats.BlocksRemoved)
}

type flakyStore struct {
	blockstore.GCBlockstore
	fail cid.Cid
}

func (f *flakyStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if c.Equals(f.fail) {
		return errors.New("disk on fire")
	}
	return f.GCBlockstore.DeleteBlock(ctx, c)
}

func TestSweepErrorIsolation(t *testing.T) {
	env := newTestEnv(t)

	stuck := putBlock(t, env.bs, "undeletable")
	var garbage []cid.Cid
	for i := range 5 {
		garbage = append(garbage, putBlock(t, env.bs, fmt.Sprintf("garbage %d", i)))
	}

	stats, results := runCollect(t, &flakyStore{GCBlockstore: env.bs, fail: stuck}, env)

	require.Len(t, results, 1)
	assert.Equal(t, stuck, results[0].Key)
	assert.Contains(t, results[0].Err.Error(), stuck.String())

	// One failure does not stop the rest of the sweep.
	assert.Equal(t, int64(5), stats.BlocksRemoved)
	assert.Equal(t, int64(1), stats.Errors)
	for _, c := range garbage {
		assertHas(t, env.bs, c, false)
	}
}

type deleteGauge struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *deleteGauge) enter() {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()
}

func (g *deleteGauge) exit() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

type slowStore struct {
	blockstore.GCBlockstore
	gauge *deleteGauge
}

func (s *slowStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	s.gauge.enter()
	defer s.gauge.exit()
	time.Sleep(time.Millisecond)
	return s.GCBlockstore.DeleteBlock(ctx, c)
}

func TestSweepBoundedConcurrency(t *testing.T) {
	env := newTestEnv(t)

	for i := range 400 {
		putBlock(t, env.bs, fmt.Sprintf("bulk garbage %d", i))
	}

	gauge := &deleteGauge{}
	stats, results := runCollect(t, &slowStore{GCBlockstore: env.bs, gauge: gauge}, env)

	assert.Empty(t, results)
	assert.Equal(t, int64(400), stats.BlocksRemoved)
	assert.Greater(t, gauge.peak, 0)
	assert.LessOrEqual(t, gauge.peak, MaxConcurrentDeletes)
}

func TestRunWaitsForPinLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	garbage := putBlock(t, env.bs, "held back")

	unlocker, err := env.bs.PinLock(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch, err := Run(ctx, env.bs, env.pins, env.roots)
		assert.NoError(t, err)
		for range ch {
		}
	}()

	select {
	case <-done:
		t.Fatal("gc ran while a pin lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlocker.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gc did not proceed after the pin lock was released")
	}

	assertHas(t, env.bs, garbage, false)
}

type brokenEnum struct {
	blockstore.GCBlockstore
}

func (b *brokenEnum) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return nil, errors.New("index unavailable")
}

func TestRunEnumerationFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := Run(ctx, &brokenEnum{GCBlockstore: env.bs}, env.pins, env.roots)
	require.ErrorContains(t, err, "index unavailable")

	// The lock must be free again after a failed run.
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlocker, err := env.bs.GCLock(lockCtx)
	require.NoError(t, err)
	unlocker.Unlock()
}

type failingRoots struct{}

func (failingRoots) Get(ctx context.Context, name string) ([]byte, error) {
	return nil, errors.New("meta db corrupt")
}

func TestRunMarkFailureAbortsBeforeSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	garbage := putBlock(t, env.bs, "untouched")

	_, err := Run(ctx, env.bs, env.pins, failingRoots{})
	require.ErrorContains(t, err, "meta db corrupt")

	// A failed mark phase deletes nothing.
	assertHas(t, env.bs, garbage, true)
}
