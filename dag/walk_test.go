package dag

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/blockstore"
)

func newTestStore(t *testing.T) *blockstore.Filesystem {
	t.Helper()
	s, err := blockstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addLeaf(t *testing.T, bs blockstore.Blockstore, payload string) cid.Cid {
	t.Helper()
	c, err := Add(context.Background(), bs, []byte(payload), nil)
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, refs <-chan Ref) []cid.Cid {
	t.Helper()
	var out []cid.Cid
	for r := range refs {
		require.NoError(t, r.Err)
		out = append(out, r.Cid)
	}
	return out
}

func TestWalkRecursive(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	leafA := addLeaf(t, bs, "leaf a")
	leafB := addLeaf(t, bs, "leaf b")
	mid, err := Add(ctx, bs, []byte("mid"), []cid.Cid{leafA, leafB})
	require.NoError(t, err)
	root, err := Add(ctx, bs, []byte("root"), []cid.Cid{mid})
	require.NoError(t, err)

	got := collect(t, Walk(ctx, bs, root, true))
	assert.ElementsMatch(t, []cid.Cid{mid, leafA, leafB}, got)
}

func TestWalkDirectOnly(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	leaf := addLeaf(t, bs, "deep leaf")
	mid, err := Add(ctx, bs, []byte("mid"), []cid.Cid{leaf})
	require.NoError(t, err)
	root, err := Add(ctx, bs, []byte("root"), []cid.Cid{mid})
	require.NoError(t, err)

	got := collect(t, Walk(ctx, bs, root, false))
	assert.Equal(t, []cid.Cid{mid}, got)
}

func TestWalkDiamondEmitsOnce(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	shared := addLeaf(t, bs, "shared leaf")
	left, err := Add(ctx, bs, []byte("left"), []cid.Cid{shared})
	require.NoError(t, err)
	right, err := Add(ctx, bs, []byte("right"), []cid.Cid{shared})
	require.NoError(t, err)
	root, err := Add(ctx, bs, []byte("root"), []cid.Cid{left, right})
	require.NoError(t, err)

	got := collect(t, Walk(ctx, bs, root, true))
	assert.ElementsMatch(t, []cid.Cid{left, right, shared}, got)
}

func TestWalkLeafRoot(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	leaf := addLeaf(t, bs, "lonely leaf")
	got := collect(t, Walk(ctx, bs, leaf, true))
	assert.Empty(t, got)
}

func TestWalkMissingChild(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	leaf := addLeaf(t, bs, "will be removed")
	root, err := Add(ctx, bs, []byte("root"), []cid.Cid{leaf})
	require.NoError(t, err)

	require.NoError(t, bs.DeleteBlock(ctx, leaf))

	var walkErr error
	for r := range Walk(ctx, bs, root, true) {
		if r.Err != nil {
			walkErr = r.Err
		}
	}
	require.ErrorIs(t, walkErr, blockstore.ErrNotFound)
}

func TestWalkMissingRoot(t *testing.T) {
	ctx := context.Background()
	bs := newTestStore(t)

	var walkErr error
	for r := range Walk(ctx, bs, blockvault.NewCid([]byte("ghost")), true) {
		walkErr = r.Err
	}
	require.ErrorIs(t, walkErr, blockstore.ErrNotFound)
}
