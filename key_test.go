package blockvault

import (
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestNewCidDeterministic(t *testing.T) {
	a := NewCid([]byte("hello"))
	b := NewCid([]byte("hello"))
	require.Equal(t, a, b)

	c := NewCid([]byte("world"))
	require.NotEqual(t, a, c)
}

func TestKeyRoundTrip(t *testing.T) {
	c := NewCid([]byte("round trip"))

	key, err := Key(c)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "b"), "base32 multibase keys start with 'b'")

	back, err := KeyToCid(key)
	require.NoError(t, err)
	require.Equal(t, c.Hash(), back.Hash())
}

func TestKeyIgnoresCodec(t *testing.T) {
	// Keys are derived from the multihash alone, so two CIDs differing
	// only in codec map to the same key.
	c := NewCid([]byte("same bytes"))
	other := cid.NewCidV1(cid.DagCBOR, c.Hash())

	k1, err := Key(c)
	require.NoError(t, err)
	k2, err := Key(other)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestKeyToCidRejectsGarbage(t *testing.T) {
	_, err := KeyToCid("not a multibase key")
	require.Error(t, err)
}
