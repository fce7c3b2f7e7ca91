// Package blockvault provides the identifier and node primitives shared by
// the block repository packages.
package blockvault

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// NewCid returns the identifier for a block payload: a CIDv1 with the raw
// codec wrapping a BLAKE3-256 multihash of the data.
func NewCid(data []byte) cid.Cid {
	digest := blake3.Sum256(data)
	mhash, err := mh.Encode(digest[:], mh.BLAKE3)
	if err != nil {
		// Encode fails only for unregistered hash codes.
		panic(fmt.Sprintf("encoding blake3 multihash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, mhash)
}

// Key returns the canonical set key for an identifier: the lowercase base32
// multibase encoding of its multihash. Two identifiers with equal multihash
// bytes map to the same key regardless of CID version or codec.
func Key(c cid.Cid) (string, error) {
	key, err := multibase.Encode(multibase.Base32, c.Hash())
	if err != nil {
		return "", fmt.Errorf("encoding key for %s: %w", c, err)
	}
	return key, nil
}

// KeyToCid reconstructs a raw-codec CIDv1 from a canonical set key.
func KeyToCid(key string) (cid.Cid, error) {
	_, data, err := multibase.Decode(key)
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding key %q: %w", key, err)
	}
	mhash, err := mh.Cast(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid multihash in key %q: %w", key, err)
	}
	return cid.NewCidV1(cid.Raw, mhash), nil
}
