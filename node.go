package blockvault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

var (
	// NodeMagic is the 4-byte prefix for blocks that carry child links.
	NodeMagic = []byte("BVN1")

	// ErrTooManyLinks is returned when a node exceeds MaxLinks.
	ErrTooManyLinks = errors.New("node exceeds maximum link count")

	// ErrMalformedNode is returned when a node header cannot be parsed.
	ErrMalformedNode = errors.New("malformed node header")
)

// MaxLinks is the maximum number of child links a single node may carry.
const MaxLinks = 8192

// maxLinkSize bounds a single encoded link, well above any real CID.
const maxLinkSize = 256

// EncodeNode frames child links ahead of a payload.
// Format: MAGIC (4 bytes) | NLINKS (uint16 big-endian) | per link:
// LEN (uint16 big-endian) + CID bytes | payload.
// A node with no links is just the payload; blocks without the magic
// prefix are leaves.
func EncodeNode(links []cid.Cid, payload []byte) ([]byte, error) {
	if len(links) == 0 {
		return payload, nil
	}
	if len(links) > MaxLinks {
		return nil, ErrTooManyLinks
	}

	var buf bytes.Buffer
	buf.Write(NodeMagic)

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(links))); err != nil {
		return nil, fmt.Errorf("writing link count: %w", err)
	}

	for _, l := range links {
		b := l.Bytes()
		if len(b) > maxLinkSize {
			return nil, fmt.Errorf("link %s exceeds maximum size", l)
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(b))); err != nil {
			return nil, fmt.Errorf("writing link length: %w", err)
		}
		buf.Write(b)
	}

	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeNode splits a block into its child links and payload.
// Blocks without the node magic are leaves: nil links, payload as-is.
func DecodeNode(raw []byte) ([]cid.Cid, []byte, error) {
	if len(raw) < len(NodeMagic)+2 || !bytes.Equal(raw[:len(NodeMagic)], NodeMagic) {
		return nil, raw, nil
	}

	rest := raw[len(NodeMagic):]
	nlinks := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]

	if nlinks > MaxLinks {
		return nil, nil, ErrTooManyLinks
	}

	links := make([]cid.Cid, 0, nlinks)
	for i := 0; i < nlinks; i++ {
		if len(rest) < 2 {
			return nil, nil, ErrMalformedNode
		}
		size := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if size > maxLinkSize || len(rest) < size {
			return nil, nil, ErrMalformedNode
		}
		c, err := cid.Cast(rest[:size])
		if err != nil {
			return nil, nil, fmt.Errorf("parsing link %d: %w", i, err)
		}
		links = append(links, c)
		rest = rest[size:]
	}

	return links, rest, nil
}

// Links returns just the child links of a block.
func Links(raw []byte) ([]cid.Cid, error) {
	links, _, err := DecodeNode(raw)
	return links, err
}
