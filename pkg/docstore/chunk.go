package docstore

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/docrelay/pkg/wire"
)

// A fragment is a concatenation of automerge change chunks:
//
//	magic(4) checksum(4) type(1) uleb(length) contents
//
// The change hash is the sha256 of type, length and uncompressed contents, and the checksum is
// its first four bytes. Contents start with the dependency hashes, the actor and the sequence
// number, which is all the store needs to order changes before handing them to automerge.

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeChange     byte = 1
	chunkTypeCompressed byte = 2

	chunkHeaderLen = 9
)

var errChunk = errors.New("bad change chunk")

type rawChange struct {
	hash  automerge.ChangeHash
	deps  []automerge.ChangeHash
	actor string
	seq   uint64
	raw   []byte
}

// splitChanges parses every change chunk of a fragment without needing the changes it depends on.
func splitChanges(fragment []byte) ([]rawChange, error) {
	out := make([]rawChange, 0, 1)
	for len(fragment) > 0 {
		c, n, err := parseChange(fragment)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", len(out), err)
		}
		out = append(out, c)
		fragment = fragment[n:]
	}
	return out, nil
}

func parseChange(b []byte) (rawChange, int, error) {
	if len(b) < chunkHeaderLen+1 || !bytes.Equal(b[:4], chunkMagic) {
		return rawChange{}, 0, fmt.Errorf("%w: missing magic bytes", errChunk)
	}
	checksum, typ := b[4:8], b[8]
	r := wire.NewReader(b[chunkHeaderLen:])
	length, err := r.ReadUvarint()
	if err != nil {
		return rawChange{}, 0, fmt.Errorf("%w: %w", errChunk, err)
	}
	if length > uint64(r.Len()) {
		return rawChange{}, 0, fmt.Errorf("%w: %d byte body in %d bytes", errChunk, length, r.Len())
	}
	contents, _ := r.ReadFixed(int(length))
	end := len(b) - r.Len()

	body := contents
	switch typ {
	case chunkTypeChange:
	case chunkTypeCompressed:
		if body, err = io.ReadAll(flate.NewReader(bytes.NewReader(contents))); err != nil {
			return rawChange{}, 0, fmt.Errorf("%w: failed to inflate: %w", errChunk, err)
		}
	default:
		return rawChange{}, 0, fmt.Errorf("%w: unsupported chunk type %d", errChunk, typ)
	}

	h := sha256.New()
	h.Write([]byte{chunkTypeChange})
	h.Write(wire.NewWriter().WriteUvarint(uint64(len(body))).Bytes())
	h.Write(body)
	c := rawChange{raw: b[:end]}
	copy(c.hash[:], h.Sum(nil))
	if !bytes.Equal(c.hash[:4], checksum) {
		return rawChange{}, 0, fmt.Errorf("%w: checksum mismatch", errChunk)
	}

	br := wire.NewReader(body)
	n, err := br.ReadUvarint()
	if err != nil {
		return rawChange{}, 0, fmt.Errorf("%w: %w", errChunk, err)
	}
	if n > uint64(br.Len()/len(c.hash)) {
		return rawChange{}, 0, fmt.Errorf("%w: %d deps in %d bytes", errChunk, n, br.Len())
	}
	c.deps = make([]automerge.ChangeHash, n)
	for i := range c.deps {
		dep, _ := br.ReadFixed(len(c.hash))
		copy(c.deps[i][:], dep)
	}
	actor, err := br.ReadBytes()
	if err != nil {
		return rawChange{}, 0, fmt.Errorf("%w: %w", errChunk, err)
	}
	c.actor = hex.EncodeToString(actor)
	if c.seq, err = br.ReadUvarint(); err != nil {
		return rawChange{}, 0, fmt.Errorf("%w: %w", errChunk, err)
	}
	return c, end, nil
}

func joinChanges(changes []rawChange) []byte {
	size := 0
	for _, c := range changes {
		size += len(c.raw)
	}
	out := make([]byte, 0, size)
	for _, c := range changes {
		out = append(out, c.raw...)
	}
	return out
}
