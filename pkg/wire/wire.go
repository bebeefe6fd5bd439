// Package wire implements the binary framing exchanged over every relay socket.
//
// A message is a leading uvarint selecting the Kind, followed by kind-specific fields. Every field
// is either a uvarint or a uvarint length-prefixed byte blob, so several fields can be read
// sequentially from one message.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind selects how the rest of a message is interpreted.
type Kind uint64

const (
	KindSync     Kind = 0
	KindPresence Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindPresence:
		return "presence"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// SyncType is the sub-type carried by the first field of a KindSync message.
type SyncType uint64

const (
	// SyncSummary carries a store state summary; the receiver answers with a SyncDiff.
	SyncSummary SyncType = 0
	// SyncDiff carries the fragment produced for a received summary.
	SyncDiff SyncType = 1
	// SyncUpdate carries a fragment produced by a merge elsewhere in the room.
	SyncUpdate SyncType = 2
	// SyncRequest has no body; the receiver answers with its own SyncSummary.
	SyncRequest SyncType = 3
)

func (t SyncType) String() string {
	switch t {
	case SyncSummary:
		return "summary"
	case SyncDiff:
		return "diff"
	case SyncUpdate:
		return "update"
	case SyncRequest:
		return "request"
	default:
		return fmt.Sprintf("sync(%d)", uint64(t))
	}
}

var (
	ErrTruncated   = errors.New("truncated frame")
	ErrUnknownKind = errors.New("unknown message kind")
)

// Writer appends fields to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with no leading kind, used for nested payloads.
func NewWriter() *Writer {
	return &Writer{}
}

// NewMessage returns a Writer whose first field is the given kind.
func NewMessage(kind Kind) *Writer {
	return NewWriter().WriteUvarint(uint64(kind))
}

func (w *Writer) WriteUvarint(v uint64) *Writer {
	w.buf = protowire.AppendVarint(w.buf, v)
	return w
}

func (w *Writer) WriteBytes(b []byte) *Writer {
	w.buf = protowire.AppendBytes(w.buf, b)
	return w
}

func (w *Writer) WriteString(s string) *Writer {
	w.buf = protowire.AppendString(w.buf, s)
	return w
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes fields in the order they were written.
type Reader struct {
	buf []byte
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
	}
	r.buf = r.buf[n:]
	return v, nil
}

// ReadBytes returns the next length-prefixed blob. The returned slice aliases the message.
func (r *Reader) ReadBytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
	}
	r.buf = r.buf[n:]
	return v, nil
}

// ReadFixed returns the next n bytes without a length prefix. The returned slice aliases the message.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncated, n, len(r.buf))
	}
	v := r.buf[:n]
	r.buf = r.buf[n:]
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	v, n := protowire.ConsumeString(r.buf)
	if n < 0 {
		return "", fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
	}
	r.buf = r.buf[n:]
	return v, nil
}

// Encode frames a single opaque payload behind the kind.
func Encode(kind Kind, payload []byte) []byte {
	return NewMessage(kind).WriteBytes(payload).Bytes()
}

// Decode reads the leading kind and returns a Reader positioned at the first payload field.
func Decode(msg []byte) (Kind, *Reader, error) {
	r := NewReader(msg)
	raw, err := r.ReadUvarint()
	if err != nil {
		return 0, nil, err
	}
	kind := Kind(raw)
	switch kind {
	case KindSync, KindPresence:
		return kind, r, nil
	default:
		return kind, nil, fmt.Errorf("%w: %d", ErrUnknownKind, raw)
	}
}

// EncodeSync frames a SYNC message. SyncRequest messages carry no body and ignore payload.
func EncodeSync(t SyncType, payload []byte) []byte {
	w := NewMessage(KindSync).WriteUvarint(uint64(t))
	if t != SyncRequest {
		w.WriteBytes(payload)
	}
	return w.Bytes()
}

// EncodePresence frames a PRESENCE message around an encoded presence update.
func EncodePresence(update []byte) []byte {
	return Encode(KindPresence, update)
}

// ReadSync reads the sub-type and, except for SyncRequest, the payload of a SYNC message.
func ReadSync(r *Reader) (SyncType, []byte, error) {
	raw, err := r.ReadUvarint()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read sync type: %w", err)
	}
	t := SyncType(raw)
	if t == SyncRequest {
		return t, nil, nil
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return t, nil, fmt.Errorf("failed to read %s payload: %w", t, err)
	}
	return t, payload, nil
}
