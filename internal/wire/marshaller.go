// Package wire implements the cache serialization codec: the canonical
// binary encoding of the payload section of a cache entry, plus the
// literal delimiter line that separates it from the XML descriptor.
//
// The encoding is fixed big-endian, XDR-equivalent for primitives,
// length-prefixed for strings and opaque blobs, flat row-major for
// arrays, and row-marker-delimited for sequences — exactly the layout
// spec.md §4.2 requires so that a writer and a reader built from the
// same Marshaller/Unmarshaller pair round-trip byte for byte.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aafaque33/bes/pkg/dap"
)

// DataMark is the literal delimiter line written between the XML
// descriptor and the payload section of a cache entry.
const DataMark = "--DATA:"

// Marshaller writes the payload section of a cache entry to w using
// the canonical encoding. It is not safe for concurrent use by more
// than one goroutine against the same stream.
type Marshaller struct {
	w   *bufio.Writer
	err error
}

var _ dap.Marshaller = (*Marshaller)(nil)

// NewMarshaller wraps w for writing. Callers must call Flush when done.
func NewMarshaller(w io.Writer) *Marshaller {
	return &Marshaller{w: bufio.NewWriter(w)}
}

// Flush pushes any buffered bytes to the underlying writer.
func (m *Marshaller) Flush() error {
	if m.err != nil {
		return m.err
	}
	return m.w.Flush()
}

func (m *Marshaller) fail(err error) error {
	if m.err == nil {
		m.err = err
	}
	return m.err
}

func (m *Marshaller) PutByte(b byte) error {
	if m.err != nil {
		return m.err
	}
	if err := m.w.WriteByte(b); err != nil {
		return m.fail(err)
	}
	return nil
}

func (m *Marshaller) PutInt16(v int16) error { return m.putFixed(uint16(v)) }
func (m *Marshaller) PutInt32(v int32) error { return m.putFixed(uint32(v)) }
func (m *Marshaller) PutInt64(v int64) error { return m.putFixed(uint64(v)) }

func (m *Marshaller) PutFloat32(v float32) error { return m.putFixed(v) }
func (m *Marshaller) PutFloat64(v float64) error { return m.putFixed(v) }

// putFixed writes any fixed-width unsigned integer or float big-endian.
func (m *Marshaller) putFixed(v interface{}) error {
	if m.err != nil {
		return m.err
	}
	if err := binary.Write(m.w, binary.BigEndian, v); err != nil {
		return m.fail(err)
	}
	return nil
}

// PutString writes a 4-byte big-endian length prefix followed by the
// raw bytes of s.
func (m *Marshaller) PutString(s string) error {
	return m.PutOpaque([]byte(s))
}

// PutOpaque writes a 4-byte big-endian length prefix followed by b.
func (m *Marshaller) PutOpaque(b []byte) error {
	if m.err != nil {
		return m.err
	}
	if err := binary.Write(m.w, binary.BigEndian, uint32(len(b))); err != nil {
		return m.fail(err)
	}
	if _, err := m.w.Write(b); err != nil {
		return m.fail(err)
	}
	return nil
}

// PutArray writes a 4-byte big-endian element count followed by the
// flat element bytes verbatim; no per-element framing is added beyond
// what elemSize already implies.
func (m *Marshaller) PutArray(elemSize int, elems []byte) error {
	if m.err != nil {
		return m.err
	}
	if elemSize <= 0 {
		return m.fail(fmt.Errorf("wire: invalid array element size %d", elemSize))
	}
	if len(elems)%elemSize != 0 {
		return m.fail(fmt.Errorf("wire: array payload length %d not a multiple of element size %d", len(elems), elemSize))
	}
	n := len(elems) / elemSize
	if err := binary.Write(m.w, binary.BigEndian, uint32(n)); err != nil {
		return m.fail(err)
	}
	if _, err := m.w.Write(elems); err != nil {
		return m.fail(err)
	}
	return nil
}

// PutRowMarker writes the single-byte marker a Sequence emits before
// each row (1 = row follows) and once more after the last row (0).
func (m *Marshaller) PutRowMarker(present bool) error {
	if present {
		return m.PutByte(1)
	}
	return m.PutByte(0)
}
