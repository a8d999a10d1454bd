package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aafaque33/bes/pkg/dap"
)

// ErrShortRead is wrapped into any read that finds fewer bytes than the
// codec's framing promised. Per spec.md §4.2, any short read aborts the
// entire entry load rather than returning a partially decoded variable.
var ErrShortRead = fmt.Errorf("wire: short read")

// Unmarshaller reads the payload section of a cache entry from r using
// the canonical encoding. It is not safe for concurrent use by more
// than one goroutine against the same stream.
type Unmarshaller struct {
	r *bufio.Reader
}

var _ dap.Unmarshaller = (*Unmarshaller)(nil)

// NewUnmarshaller wraps r for reading.
func NewUnmarshaller(r io.Reader) *Unmarshaller {
	return &Unmarshaller{r: bufio.NewReader(r)}
}

func wrapShort(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return err
}

func (u *Unmarshaller) GetByte() (byte, error) {
	b, err := u.r.ReadByte()
	if err != nil {
		return 0, wrapShort(err)
	}
	return b, nil
}

func (u *Unmarshaller) GetInt16() (int16, error) {
	var v int16
	if err := binary.Read(u.r, binary.BigEndian, &v); err != nil {
		return 0, wrapShort(err)
	}
	return v, nil
}

func (u *Unmarshaller) GetInt32() (int32, error) {
	var v int32
	if err := binary.Read(u.r, binary.BigEndian, &v); err != nil {
		return 0, wrapShort(err)
	}
	return v, nil
}

func (u *Unmarshaller) GetInt64() (int64, error) {
	var v int64
	if err := binary.Read(u.r, binary.BigEndian, &v); err != nil {
		return 0, wrapShort(err)
	}
	return v, nil
}

func (u *Unmarshaller) GetFloat32() (float32, error) {
	var v float32
	if err := binary.Read(u.r, binary.BigEndian, &v); err != nil {
		return 0, wrapShort(err)
	}
	return v, nil
}

func (u *Unmarshaller) GetFloat64() (float64, error) {
	var v float64
	if err := binary.Read(u.r, binary.BigEndian, &v); err != nil {
		return 0, wrapShort(err)
	}
	return v, nil
}

func (u *Unmarshaller) GetString() (string, error) {
	b, err := u.GetOpaque(-1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOpaque reads a 4-byte big-endian length prefix followed by that
// many bytes. The n parameter is unused (opaque blobs are
// self-describing) and kept only to satisfy dap.Unmarshaller's
// symmetry with GetArray.
func (u *Unmarshaller) GetOpaque(_ int) ([]byte, error) {
	var n uint32
	if err := binary.Read(u.r, binary.BigEndian, &n); err != nil {
		return nil, wrapShort(err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(u.r, buf); err != nil {
		return nil, wrapShort(err)
	}
	return buf, nil
}

// GetArray reads a 4-byte big-endian element count, verifies it matches
// the caller's expected element count n (the descriptor already knows
// the shape), and returns the flat element bytes.
func (u *Unmarshaller) GetArray(elemSize, n int) ([]byte, error) {
	var count uint32
	if err := binary.Read(u.r, binary.BigEndian, &count); err != nil {
		return nil, wrapShort(err)
	}
	if n >= 0 && int(count) != n {
		return nil, fmt.Errorf("wire: array element count mismatch: descriptor says %d, payload says %d", n, count)
	}
	buf := make([]byte, int(count)*elemSize)
	if _, err := io.ReadFull(u.r, buf); err != nil {
		return nil, wrapShort(err)
	}
	return buf, nil
}

// GetRowMarker reads the single-byte marker preceding a Sequence row,
// or the terminal end-of-rows marker.
func (u *Unmarshaller) GetRowMarker() (bool, error) {
	b, err := u.GetByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("wire: invalid row marker byte %d", b)
	}
}
