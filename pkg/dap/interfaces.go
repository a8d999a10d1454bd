// Package dap declares the shapes of the collaborators the function
// response cache depends on but does not implement: the dataset object,
// its variables, the constraint evaluator, and the descriptor parser.
// In a full BES deployment these are satisfied by libdap and the
// request dispatcher; here they exist so the cache can be built and
// tested without either.
package dap

import (
	"io"
	"time"
)

// Kind tags the on-the-wire shape of a variable's value for the codec's
// encode/decode visitor.
type Kind int

const (
	KindPrimitive Kind = iota
	KindArray
	KindStructure
	KindSequence
)

// Dataset is the live or freshly-decoded object the cache reads from
// and writes into. Filename is the real on-disk path of the source
// data, used both as half of the resource identifier and, via ModTime,
// for cache-entry invalidation.
type Dataset interface {
	Filename() string
	SetFilename(name string)
	Variables() []Variable

	// ModTime returns the last-modified time of the on-disk dataset.
	// A non-nil error (e.g. the path does not exist, or the dataset is
	// synthetic/virtual) means the modification time cannot be
	// determined; callers must not treat that as invalidating a cache
	// entry.
	ModTime() (time.Time, error)

	// PrintXMLWriter writes the structural descriptor for the
	// currently selected (send_p) variables to w.
	PrintXMLWriter(w io.Writer, constrained bool, indent string) error
}

// Variable is one member of a Dataset's variable list.
type Variable interface {
	Name() string
	Kind() Kind

	SendP() bool
	SetSendP(v bool)
	SetReadP(v bool)

	// Serialize writes this variable's value to m in descriptor order.
	// ceEvalFlag tells the variable whether the constraint has already
	// been evaluated (the cache always calls this with false, since it
	// serializes the already-evaluated result of a function call).
	Serialize(eval ConstraintEvaluator, dataset Dataset, m Marshaller, ceEvalFlag bool) error

	// Deserialize reconstructs this variable's value by reading from u.
	Deserialize(u Unmarshaller, dataset Dataset) error
}

// SequenceVariable is implemented by row-oriented variables in addition
// to Variable.
type SequenceVariable interface {
	Variable
	// ResetRowNumber rewinds the "current row" cursor so a later
	// serialize pass starts again from row 0. When recursive is true,
	// nested sequences are reset too.
	ResetRowNumber(recursive bool)
}

// ConstraintEvaluator parses and applies server-side function
// constraints against a Dataset.
type ConstraintEvaluator interface {
	ParseConstraint(text string, dataset Dataset) error
	EvalFunctionClauses(dataset Dataset) (Dataset, error)
}

// DescriptorParser reads an XML structural descriptor from a stream
// positioned at its start, builds a Dataset whose variable tree matches
// it, consumes the trailing delimiter line itself, and returns with the
// stream positioned at the first byte of the payload.
type DescriptorParser interface {
	InternStream(r io.Reader, dataset Dataset, delimiter string) (dataCID string, err error)
}

// DatasetFactory constructs an empty Dataset for the descriptor parser
// to populate on a cache read. In a full BES deployment this is the
// same factory the request dispatcher uses to build a DDS for an
// incoming request.
type DatasetFactory interface {
	NewDataset() Dataset
}

// Marshaller is the write side of the cache serialization codec, as
// seen by a Variable's Serialize method.
type Marshaller interface {
	PutByte(b byte) error
	PutInt16(v int16) error
	PutInt32(v int32) error
	PutInt64(v int64) error
	PutFloat32(v float32) error
	PutFloat64(v float64) error
	PutString(s string) error
	PutOpaque(b []byte) error

	// PutArray writes n flat elements of a fixed-size primitive kind in
	// row-major order with no internal framing.
	PutArray(elemSize int, elems []byte) error

	// PutRowMarker writes the single-byte "row present" (true) or
	// "end-of-rows" (false) marker a Sequence emits before each row and
	// after its last.
	PutRowMarker(present bool) error
}

// Unmarshaller is the read side of the codec, as seen by a Variable's
// Deserialize method.
type Unmarshaller interface {
	GetByte() (byte, error)
	GetInt16() (int16, error)
	GetInt32() (int32, error)
	GetInt64() (int64, error)
	GetFloat32() (float32, error)
	GetFloat64() (float64, error)
	GetString() (string, error)
	GetOpaque(n int) ([]byte, error)
	GetArray(elemSize, n int) ([]byte, error)

	// GetRowMarker reads the marker a Sequence writes before each row.
	GetRowMarker() (present bool, err error)
}
