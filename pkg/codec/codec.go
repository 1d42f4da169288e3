// Package codec is the payload serializer collaborator described in
// spec.md §1: the core treats it as opaque, round-tripping an in-memory
// value to a byte string, except to bypass it entirely in raw mode.
package codec

import (
	"bytes"
	"encoding/gob"
)

// Serializer round-trips an in-memory value to and from a byte string. The
// client core never inspects the encoded bytes; it only ever passes them
// straight through to the wire.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// gobSerializer is the default Serializer, matching the teacher's choice of
// a standard-library encoding rather than a bespoke format.
type gobSerializer struct{}

// Default returns the client's default Serializer (gob).
func Default() Serializer { return gobSerializer{} }

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Raw is a pass-through Serializer used when a client operation is invoked
// in raw mode: it requires the value to already be a []byte (or, for
// Unmarshal, *[]byte) and never transforms it.
type Raw struct{}

func (Raw) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errNotRawBytes
	}
	return b, nil
}

func (Raw) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return errNotRawBytes
	}
	*out = data
	return nil
}

var errNotRawBytes = rawTypeError{}

type rawTypeError struct{}

func (rawTypeError) Error() string { return "codec: raw mode requires a []byte value" }
