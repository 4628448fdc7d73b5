// Package wire holds the messages exchanged by the triekv gRPC service and
// the codec that puts them on the wire.
//
// Messages use the protobuf binary encoding, written and parsed field by field
// with protowire, so they interoperate with any protobuf peer that declares the
// same field numbers. The codec is registered under the "triekv" content
// subtype; clients select it with grpc.CallContentSubtype(wire.Name).
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Name is the content subtype the codec is registered under
const Name = "triekv"

// ErrNotMessage is returned when the codec is handed a foreign type
var ErrNotMessage = errors.New("wire: value is not a triekv message")

// Message is implemented by every request and response
type Message interface {
	// AppendWire appends the encoded message to b
	AppendWire(b []byte) []byte
	// UnmarshalWire replaces the message contents with the decoded b
	UnmarshalWire(b []byte) error
}

// Codec implements encoding.Codec for Message values
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Marshal encodes v
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotMessage, v)
	}
	return m.AppendWire(nil), nil
}

// Unmarshal decodes data into v
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotMessage, v)
	}
	return m.UnmarshalWire(data)
}

// Name returns the content subtype
func (Codec) Name() string {
	return Name
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

// decoder walks the fields of one encoded message
type decoder struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

// next reads the next tag; it returns false at the end or on error
func (d *decoder) next() bool {
	if d.err != nil || len(d.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return false
	}
	d.b = d.b[n:]
	d.num, d.typ = num, typ
	return true
}

func (d *decoder) fail(n int) {
	if d.err == nil {
		d.err = fmt.Errorf("field %d: %w", d.num, protowire.ParseError(n))
	}
}

func (d *decoder) expect(typ protowire.Type) bool {
	if d.typ != typ {
		d.err = fmt.Errorf("field %d: wire type %d, expected %d", d.num, d.typ, typ)
		return false
	}
	return true
}

func (d *decoder) bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return nil
	}
	d.b = d.b[n:]
	return append([]byte{}, v...)
}

func (d *decoder) string() string {
	if !d.expect(protowire.BytesType) {
		return ""
	}
	v, n := protowire.ConsumeString(d.b)
	if n < 0 {
		d.fail(n)
		return ""
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) uint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bool() bool {
	return d.uint() != 0
}

// skip passes over a field the message does not know
func (d *decoder) skip() {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.b)
	if n < 0 {
		d.fail(n)
		return
	}
	d.b = d.b[n:]
}
