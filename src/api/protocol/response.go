package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Shape is the layout of a response, decided by its status code.
type Shape uint8

const (
	ShapeMinimal     Shape = iota // version, status
	ShapeHeaderOnly               // + name block
	ShapeWithPayload              // + name block, size, payload
)

func (s Shape) String() string {
	switch s {
	case ShapeMinimal:
		return "minimal"
	case ShapeHeaderOnly:
		return "header-only"
	case ShapeWithPayload:
		return "header-with-payload"
	}
	return fmt.Sprintf("shape(%d)", uint8(s))
}

// ShapeOf maps a status code to its response shape. Codes outside the known
// set are read as header-only: the name block is consumed, no payload.
func ShapeOf(status StatusCode) Shape {
	switch status {
	case StatusNoFiles, StatusServerError:
		return ShapeMinimal
	case StatusRestored, StatusListed:
		return ShapeWithPayload
	default:
		return ShapeHeaderOnly
	}
}

// Response is a parsed server reply. FileName is only meaningful when the
// shape carries a name block, PayloadSize only for ShapeWithPayload. The
// payload itself stays on the source until drained with WriteTo, Bytes or
// Discard, exactly once.
type Response struct {
	Version     uint8
	Status      StatusCode
	Shape       Shape
	FileName    string
	PayloadSize uint32

	src     Source
	drained bool
}

func (r *Response) HasName() bool {
	return r.Shape != ShapeMinimal
}

func (r *Response) HasPayload() bool {
	return r.Shape == ShapeWithPayload
}

// Drained reports whether no payload bytes are left on the source.
func (r *Response) Drained() bool {
	return !r.HasPayload() || r.PayloadSize == 0 || r.drained
}

// WriteTo streams the payload into w. It may be called once.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	if !r.HasPayload() {
		return 0, nil
	}
	if r.drained {
		return 0, ErrPayloadConsumed
	}
	r.drained = true
	if r.PayloadSize == 0 {
		return 0, nil
	}

	n, err := r.src.StreamToSink(int64(r.PayloadSize), w)
	if err != nil {
		return n, fmt.Errorf("protocol: payload (%d of %d bytes): %w", n, r.PayloadSize, err)
	}
	return n, nil
}

const maxPrealloc = 1 << 20

// Bytes buffers the whole payload. Use WriteTo for anything large.
func (r *Response) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(r.PayloadSize, maxPrealloc)))
	if _, err := r.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Discard drains any unread payload so the next response starts on a frame
// boundary.
func (r *Response) Discard() error {
	if r.Drained() {
		return nil
	}
	_, err := r.WriteTo(io.Discard)
	if errors.Is(err, ErrPayloadConsumed) {
		return nil
	}
	return err
}

// DecodeMinimalHeader reads [1B version][2B status].
func DecodeMinimalHeader(src Source) (uint8, StatusCode, error) {
	b, err := src.RecvExact(ResponseHeaderSize)
	if err != nil {
		return 0, 0, truncated("response header", err)
	}
	return b[0], StatusCode(binary.LittleEndian.Uint16(b[1:3])), nil
}

// DecodeNameBlock reads [2B name_len][name]. The name bytes are kept as-is.
func DecodeNameBlock(src Source) (string, error) {
	b, err := src.RecvExact(NameLenSize)
	if err != nil {
		return "", truncated("name length", err)
	}
	n := int(binary.LittleEndian.Uint16(b))
	name, err := src.RecvExact(n)
	if err != nil {
		return "", truncated(fmt.Sprintf("name (%d bytes)", n), err)
	}
	return string(name), nil
}

// DecodeSizeField reads [4B size].
func DecodeSizeField(src Source) (uint32, error) {
	b, err := src.RecvExact(SizeFieldSize)
	if err != nil {
		return 0, truncated("size field", err)
	}
	return binary.LittleEndian.Uint32(b), nil
}

// AppendMinimal encodes a minimal response: [1B version][2B status].
func AppendMinimal(b []byte, status StatusCode) []byte {
	b = append(b, Version)
	return binary.LittleEndian.AppendUint16(b, uint16(status))
}

// AppendHeaderOnly encodes [1B version][2B status][2B name_len][name].
func AppendHeaderOnly(b []byte, status StatusCode, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	b = AppendMinimal(b, status)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	return append(b, name...), nil
}

// AppendPayloadHeader encodes everything of a payload response up to and
// including the size field. The caller streams the payload after it.
func AppendPayloadHeader(b []byte, status StatusCode, name string, size uint32) ([]byte, error) {
	b, err := AppendHeaderOnly(b, status, name)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(b, size), nil
}
