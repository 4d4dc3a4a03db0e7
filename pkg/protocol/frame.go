package protocol

import (
    "encoding/binary"
    "errors"
    "fmt"
)

// Frame layout, little-endian:
//
//  0 ..1  TypeID     u16
//  2 ..5  PayloadLen u32
//  6 ..   Payload    PayloadLen bytes
const (
    FrameHeaderSize = 6

    // MaxPayload bounds a single message body. Anything larger belongs on
    // a streaming surface, not a message frame.
    MaxPayload = 1 << 20
)

// Frame decode failures, wrapped in DecodeError.
var (
    ErrShortFrame   = errors.New("short frame header")
    ErrTruncated    = errors.New("truncated payload")
    ErrUnknownType  = errors.New("unknown type id")
    ErrOversize     = errors.New("payload exceeds limit")
    ErrTypeMismatch = errors.New("unexpected type id")
)

// DecodeError reports a frame that could not be turned back into a
// message, carrying the offending type id when the header was readable.
type DecodeError struct {
    ID  TypeID
    Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode type %d: %v", e.ID, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeFrame serializes m into a length-prefixed frame using the
// registry's payload codec.
func (r *TypeRegistry) EncodeFrame(m Message) ([]byte, error) {
    payload, err := r.codec().Marshal(m)
    if err != nil { return nil, fmt.Errorf("encode type %d: %w", m.TypeID(), err) }
    if len(payload) > MaxPayload {
        return nil, fmt.Errorf("encode type %d: %w", m.TypeID(), ErrOversize)
    }
    return EncodeRawFrame(m.TypeID(), payload), nil
}

// EncodeRawFrame wraps already-encoded payload bytes in a frame header,
// for callers working below the codec layer.
func EncodeRawFrame(id TypeID, payload []byte) []byte {
    buf := make([]byte, FrameHeaderSize+len(payload))
    binary.LittleEndian.PutUint16(buf[0:2], uint16(id))
    binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
    copy(buf[FrameHeaderSize:], payload)
    return buf
}

// DecodeFrame parses one frame and rebuilds the registered message.
func (r *TypeRegistry) DecodeFrame(buf []byte) (Message, error) {
    id, payload, err := SplitFrame(buf)
    if err != nil { return nil, err }
    m, ok := r.New(id)
    if !ok { return nil, &DecodeError{ID: id, Err: ErrUnknownType} }
    if err := r.codec().Unmarshal(payload, m); err != nil {
        return nil, &DecodeError{ID: id, Err: err}
    }
    return m, nil
}

// DecodeFrameAs decodes like DecodeFrame but insists the frame carries
// the wanted id.
func (r *TypeRegistry) DecodeFrameAs(buf []byte, want TypeID) (Message, error) {
    id, _, err := SplitFrame(buf)
    if err != nil { return nil, err }
    if id != want { return nil, &DecodeError{ID: id, Err: ErrTypeMismatch} }
    return r.DecodeFrame(buf)
}

// SplitFrame validates the frame header and returns the id and payload
// bytes without consulting any registry. The payload aliases buf.
func SplitFrame(buf []byte) (TypeID, []byte, error) {
    if len(buf) < FrameHeaderSize {
        return 0, nil, &DecodeError{Err: ErrShortFrame}
    }
    id := TypeID(binary.LittleEndian.Uint16(buf[0:2]))
    n := binary.LittleEndian.Uint32(buf[2:6])
    if n > MaxPayload {
        return id, nil, &DecodeError{ID: id, Err: ErrOversize}
    }
    if uint32(len(buf)-FrameHeaderSize) < n {
        return id, nil, &DecodeError{ID: id, Err: ErrTruncated}
    }
    return id, buf[FrameHeaderSize : FrameHeaderSize+int(n)], nil
}

// FrameTypeID peeks at the leading id without validating the payload.
func FrameTypeID(buf []byte) (TypeID, bool) {
    if len(buf) < 2 { return 0, false }
    return TypeID(binary.LittleEndian.Uint16(buf[0:2])), true
}
