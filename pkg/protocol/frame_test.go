package protocol

import (
    "encoding/binary"
    "errors"
    "testing"
)

type note struct {
    Text string `cbor:"text"`
}

func (note) TypeID() TypeID { return FirstUserType }

func TestFrameRoundtrip(t *testing.T) {
    r := NewTypeRegistry()
    if err := r.Register(note{}); err != nil { t.Fatalf("register: %v", err) }
    buf, err := r.EncodeFrame(note{Text: "hi"})
    if err != nil { t.Fatalf("encode: %v", err) }
    if got := TypeID(binary.LittleEndian.Uint16(buf[0:2])); got != FirstUserType {
        t.Fatalf("leading id = %d, want %d", got, FirstUserType)
    }
    if got := binary.LittleEndian.Uint32(buf[2:6]); int(got) != len(buf)-FrameHeaderSize {
        t.Fatalf("payload len = %d, want %d", got, len(buf)-FrameHeaderSize)
    }
    m, err := r.DecodeFrame(buf)
    if err != nil { t.Fatalf("decode: %v", err) }
    n, ok := m.(*note)
    if !ok { t.Fatalf("decoded %T, want *note", m) }
    if n.Text != "hi" { t.Fatalf("text = %q", n.Text) }
}

func TestFrameTruncated(t *testing.T) {
    r := NewTypeRegistry()
    r.MustRegister(note{})
    buf, err := r.EncodeFrame(note{Text: "truncate me"})
    if err != nil { t.Fatalf("encode: %v", err) }
    _, err = r.DecodeFrame(buf[:len(buf)-1])
    if !errors.Is(err, ErrTruncated) { t.Fatalf("err = %v, want ErrTruncated", err) }
    var de *DecodeError
    if !errors.As(err, &de) || de.ID != FirstUserType {
        t.Fatalf("decode error id = %v", err)
    }
    _, err = r.DecodeFrame(buf[:3])
    if !errors.Is(err, ErrShortFrame) { t.Fatalf("err = %v, want ErrShortFrame", err) }
}

func TestFrameUnknownType(t *testing.T) {
    r := NewTypeRegistry()
    r.MustRegister(note{})
    buf, err := r.EncodeFrame(note{Text: "x"})
    if err != nil { t.Fatalf("encode: %v", err) }
    binary.LittleEndian.PutUint16(buf[0:2], 50) // nothing registered there
    _, err = r.DecodeFrame(buf)
    if !errors.Is(err, ErrUnknownType) { t.Fatalf("err = %v, want ErrUnknownType", err) }
}

func TestFrameOversize(t *testing.T) {
    buf := make([]byte, FrameHeaderSize)
    binary.LittleEndian.PutUint16(buf[0:2], uint16(FirstUserType))
    binary.LittleEndian.PutUint32(buf[2:6], MaxPayload+1)
    _, _, err := SplitFrame(buf)
    if !errors.Is(err, ErrOversize) { t.Fatalf("err = %v, want ErrOversize", err) }
}

func TestFrameZeroPayload(t *testing.T) {
    id, payload, err := SplitFrame([]byte{9, 0, 0, 0, 0, 0})
    if err != nil { t.Fatalf("split: %v", err) }
    if id != 9 || len(payload) != 0 {
        t.Fatalf("id=%d len=%d, want 9/0", id, len(payload))
    }
}

func TestDecodeFrameAs(t *testing.T) {
    r := NewTypeRegistry()
    buf, err := r.EncodeFrame(Ping{SentUnixMs: 7})
    if err != nil { t.Fatalf("encode: %v", err) }
    if _, err := r.DecodeFrameAs(buf, TypePing); err != nil {
        t.Fatalf("decode as ping: %v", err)
    }
    _, err = r.DecodeFrameAs(buf, TypePong)
    if !errors.Is(err, ErrTypeMismatch) { t.Fatalf("err = %v, want ErrTypeMismatch", err) }
}
