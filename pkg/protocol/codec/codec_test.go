package codec

import (
    "bytes"
    "testing"

    "google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"a": 1, "b": "x"}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["a"].(float64) != 1 || out["b"].(string) != "x" {
        t.Fatalf("roundtrip mismatch: %#v", out)
    }
}

func TestCBORCodec(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    in := map[string]any{"n": 42}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    switch n := out["n"].(type) { // decoder picks the number type
    case uint64:
        if n != 42 { t.Fatalf("n = %d", n) }
    case int64:
        if n != 42 { t.Fatalf("n = %d", n) }
    case float64:
        if n != 42 { t.Fatalf("n = %v", n) }
    default:
        t.Fatalf("unexpected number type %T", out["n"])
    }
}

func TestCBORDeterministic(t *testing.T) {
    c := MustCBOR()
    in := map[string]any{"zz": 1, "a": 2, "m": 3}
    b1, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    b2, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    if !bytes.Equal(b1, b2) { t.Fatalf("canonical encoding not stable") }
}

func TestProtoCodec(t *testing.T) {
    c := Proto()
    s, err := structpb.NewStruct(map[string]any{"k": "v"})
    if err != nil { t.Fatalf("struct: %v", err) }
    b, err := c.Marshal(s)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out structpb.Struct
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Fields["k"].GetStringValue() != "v" { t.Fatalf("roundtrip mismatch") }
}

func TestRegistryLookup(t *testing.T) {
    r := NewRegistry()
    if r.Lookup("cbor") == nil || r.Lookup("json") == nil || r.Lookup("proto") == nil {
        t.Fatalf("builtin alias missing")
    }
    if r.Get(ContentCBOR) == nil { t.Fatalf("content type lookup missing") }
    if r.Lookup("msgpack") != nil { t.Fatalf("unexpected codec for unknown alias") }
}
