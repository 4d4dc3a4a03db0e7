package codec

// Codec serializes message payloads. Implementations must be deterministic:
// the same value always encodes to the same bytes, so payloads can be
// compared byte-for-byte across hosts.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types (and short aliases) to codecs.
type Registry struct { byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs:
// CBOR (the wire default), JSON and Protobuf.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(MustCBOR())
    r.Register(JSON())
    r.Register(Proto())
    return r
}

// Register adds a codec, replacing any prior codec for the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup resolves a codec by content type or short alias (cbor, json, proto).
func (r *Registry) Lookup(name string) Codec {
    switch name {
    case "cbor":
        return r.byType[ContentCBOR]
    case "json":
        return r.byType[ContentJSON]
    case "proto", "protobuf":
        return r.byType[ContentProto]
    }
    return r.byType[name]
}

// Content types for the built-in codecs.
const (
    ContentCBOR  = "application/cbor"
    ContentJSON  = "application/json"
    ContentProto = "application/x-protobuf"
)
