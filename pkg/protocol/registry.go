package protocol

import (
    "encoding/binary"
    "fmt"
    "hash/fnv"
    "reflect"
    "sort"
    "sync"

    "msgnet/pkg/protocol/codec"
)

// TypeRegistry maps type ids to concrete message types. Both ends of a
// connection register the same set before dialing; the fingerprint
// exchanged during session setup catches registries that drifted apart.
type TypeRegistry struct {
    mu    sync.RWMutex
    types map[TypeID]reflect.Type
    c     codec.Codec
}

// NewTypeRegistry returns a registry with the built-in control messages
// pre-registered and canonical CBOR as the payload codec.
func NewTypeRegistry() *TypeRegistry {
    r := &TypeRegistry{types: make(map[TypeID]reflect.Type), c: codec.MustCBOR()}
    r.MustRegister(Connect{})
    r.MustRegister(ConnectAck{})
    r.MustRegister(Disconnect{})
    r.MustRegister(ErrorMsg{})
    r.MustRegister(Ping{})
    r.MustRegister(Pong{})
    return r
}

// SetCodec swaps the payload codec. Call before any traffic flows.
func (r *TypeRegistry) SetCodec(c codec.Codec) {
    r.mu.Lock()
    r.c = c
    r.mu.Unlock()
}

func (r *TypeRegistry) codec() codec.Codec {
    r.mu.RLock()
    c := r.c
    r.mu.RUnlock()
    return c
}

// Register binds proto's TypeID to its concrete type. Registering the same
// type again is a no-op; a different type under a taken id is an error.
func (r *TypeRegistry) Register(proto Message) error {
    rt := reflect.TypeOf(proto)
    if rt.Kind() == reflect.Ptr { rt = rt.Elem() }
    id := proto.TypeID()
    r.mu.Lock()
    defer r.mu.Unlock()
    if prev, ok := r.types[id]; ok {
        if prev == rt { return nil }
        return fmt.Errorf("type id %d already bound to %s", id, prev)
    }
    r.types[id] = rt
    return nil
}

// MustRegister panics on a collision; intended for setup paths where a
// clash is a programming error.
func (r *TypeRegistry) MustRegister(proto Message) {
    if err := r.Register(proto); err != nil { panic(err) }
}

// NextID returns the lowest unused id at or above FirstUserType. Types that
// register in a fixed order on both ends receive the same ids without a
// shared constants file.
func (r *TypeRegistry) NextID() TypeID {
    r.mu.RLock()
    defer r.mu.RUnlock()
    for id := FirstUserType; ; id++ {
        if _, ok := r.types[id]; !ok { return id }
    }
}

// Registered reports whether id is bound.
func (r *TypeRegistry) Registered(id TypeID) bool {
    r.mu.RLock()
    _, ok := r.types[id]
    r.mu.RUnlock()
    return ok
}

// New returns a fresh pointer to the message type bound to id.
func (r *TypeRegistry) New(id TypeID) (Message, bool) {
    r.mu.RLock()
    rt, ok := r.types[id]
    r.mu.RUnlock()
    if !ok { return nil, false }
    return reflect.New(rt).Interface().(Message), true
}

// Fingerprint hashes the (id, type name) pairs so two ends can cheaply
// verify they speak the same message set. Bare type names keep the hash
// stable across package layouts.
func (r *TypeRegistry) Fingerprint() uint64 {
    r.mu.RLock()
    defer r.mu.RUnlock()
    ids := make([]TypeID, 0, len(r.types))
    for id := range r.types { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    h := fnv.New64a()
    var b [2]byte
    for _, id := range ids {
        binary.LittleEndian.PutUint16(b[:], uint16(id))
        h.Write(b[:])
        h.Write([]byte(r.types[id].Name()))
    }
    return h.Sum64()
}
