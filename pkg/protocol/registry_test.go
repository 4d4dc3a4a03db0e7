package protocol

import (
    "testing"
)

type otherNote struct {
    N int `cbor:"n"`
}

func (otherNote) TypeID() TypeID { return FirstUserType }

func TestRegistryCollision(t *testing.T) {
    r := NewTypeRegistry()
    if err := r.Register(note{}); err != nil { t.Fatalf("register: %v", err) }
    if err := r.Register(note{}); err != nil { t.Fatalf("re-register same type: %v", err) }
    if err := r.Register(otherNote{}); err == nil {
        t.Fatalf("expected collision for id %d", FirstUserType)
    }
}

func TestRegistryReservedPrefilled(t *testing.T) {
    r := NewTypeRegistry()
    for _, id := range []TypeID{TypeConnect, TypeDisconnect, TypeError, TypeConnectAck, TypePing, TypePong} {
        if !r.Registered(id) { t.Fatalf("builtin id %d not registered", id) }
        if !id.Reserved() { t.Fatalf("id %d not in reserved range", id) }
    }
    if r.Registered(TypeID(50)) { t.Fatalf("id 50 should start unbound") }
}

func TestRegistryNextID(t *testing.T) {
    r := NewTypeRegistry()
    if got := r.NextID(); got != FirstUserType {
        t.Fatalf("first free id = %d, want %d", got, FirstUserType)
    }
    r.MustRegister(note{})
    if got := r.NextID(); got != FirstUserType+1 {
        t.Fatalf("next free id = %d, want %d", got, FirstUserType+1)
    }
}

func TestRegistryNew(t *testing.T) {
    r := NewTypeRegistry()
    r.MustRegister(note{})
    m, ok := r.New(FirstUserType)
    if !ok { t.Fatalf("no type for id %d", FirstUserType) }
    if _, ok := m.(*note); !ok { t.Fatalf("New returned %T", m) }
    if _, ok := r.New(TypeID(999)); ok { t.Fatalf("New for unbound id succeeded") }
}

func TestRegistryFingerprint(t *testing.T) {
    a, b := NewTypeRegistry(), NewTypeRegistry()
    if a.Fingerprint() != b.Fingerprint() {
        t.Fatalf("fresh registries disagree")
    }
    a.MustRegister(note{})
    if a.Fingerprint() == b.Fingerprint() {
        t.Fatalf("divergent registries agree")
    }
    b.MustRegister(note{})
    if a.Fingerprint() != b.Fingerprint() {
        t.Fatalf("same sets disagree after registration")
    }
}
