package handshake

import (
    "errors"
    "testing"

    "msgnet/pkg/protocol"
)

type extra struct{}

func (extra) TypeID() protocol.TypeID { return protocol.FirstUserType }

func TestBuildConnect(t *testing.T) {
    reg := protocol.NewTypeRegistry()
    c := BuildConnect("austin jeane", reg)
    if c.Name != "austin jeane" { t.Fatalf("name = %q", c.Name) }
    if c.Token == "" { t.Fatalf("empty token") }
    if c.Fingerprint != reg.Fingerprint() { t.Fatalf("fingerprint mismatch") }
    if BuildConnect("x", reg).Token == c.Token { t.Fatalf("tokens not unique") }
}

func TestVerifyConnect(t *testing.T) {
    reg := protocol.NewTypeRegistry()
    other := protocol.NewTypeRegistry()
    other.MustRegister(extra{})

    good := BuildConnect("a", reg)
    if err := VerifyConnect(&good, reg, true); err != nil { t.Fatalf("verify: %v", err) }

    anon := protocol.Connect{Token: "t", Fingerprint: reg.Fingerprint()}
    if err := VerifyConnect(&anon, reg, false); !errors.Is(err, ErrMissingName) {
        t.Fatalf("err = %v", err)
    }

    diverged := BuildConnect("b", other)
    if err := VerifyConnect(&diverged, reg, true); !errors.Is(err, ErrRegistryMismatch) {
        t.Fatalf("strict err = %v", err)
    }
    if err := VerifyConnect(&diverged, reg, false); err != nil {
        t.Fatalf("lenient err = %v", err)
    }
}

func TestAckRoundtrip(t *testing.T) {
    reg := protocol.NewTypeRegistry()
    sent := BuildConnect("client", reg)

    ack := AckFor(&sent, 12, "server", reg)
    if ack.ConnID != 12 || ack.Token != sent.Token || ack.Name != "server" {
        t.Fatalf("ack = %+v", ack)
    }
    if ack.Fingerprint != reg.Fingerprint() { t.Fatalf("ack fingerprint mismatch") }
    if err := MatchAck(sent, &ack); err != nil { t.Fatalf("match: %v", err) }

    stale := protocol.ConnectAck{ConnID: 12, Token: "old-token"}
    if err := MatchAck(sent, &stale); !errors.Is(err, ErrTokenMismatch) {
        t.Fatalf("err = %v", err)
    }

    unnumbered := protocol.ConnectAck{Token: sent.Token}
    if err := MatchAck(sent, &unnumbered); err == nil {
        t.Fatalf("zero conn id accepted")
    }
}
