package handshake

import (
    "errors"
    "fmt"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "msgnet/pkg/conntable"
    "msgnet/pkg/protocol"
)

// Session setup failures the endpoint maps onto refusal codes.
var (
    ErrMissingName      = errors.New("connect has no name")
    ErrRegistryMismatch = errors.New("type registry fingerprint mismatch")
    ErrTokenMismatch    = errors.New("ack token does not echo connect token")
)

// NewToken returns a fresh opaque token the client embeds in its Connect.
// The ack must echo it so a stray ack from an earlier attempt is not
// mistaken for the current one.
func NewToken() string { return uuid.NewString() }

// BuildConnect assembles the opening message for a named endpoint. The
// fingerprint lets the far side detect a diverged message registry before
// any user traffic flows.
func BuildConnect(name string, reg *protocol.TypeRegistry) protocol.Connect {
    return protocol.Connect{
        Name:        name,
        Token:       NewToken(),
        Fingerprint: reg.Fingerprint(),
    }
}

// VerifyConnect checks an inbound Connect against the local registry.
// strict turns a fingerprint mismatch into a refusal; otherwise it is
// logged and tolerated (the peer may simply register fewer types).
func VerifyConnect(c *protocol.Connect, reg *protocol.TypeRegistry, strict bool) error {
    if c.Name == "" { return ErrMissingName }
    local := reg.Fingerprint()
    if c.Fingerprint == local { return nil }
    if strict {
        return fmt.Errorf("local %x, peer %x: %w", local, c.Fingerprint, ErrRegistryMismatch)
    }
    zap.L().Warn("registry fingerprint differs",
        zap.String("peer", c.Name),
        zap.Uint64("local", local), zap.Uint64("remote", c.Fingerprint))
    return nil
}

// AckFor builds the acceptance reply: the server-side id for the new
// connection, the echoed token and the server's registry fingerprint so
// the dialer can run the same divergence check in reverse.
func AckFor(c *protocol.Connect, id conntable.ConnID, serverName string, reg *protocol.TypeRegistry) protocol.ConnectAck {
    return protocol.ConnectAck{
        ConnID:      uint64(id),
        Token:       c.Token,
        Name:        serverName,
        Fingerprint: reg.Fingerprint(),
    }
}

// MatchAck validates that ack answers the Connect we actually sent.
func MatchAck(sent protocol.Connect, ack *protocol.ConnectAck) error {
    if ack.Token != sent.Token {
        return fmt.Errorf("sent %q, got %q: %w", sent.Token, ack.Token, ErrTokenMismatch)
    }
    if ack.ConnID == 0 { return errors.New("ack carries no connection id") }
    return nil
}
