package transport

import (
    "context"
    "errors"
    "fmt"
    "net"
    "syscall"
)

// Kind identifies the bearer type for policy and logging.
type Kind int

const (
    KindUnknown Kind = iota
    KindUDP
    KindTCP
    KindQUIC
    KindMem
    KindWinPipe
)

func (k Kind) String() string {
    switch k {
    case KindUDP:
        return "udp"
    case KindTCP:
        return "tcp"
    case KindQUIC:
        return "quic"
    case KindMem:
        return "mem"
    case KindWinPipe:
        return "winpipe"
    default:
        return "unknown"
    }
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
    switch s {
    case "udp":
        return KindUDP, nil
    case "tcp":
        return KindTCP, nil
    case "quic":
        return KindQUIC, nil
    case "mem":
        return KindMem, nil
    case "winpipe":
        return KindWinPipe, nil
    }
    return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
}

// Common bearer failures.
var (
    ErrClosed  = errors.New("transport closed")
    ErrRefused = errors.New("connection refused")
)

// IsRefused reports whether err marks an actively refused dial or send:
// the remote host answered and said nobody listens there.
func IsRefused(err error) bool {
    return errors.Is(err, ErrRefused) || errors.Is(err, syscall.ECONNREFUSED)
}

// WrapRefused tags OS-level refusals with ErrRefused so callers can match
// without importing syscall.
func WrapRefused(err error) error {
    if err == nil { return nil }
    if errors.Is(err, syscall.ECONNREFUSED) {
        return fmt.Errorf("%w: %v", ErrRefused, err)
    }
    return err
}

// Session is one established packet bearer to a remote end. Packets are
// opaque byte slices that arrive whole or not at all; ordering and
// delivery guarantees live a layer up.
type Session interface {
    Kind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr

    // WritePacket hands one datagram to the bearer without blocking on the
    // remote end. Oversized or unroutable packets error out.
    WritePacket(b []byte) error

    // ReadPacket blocks for the next datagram. Exactly one reader at a time.
    ReadPacket() ([]byte, error)

    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    // Addr returns the local listening address.
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport provides dialing and listening for one bearer kind.
type Transport interface {
    Kind() Kind
    Listen(ctx context.Context, address string) (Listener, error)
    Dial(ctx context.Context, address string) (Session, error)
}
