package transports

import (
    "msgnet/pkg/transport"
    "msgnet/pkg/transport/mem"
    tquic "msgnet/pkg/transport/quic"
    ttcp "msgnet/pkg/transport/tcp"
    "msgnet/pkg/transport/udp"
)

// NewByKind constructs a Transport by string kind as it appears in
// configuration.
func NewByKind(kind string) (transport.Transport, error) {
    switch kind {
    case "udp":
        return udp.New(), nil
    case "tcp":
        return ttcp.New(), nil
    case "quic", "h3", "http3":
        return tquic.New()
    case "mem", "inproc":
        return mem.New(), nil
    case "winpipe", "pipe":
        return newWinPipeTransport()
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// Basic typed error for unknown kinds
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
