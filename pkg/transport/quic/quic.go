package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "io"
    "math/big"
    "net"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "msgnet/pkg/transport"
)

const alpnProto = "msgnet/1"

// maxDatagramPayload is a conservative bound for QUIC DATAGRAM frames.
// Larger packets ride a one-shot uni stream instead, which stays
// unordered across packets and so keeps the bearer contract.
const maxDatagramPayload = 1100

// Transport carries packets over QUIC: DATAGRAM frames when they fit,
// otherwise one uni stream per packet.
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

func New() (*Transport, error) {
    // Ephemeral self-signed certificate; session auth happens at the
    // message layer, not in TLS.
    cert, err := selfSignedCert()
    if err != nil { return nil, fmt.Errorf("quic: generate certificate: %w", err) }
    return &Transport{
        tlsConf: &tls.Config{
            Certificates: []tls.Certificate{cert},
            NextProtos:   []string{alpnProto},
            MinVersion:   tls.VersionTLS13,
        },
        quicConf: &quicgo.Config{EnableDatagrams: true},
    }, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go ql.acceptLoop(ctx)
    go func() { <-ctx.Done(); _ = ql.Close() }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    tlsClient := &tls.Config{
        InsecureSkipVerify: true,
        NextProtos:         []string{alpnProto},
        MinVersion:         tls.VersionTLS13,
    }
    c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, transport.WrapRefused(err) }
    return newSession(c), nil
}

// ---- Listener ----

type listener struct {
    l       *quicgo.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, transport.ErrClosed
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: default: close(l.closeCh) }
    return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        c, err := l.l.Accept(ctx)
        if err != nil { return }
        s := newSession(c)
        select { case l.newCh <- s: default: _ = s.Close() }
    }
}

// ---- Session ----

type session struct {
    c      *quicgo.Conn
    rxCh   chan []byte
    ctx    context.Context
    cancel context.CancelFunc
}

func newSession(c *quicgo.Conn) *session {
    ctx, cancel := context.WithCancel(context.Background())
    s := &session{c: c, rxCh: make(chan []byte, 64), ctx: ctx, cancel: cancel}
    go s.datagramLoop()
    go s.streamLoop()
    return s
}

func (s *session) Kind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *session) WritePacket(b []byte) error {
    if len(b) <= maxDatagramPayload {
        err := s.c.SendDatagram(b)
        if err == nil { return nil }
        var tooBig *quicgo.DatagramTooLargeError
        if !errors.As(err, &tooBig) { return err }
        // fall through to a one-shot stream
    }
    str, err := s.c.OpenUniStreamSync(s.ctx)
    if err != nil { return err }
    if _, err := str.Write(b); err != nil {
        _ = str.Close()
        return err
    }
    return str.Close()
}

func (s *session) ReadPacket() ([]byte, error) {
    select { case pkt := <-s.rxCh: return pkt, nil; default: }
    select {
    case pkt := <-s.rxCh:
        return pkt, nil
    case <-s.ctx.Done():
        return nil, transport.ErrClosed
    case <-s.c.Context().Done():
        return nil, context.Cause(s.c.Context())
    }
}

func (s *session) datagramLoop() {
    for {
        b, err := s.c.ReceiveDatagram(s.ctx)
        if err != nil { return }
        select { case s.rxCh <- b: default: }
    }
}

func (s *session) streamLoop() {
    for {
        str, err := s.c.AcceptUniStream(s.ctx)
        if err != nil { return }
        go func(str *quicgo.ReceiveStream) {
            b, err := io.ReadAll(str)
            if err != nil || len(b) == 0 { return }
            select { case s.rxCh <- b: default: }
        }(str)
    }
}

func (s *session) Close() error {
    s.cancel()
    return s.c.CloseWithError(0, "bye")
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        NotBefore:    time.Now().Add(-time.Minute),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:     []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
