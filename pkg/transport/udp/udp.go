package udp

import (
    "context"
    "fmt"
    "net"
    "sync"

    "msgnet/pkg/transport"
)

const maxDatagram = 64 * 1024

// Transport carries packets over plain UDP. The listener demuxes inbound
// datagrams by remote address into per-peer sessions.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    laddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil { return nil, err }
    l := &listener{
        conn:     c,
        sessions: make(map[string]*inboundSession),
        newCh:    make(chan *inboundSession, 8),
        closeCh:  make(chan struct{}),
    }
    go l.readLoop()
    go func() { <-ctx.Done(); _ = l.Close() }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    raddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    // Connected socket: ICMP port-unreachable comes back as ECONNREFUSED
    // on a later read or write, which is how dead listeners get noticed.
    c, err := net.DialUDP("udp", nil, raddr)
    if err != nil { return nil, transport.WrapRefused(err) }
    s := &dialSession{
        conn:   c,
        raddr:  raddr,
        rxCh:   make(chan []byte, 64),
        deadCh: make(chan struct{}),
    }
    go s.recvLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = s.Close()
        case <-s.deadCh:
        }
    }()
    return s, nil
}

// ---- Listener/demux ----

type listener struct {
    conn     *net.UDPConn
    mu       sync.Mutex
    sessions map[string]*inboundSession
    newCh    chan *inboundSession
    closeCh  chan struct{}
}

func (l *listener) Addr() net.Addr { return l.conn.LocalAddr() }

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
    err := l.conn.Close()
    l.mu.Lock()
    all := make([]*inboundSession, 0, len(l.sessions))
    for _, s := range l.sessions { all = append(all, s) }
    l.mu.Unlock()
    for _, s := range all { _ = s.Close() }
    return err
}

func (l *listener) drop(key string) {
    l.mu.Lock()
    delete(l.sessions, key)
    l.mu.Unlock()
}

func (l *listener) readLoop() {
    buf := make([]byte, maxDatagram)
    for {
        n, raddr, err := l.conn.ReadFromUDP(buf)
        if err != nil {
            _ = l.Close()
            return
        }
        pkt := append([]byte(nil), buf[:n]...)
        key := raddr.String()
        l.mu.Lock()
        s, ok := l.sessions[key]
        if !ok {
            s = &inboundSession{
                l:       l,
                key:     key,
                raddr:   raddr,
                rxCh:    make(chan []byte, 64),
                closeCh: make(chan struct{}),
            }
            select {
            case l.newCh <- s:
                l.sessions[key] = s
            default:
                // accept backlog full: behave like a dropped datagram
                l.mu.Unlock()
                continue
            }
        }
        l.mu.Unlock()
        select { case s.rxCh <- pkt: default: } // consumer lagging: drop
    }
}

// ---- Inbound session (shares the listener socket) ----

type inboundSession struct {
    l       *listener
    key     string
    raddr   *net.UDPAddr
    rxCh    chan []byte
    closeCh chan struct{}
    once    sync.Once
}

func (s *inboundSession) Kind() transport.Kind { return transport.KindUDP }
func (s *inboundSession) LocalAddr() net.Addr  { return s.l.conn.LocalAddr() }
func (s *inboundSession) RemoteAddr() net.Addr { return s.raddr }

func (s *inboundSession) WritePacket(b []byte) error {
    if len(b) > maxDatagram {
        return fmt.Errorf("udp: packet %d exceeds datagram limit", len(b))
    }
    select {
    case <-s.closeCh:
        return transport.ErrClosed
    default:
    }
    _, err := s.l.conn.WriteToUDP(b, s.raddr)
    return err
}

func (s *inboundSession) ReadPacket() ([]byte, error) {
    select { case pkt := <-s.rxCh: return pkt, nil; default: }
    select {
    case pkt := <-s.rxCh:
        return pkt, nil
    case <-s.closeCh:
        return nil, transport.ErrClosed
    }
}

// Close detaches the session from the demux table so a later datagram
// from the same address starts a fresh session.
func (s *inboundSession) Close() error {
    s.once.Do(func() {
        close(s.closeCh)
        s.l.drop(s.key)
    })
    return nil
}

// ---- Outbound session (owns a connected socket) ----

type dialSession struct {
    conn   *net.UDPConn
    raddr  *net.UDPAddr
    rxCh   chan []byte
    deadCh chan struct{}
    once   sync.Once

    mu  sync.Mutex
    err error
}

func (s *dialSession) Kind() transport.Kind { return transport.KindUDP }
func (s *dialSession) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *dialSession) RemoteAddr() net.Addr { return s.raddr }

func (s *dialSession) recvLoop() {
    buf := make([]byte, maxDatagram)
    for {
        n, err := s.conn.Read(buf)
        if err != nil {
            s.fail(err)
            return
        }
        pkt := append([]byte(nil), buf[:n]...)
        select { case s.rxCh <- pkt: default: }
    }
}

// fail records the first error and wakes readers.
func (s *dialSession) fail(err error) {
    s.mu.Lock()
    if s.err == nil { s.err = transport.WrapRefused(err) }
    s.mu.Unlock()
    s.once.Do(func() { close(s.deadCh) })
}

func (s *dialSession) readErr() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.err != nil { return s.err }
    return transport.ErrClosed
}

func (s *dialSession) WritePacket(b []byte) error {
    if len(b) > maxDatagram {
        return fmt.Errorf("udp: packet %d exceeds datagram limit", len(b))
    }
    select {
    case <-s.deadCh:
        return s.readErr()
    default:
    }
    if _, err := s.conn.Write(b); err != nil {
        return transport.WrapRefused(err)
    }
    return nil
}

func (s *dialSession) ReadPacket() ([]byte, error) {
    select { case pkt := <-s.rxCh: return pkt, nil; default: }
    select {
    case pkt := <-s.rxCh:
        return pkt, nil
    case <-s.deadCh:
        return nil, s.readErr()
    }
}

func (s *dialSession) Close() error {
    s.mu.Lock()
    if s.err == nil { s.err = transport.ErrClosed }
    s.mu.Unlock()
    s.once.Do(func() { close(s.deadCh) })
    return s.conn.Close()
}
