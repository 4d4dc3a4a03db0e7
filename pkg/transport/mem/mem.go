package mem

import (
    "context"
    "fmt"
    "math/rand/v2"
    "net"
    "sync"
    "sync/atomic"

    "msgnet/pkg/transport"
)

// Transport is an in-process packet bearer. Listeners register under plain
// string addresses on the transport instance; both ends must share the
// instance. Dialing an address nobody listens on fails like a refused
// connection, which makes refusal deterministic in tests.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
    dialSeq   atomic.Uint64

    lossRate float64
    rngMu    sync.Mutex
    rng      *rand.Rand
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

// NewLossy drops roughly rate of outgoing packets, deterministically for a
// given seed. Exercises the retransmit path without a real flaky network.
func NewLossy(rate float64, seed uint64) *Transport {
    return &Transport{
        listeners: make(map[string]*listener),
        lossRate:  rate,
        rng:       rand.New(rand.NewPCG(seed, 0)),
    }
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) dropPacket() bool {
    if t.lossRate <= 0 { return false }
    t.rngMu.Lock()
    v := t.rng.Float64()
    t.rngMu.Unlock()
    return v < t.lossRate
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if _, ok := t.listeners[address]; ok {
        return nil, fmt.Errorf("mem: address %q already in use", address)
    }
    l := &listener{
        t:       t,
        addr:    memAddr(address),
        newCh:   make(chan *session, 8),
        closeCh: make(chan struct{}),
    }
    t.listeners[address] = l
    go func() { <-ctx.Done(); _ = l.Close() }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    t.mu.Lock()
    l := t.listeners[address]
    t.mu.Unlock()
    if l == nil {
        return nil, fmt.Errorf("mem: dial %s: %w", address, transport.ErrRefused)
    }

    seq := t.dialSeq.Add(1)
    a2b := make(chan []byte, 64)
    b2a := make(chan []byte, 64)
    dialerClose := make(chan struct{})
    acceptClose := make(chan struct{})
    local := memAddr(fmt.Sprintf("%s/peer-%d", address, seq))

    dialSide := &session{
        t: t, local: local, remote: memAddr(address),
        tx: a2b, rx: b2a, closeCh: dialerClose, peerCh: acceptClose,
    }
    acceptSide := &session{
        t: t, local: memAddr(address), remote: local,
        tx: b2a, rx: a2b, closeCh: acceptClose, peerCh: dialerClose,
    }

    select {
    case l.newCh <- acceptSide:
    case <-l.closeCh:
        return nil, fmt.Errorf("mem: dial %s: %w", address, transport.ErrRefused)
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    return dialSide, nil
}

func (t *Transport) unregister(address string) {
    t.mu.Lock()
    delete(t.listeners, address)
    t.mu.Unlock()
}

type listener struct {
    t       *Transport
    addr    memAddr
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.addr }

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
    l.once.Do(func() {
        close(l.closeCh)
        l.t.unregister(string(l.addr))
    })
    return nil
}

type session struct {
    t      *Transport
    local  memAddr
    remote memAddr
    tx     chan []byte
    rx     chan []byte

    closeCh chan struct{}
    peerCh  chan struct{}
    once    sync.Once
}

func (s *session) Kind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr  { return s.local }
func (s *session) RemoteAddr() net.Addr { return s.remote }

func (s *session) WritePacket(b []byte) error {
    select {
    case <-s.closeCh:
        return transport.ErrClosed
    case <-s.peerCh:
        return fmt.Errorf("mem: peer gone: %w", transport.ErrClosed)
    default:
    }
    if s.t.dropPacket() {
        return nil // simulated loss: the packet just vanishes
    }
    pkt := append([]byte(nil), b...)
    select {
    case s.tx <- pkt:
    default: // congested link drops datagrams
    }
    return nil
}

func (s *session) ReadPacket() ([]byte, error) {
    select { case pkt := <-s.rx: return pkt, nil; default: }
    select {
    case pkt := <-s.rx:
        return pkt, nil
    case <-s.closeCh:
        return nil, transport.ErrClosed
    case <-s.peerCh:
        return nil, fmt.Errorf("mem: peer gone: %w", transport.ErrClosed)
    }
}

func (s *session) Close() error {
    s.once.Do(func() { close(s.closeCh) })
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
