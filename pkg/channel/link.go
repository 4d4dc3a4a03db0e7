package channel

import (
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "msgnet/pkg/priocq"
    "msgnet/pkg/protocol"
    "msgnet/pkg/transport"
)

// Link binds one connection id to one bearer session and owns the
// reliable-send bookkeeping for it: the sequence counter and the
// in-flight table with retransmit timers.
type Link struct {
    e    *Engine
    id   uint64
    sess transport.Session

    seq atomic.Uint64

    mu       sync.Mutex
    inflight map[uint64]*pending
    closed   bool
}

type pending struct {
    seq      uint64
    pkt      []byte
    class    priocq.Class
    typeID   protocol.TypeID
    attempts int
    timer    *time.Timer
}

func newLink(e *Engine, id uint64, sess transport.Session) *Link {
    return &Link{e: e, id: id, sess: sess, inflight: make(map[uint64]*pending)}
}

// ID returns the local connection id this link serves.
func (l *Link) ID() uint64 { return l.id }

// Session exposes the underlying bearer, mainly for address logging.
func (l *Link) Session() transport.Session { return l.sess }

// nextSeq hands out sequence numbers starting at 1; 0 is the unreliable
// sentinel on the wire.
func (l *Link) nextSeq() uint64 { return l.seq.Add(1) }

// track registers a reliable packet and arms its first retransmit timer.
func (l *Link) track(p *pending) {
    l.mu.Lock()
    if l.closed {
        l.mu.Unlock()
        return
    }
    l.inflight[p.seq] = p
    p.timer = time.AfterFunc(l.backoff(0), func() { l.retry(p.seq) })
    l.mu.Unlock()
}

// ack clears an in-flight packet. Reports whether the seq was known:
// duplicate acks for already-cleared packets are normal.
func (l *Link) ack(seq uint64) bool {
    l.mu.Lock()
    p, ok := l.inflight[seq]
    if ok { delete(l.inflight, seq) }
    l.mu.Unlock()
    if ok && p.timer != nil { p.timer.Stop() }
    return ok
}

func (l *Link) backoff(attempts int) time.Duration {
    d := l.e.cfg.RetryBase << uint(attempts)
    if d > l.e.cfg.RetryMax || d <= 0 { d = l.e.cfg.RetryMax }
    return d
}

// retry requeues an unacked packet or, past the retry limit, reports the
// delivery as failed and leaves the connection's fate to the endpoint.
func (l *Link) retry(seq uint64) {
    l.mu.Lock()
    p, ok := l.inflight[seq]
    if !ok || l.closed {
        l.mu.Unlock()
        return
    }
    p.attempts++
    if p.attempts > l.e.cfg.RetryLimit {
        delete(l.inflight, seq)
        l.mu.Unlock()
        err := &DeliveryError{Conn: l.id, Seq: seq, Type: p.typeID, Attempts: p.attempts - 1}
        l.e.log.Warn("reliable delivery gave up",
            zap.Uint64("conn", l.id), zap.Uint64("seq", seq),
            zap.Int("attempts", p.attempts-1))
        l.e.emit(Event{Kind: EvDeliveryFailed, Conn: l.id, Seq: seq, Err: err})
        return
    }
    p.timer = time.AfterFunc(l.backoff(p.attempts), func() { l.retry(seq) })
    l.mu.Unlock()

    l.e.mResent.Add(1)
    l.e.queue.Enqueue(priocq.Item{Bytes: p.pkt, Conn: l.id, Class: p.class})
}

// InflightLen reports packets still awaiting acks.
func (l *Link) InflightLen() int {
    l.mu.Lock()
    n := len(l.inflight)
    l.mu.Unlock()
    return n
}

func (l *Link) isClosed() bool {
    l.mu.Lock()
    c := l.closed
    l.mu.Unlock()
    return c
}

// shutdown stops every retransmit timer and closes the bearer.
func (l *Link) shutdown() {
    l.mu.Lock()
    if l.closed {
        l.mu.Unlock()
        return
    }
    l.closed = true
    pendings := make([]*pending, 0, len(l.inflight))
    for _, p := range l.inflight { pendings = append(pendings, p) }
    l.inflight = make(map[uint64]*pending)
    l.mu.Unlock()

    for _, p := range pendings {
        if p.timer != nil { p.timer.Stop() }
    }
    _ = l.sess.Close()
}
