package channel

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "msgnet/pkg/memkv"
    "msgnet/pkg/priocq"
    "msgnet/pkg/protocol"
    "msgnet/pkg/transport"
)

// Engine runs the packet machinery for one endpoint instance: a single
// sender goroutine draining the priority queue, one receive loop per
// attached link, retransmit timers for reliable packets and a dedup table
// that keeps dispatch exactly-once. Guarantees are per message, never
// across messages: reliable traffic arrives exactly once but in any order.
type Engine struct {
    cfg   Config
    log   *zap.Logger
    reg   *protocol.TypeRegistry
    queue *priocq.MultiLevelQueue
    seen  *memkv.Store

    events  chan Event
    stopCh  chan struct{}
    stopped atomic.Bool
    wg      sync.WaitGroup

    mu    sync.Mutex
    links map[uint64]*Link

    limiter *rate.Limiter
    shaper  *priocq.TokenBucket

    mSent       atomic.Uint64
    mResent     atomic.Uint64
    mAcked      atomic.Uint64
    mDelivered  atomic.Uint64
    mDupDrop    atomic.Uint64
    mBadPacket  atomic.Uint64
    mBadFrame   atomic.Uint64
    mSendFailed atomic.Uint64
    mIngressCut atomic.Uint64
    mUnreliable atomic.Uint64
}

// Config tunes the reliability machinery.
type Config struct {
    RetryLimit int           // retransmit attempts before giving up
    RetryBase  time.Duration // first retransmit delay, doubled per attempt
    RetryMax   time.Duration // backoff ceiling
    DedupTTL   time.Duration // how long received (conn, seq) pairs stay hot
    EventBuf   int           // events channel depth
    IngressPPS int           // inbound packet budget per second, 0 = unlimited
    EgressBps  int64         // outbound byte budget per second, 0 = unlimited
}

// DefaultConfig returns the tuning used unless an endpoint overrides it.
func DefaultConfig() Config {
    return Config{
        RetryLimit: 7,
        RetryBase:  200 * time.Millisecond,
        RetryMax:   2 * time.Second,
        DedupTTL:   30 * time.Second,
        EventBuf:   256,
    }
}

func (c Config) withDefaults() Config {
    d := DefaultConfig()
    if c.RetryLimit <= 0 { c.RetryLimit = d.RetryLimit }
    if c.RetryBase <= 0 { c.RetryBase = d.RetryBase }
    if c.RetryMax <= 0 { c.RetryMax = d.RetryMax }
    if c.DedupTTL <= 0 { c.DedupTTL = d.DedupTTL }
    if c.EventBuf <= 0 { c.EventBuf = d.EventBuf }
    return c
}

// Engine failures.
var (
    ErrNoLink         = errors.New("no link for connection")
    ErrEngineStopped  = errors.New("channel engine stopped")
    ErrDeliveryFailed = errors.New("delivery failed")
)

// DeliveryError reports a reliable packet that exhausted its retries.
type DeliveryError struct {
    Conn     uint64
    Seq      uint64
    Type     protocol.TypeID
    Attempts int
}

func (e *DeliveryError) Error() string {
    return fmt.Sprintf("delivery failed: conn %d seq %d type %d after %d attempts",
        e.Conn, e.Seq, e.Type, e.Attempts)
}

func (e *DeliveryError) Unwrap() error { return ErrDeliveryFailed }

// EventKind discriminates engine events.
type EventKind int

const (
    EvMessage        EventKind = iota // decoded frame ready for dispatch
    EvBadFrame                        // frame arrived but would not decode
    EvDeliveryFailed                  // reliable packet gave up
    EvLinkDown                        // bearer read failed
)

// Event is what the engine hands up to the endpoint loop.
type Event struct {
    Kind     EventKind
    Conn     uint64
    Msg      protocol.Message
    Reliable bool
    Seq      uint64
    Size     int // frame bytes for EvMessage
    Err      error
}

// NewEngine builds an engine around a shared type registry. A nil logger
// silences it.
func NewEngine(cfg Config, reg *protocol.TypeRegistry, log *zap.Logger) *Engine {
    cfg = cfg.withDefaults()
    if log == nil { log = zap.NewNop() }
    e := &Engine{
        cfg:    cfg,
        log:    log,
        reg:    reg,
        queue:  priocq.New(),
        seen:   memkv.New(memkv.Options{}),
        events: make(chan Event, cfg.EventBuf),
        stopCh: make(chan struct{}),
        links:  make(map[uint64]*Link),
    }
    if cfg.IngressPPS > 0 {
        e.limiter = rate.NewLimiter(rate.Limit(cfg.IngressPPS), cfg.IngressPPS)
    }
    if cfg.EgressBps > 0 {
        e.shaper = priocq.NewTokenBucket(cfg.EgressBps, 0)
    }
    return e
}

// Start launches the sender. Call once.
func (e *Engine) Start() {
    e.wg.Add(1)
    go e.sendLoop()
}

// Events exposes the inbound event stream. A single consumer is expected.
func (e *Engine) Events() <-chan Event { return e.events }

// Attach registers a bearer session under a connection id and starts its
// receive loop.
func (e *Engine) Attach(connID uint64, sess transport.Session) (*Link, error) {
    if e.stopped.Load() { return nil, ErrEngineStopped }
    l := newLink(e, connID, sess)
    e.mu.Lock()
    if _, dup := e.links[connID]; dup {
        e.mu.Unlock()
        return nil, fmt.Errorf("conn %d already attached", connID)
    }
    e.links[connID] = l
    e.mu.Unlock()
    e.wg.Add(1)
    go e.recvLoop(l)
    return l, nil
}

// Detach tears a link down: cancels retransmit timers, drops its queued
// packets and closes the bearer. Idempotent.
func (e *Engine) Detach(connID uint64) {
    e.mu.Lock()
    l := e.links[connID]
    delete(e.links, connID)
    e.mu.Unlock()
    if l == nil { return }
    dropped := e.queue.Drop(connID)
    if dropped > 0 {
        e.log.Debug("dropped queued packets on detach",
            zap.Uint64("conn", connID), zap.Int("count", dropped))
    }
    l.shutdown()
}

func (e *Engine) link(connID uint64) *Link {
    e.mu.Lock()
    l := e.links[connID]
    e.mu.Unlock()
    return l
}

// SendReliable queues m for exactly-once dispatch on the far side.
func (e *Engine) SendReliable(connID uint64, m protocol.Message) error {
    return e.send(connID, m, priocq.ClassReliable, true)
}

// SendUnreliable queues m best-effort: one attempt, no ack, no retry.
func (e *Engine) SendUnreliable(connID uint64, m protocol.Message) error {
    return e.send(connID, m, priocq.ClassUnreliable, false)
}

// SendControl queues m reliably ahead of user traffic. Session setup and
// teardown travel here.
func (e *Engine) SendControl(connID uint64, m protocol.Message) error {
    return e.send(connID, m, priocq.ClassControl, true)
}

func (e *Engine) send(connID uint64, m protocol.Message, class priocq.Class, reliable bool) error {
    if e.stopped.Load() { return ErrEngineStopped }
    l := e.link(connID)
    if l == nil { return fmt.Errorf("conn %d: %w", connID, ErrNoLink) }
    frame, err := e.reg.EncodeFrame(m)
    if err != nil { return err }

    if !reliable {
        pkt := protocol.EncodePacket(protocol.PktDataUnreliable, 0, frame)
        e.queue.Enqueue(priocq.Item{Bytes: pkt, Conn: connID, Class: class})
        e.mUnreliable.Add(1)
        return nil
    }

    seq := l.nextSeq()
    pkt := protocol.EncodePacket(protocol.PktData, seq, frame)
    l.track(&pending{seq: seq, pkt: pkt, class: class, typeID: m.TypeID()})
    e.queue.Enqueue(priocq.Item{Bytes: pkt, Conn: connID, Class: class})
    e.mSent.Add(1)
    return nil
}

// sendLoop is the single writer: it drains the priority queue and pushes
// packets onto the owning link's bearer.
func (e *Engine) sendLoop() {
    defer e.wg.Done()
    for {
        it, ok := e.queue.Dequeue(e.stopCh)
        if !ok { return }
        e.pace(int64(len(it.Bytes)))
        e.writeOut(it)
    }
}

// pace waits for the egress shaper to release n bytes. Returns early when
// the engine stops so the shutdown flush is never throttled.
func (e *Engine) pace(n int64) {
    if e.shaper == nil { return }
    for {
        ok, wait := e.shaper.Allow(n)
        if ok { return }
        t := time.NewTimer(wait)
        select {
        case <-t.C:
        case <-e.stopCh:
            t.Stop()
            return
        }
    }
}

func (e *Engine) writeOut(it priocq.Item) {
    l := e.link(it.Conn)
    if l == nil { return }
    if err := l.sess.WritePacket(it.Bytes); err != nil {
        e.mSendFailed.Add(1)
        e.log.Debug("bearer write failed",
            zap.Uint64("conn", it.Conn), zap.Error(err))
        if transport.IsRefused(err) {
            e.emit(Event{Kind: EvLinkDown, Conn: it.Conn, Err: err})
        }
    }
}

func (e *Engine) recvLoop(l *Link) {
    defer e.wg.Done()
    for {
        pkt, err := l.sess.ReadPacket()
        if err != nil {
            if !l.isClosed() && !e.stopped.Load() {
                e.emit(Event{Kind: EvLinkDown, Conn: l.id, Err: err})
            }
            return
        }
        if e.limiter != nil && !e.limiter.Allow() {
            e.mIngressCut.Add(1)
            continue
        }
        e.handlePacket(l, pkt)
    }
}

func (e *Engine) handlePacket(l *Link, raw []byte) {
    p, err := protocol.DecodePacket(raw)
    if err != nil {
        e.mBadPacket.Add(1)
        e.log.Debug("dropping undecodable packet",
            zap.Uint64("conn", l.id), zap.Error(err))
        return
    }
    switch p.Kind {
    case protocol.PktAck:
        if l.ack(p.Seq) { e.mAcked.Add(1) }
    case protocol.PktData:
        // Ack every reliable packet, duplicates included: a lost ack is
        // the only reason duplicates exist.
        e.queue.Enqueue(priocq.Item{
            Bytes: protocol.AckPacket(p.Seq), Conn: l.id, Class: priocq.ClassControl,
        })
        if !e.seen.SetNX(dedupKey(l.id, p.Seq), nil, e.cfg.DedupTTL) {
            e.mDupDrop.Add(1)
            return
        }
        e.deliver(l, p.Frame, true, p.Seq)
    case protocol.PktDataUnreliable:
        e.deliver(l, p.Frame, false, 0)
    }
}

func (e *Engine) deliver(l *Link, frame []byte, reliable bool, seq uint64) {
    m, err := e.reg.DecodeFrame(frame)
    if err != nil {
        e.mBadFrame.Add(1)
        e.emit(Event{Kind: EvBadFrame, Conn: l.id, Reliable: reliable, Seq: seq, Size: len(frame), Err: err})
        return
    }
    e.mDelivered.Add(1)
    e.emit(Event{Kind: EvMessage, Conn: l.id, Msg: m, Reliable: reliable, Seq: seq, Size: len(frame)})
}

// emit blocks until the consumer takes the event, applying backpressure to
// the link that produced it, but never outlives shutdown.
func (e *Engine) emit(ev Event) {
    select {
    case e.events <- ev:
    case <-e.stopCh:
    }
}

// Stop halts the sender, spends up to grace flushing queued packets, then
// closes every link. Events stop flowing after it returns.
func (e *Engine) Stop(grace time.Duration) {
    if !e.stopped.CompareAndSwap(false, true) { return }
    close(e.stopCh)

    deadline := time.Now().Add(grace)
    for time.Now().Before(deadline) {
        it, ok := e.queue.TryDequeue()
        if !ok { break }
        if l := e.link(it.Conn); l != nil {
            _ = l.sess.WritePacket(it.Bytes)
        }
    }

    e.mu.Lock()
    links := make([]*Link, 0, len(e.links))
    for _, l := range e.links { links = append(links, l) }
    e.links = make(map[uint64]*Link)
    e.mu.Unlock()
    for _, l := range links { l.shutdown() }

    e.wg.Wait()
    e.seen.Close()
}

func dedupKey(conn, seq uint64) string {
    return fmt.Sprintf("c%d:%d", conn, seq)
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
    Sent           uint64 `json:"sent"`
    Resent         uint64 `json:"resent"`
    Acked          uint64 `json:"acked"`
    Delivered      uint64 `json:"delivered"`
    Unreliable     uint64 `json:"unreliable"`
    DupDropped     uint64 `json:"dup_dropped"`
    BadPacket      uint64 `json:"bad_packet"`
    BadFrame       uint64 `json:"bad_frame"`
    SendFailed     uint64 `json:"send_failed"`
    IngressDropped uint64 `json:"ingress_dropped"`
    Queued         int    `json:"queued"`
    DedupKeys      int    `json:"dedup_keys"`
}

func (e *Engine) Snapshot() Metrics {
    return Metrics{
        Sent:           e.mSent.Load(),
        Resent:         e.mResent.Load(),
        Acked:          e.mAcked.Load(),
        Delivered:      e.mDelivered.Load(),
        Unreliable:     e.mUnreliable.Load(),
        DupDropped:     e.mDupDrop.Load(),
        BadPacket:      e.mBadPacket.Load(),
        BadFrame:       e.mBadFrame.Load(),
        SendFailed:     e.mSendFailed.Load(),
        IngressDropped: e.mIngressCut.Load(),
        Queued:         e.queue.Len(),
        DedupKeys:      e.seen.Len(),
    }
}
