// Package client implements the dialing endpoint: one connection to one
// server, set up with a Connect/ConnectAck exchange and torn down with a
// Disconnect notice.
package client

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "msgnet/pkg/channel"
    "msgnet/pkg/config"
    "msgnet/pkg/conntable"
    "msgnet/pkg/dispatch"
    "msgnet/pkg/handshake"
    "msgnet/pkg/protocol"
    "msgnet/pkg/transport"
    "msgnet/pkg/transports"
)

var (
    // ErrConnectTimeout means the server never answered within the window.
    ErrConnectTimeout = errors.New("connect timed out")
    // ErrConnectRefused means the server (or its host) actively said no.
    ErrConnectRefused = errors.New("connect refused")
    // ErrAlreadyConnected guards against a second Connect on a live client.
    ErrAlreadyConnected = errors.New("already connected")
)

// Client is the dialing endpoint. Handlers survive reconnects; everything
// else is rebuilt per connection attempt.
type Client struct {
    cfg   config.ClientConfig
    chcfg config.ChannelConfig
    log   *zap.Logger
    reg   *protocol.TypeRegistry
    tr    transport.Transport
    disp  *dispatch.Dispatcher

    mu   sync.Mutex
    sess *session

    onDeliveryFailed func(error)
}

// session carries one connection attempt: its engine, its table entry and
// the loops that serve it.
type session struct {
    eng   *channel.Engine
    table *conntable.Table
    conn  *conntable.Conn

    sent       protocol.Connect
    serverConn uint64
    serverName string

    hsDone  chan error
    stopCh  chan struct{}
    stopped atomic.Bool
    wg      sync.WaitGroup
}

// New wires a client from configuration. The registry must already hold
// every user message type both ends will exchange.
func New(cfg config.ClientConfig, chcfg config.ChannelConfig, reg *protocol.TypeRegistry, log *zap.Logger) (*Client, error) {
    if log == nil { log = zap.L() }
    tr, err := transports.NewByKind(cfg.Transport)
    if err != nil { return nil, err }
    return &Client{cfg: cfg, chcfg: chcfg, log: log, reg: reg, tr: tr, disp: dispatch.New()}, nil
}

func engineConfig(c config.ChannelConfig) channel.Config {
    return channel.Config{
        RetryLimit: c.RetryLimit,
        RetryBase:  time.Duration(c.RetryBaseMS) * time.Millisecond,
        RetryMax:   time.Duration(c.RetryMaxMS) * time.Millisecond,
        DedupTTL:   time.Duration(c.DedupTTLMS) * time.Millisecond,
        EventBuf:   c.EventBuf,
        IngressPPS: c.IngressPPS,
        EgressBps:  c.EgressBps,
    }
}

// SetTransport swaps the bearer before Connect, mainly for in-process
// wiring in tests and embedded setups.
func (c *Client) SetTransport(tr transport.Transport) { c.tr = tr }

// Handle binds a handler to a message type. Bindings persist across
// reconnects.
func (c *Client) Handle(id protocol.TypeID, h dispatch.Handler) { c.disp.Register(id, h) }

// OnDeliveryFailed installs a hook called when a reliable send exhausted
// its retries. The connection is torn down either way.
func (c *Client) OnDeliveryFailed(fn func(error)) { c.onDeliveryFailed = fn }

// Connect dials addr and completes the session setup. It returns once the
// server acked (nil), refused (ErrConnectRefused) or the window lapsed
// (ErrConnectTimeout). A refused or timed out client can Connect again.
func (c *Client) Connect(ctx context.Context, addr string) error {
    s := &session{hsDone: make(chan error, 1), stopCh: make(chan struct{})}
    s.eng = channel.NewEngine(engineConfig(c.chcfg), c.reg, c.log.Named("channel"))
    s.table = conntable.New(1)
    conn, err := s.table.Admit(addr)
    if err != nil {
        s.eng.Stop(0)
        return err
    }
    s.conn = conn

    // Published only once complete: State/Send/Disconnect racing the dial
    // must see a Connecting session, never a half-built one.
    c.mu.Lock()
    if c.sess != nil {
        c.mu.Unlock()
        s.eng.Stop(0)
        return ErrAlreadyConnected
    }
    c.sess = s
    c.mu.Unlock()

    return c.connect(ctx, s, addr)
}

func (c *Client) connect(ctx context.Context, s *session, addr string) error {
    timeout := time.Duration(c.cfg.ConnectTimeoutMS) * time.Millisecond
    if timeout <= 0 { timeout = 5 * time.Second }

    dctx, cancel := context.WithTimeout(ctx, timeout)
    bearer, err := c.tr.Dial(dctx, addr)
    cancel()
    if err != nil {
        c.teardown(s, "dial failed", false)
        if transport.IsRefused(err) {
            return fmt.Errorf("dial %s: %w: %v", addr, ErrConnectRefused, err)
        }
        if dctx.Err() != nil && ctx.Err() == nil {
            return fmt.Errorf("dial %s: %w", addr, ErrConnectTimeout)
        }
        return fmt.Errorf("dial %s: %w", addr, err)
    }

    if _, err := s.eng.Attach(uint64(s.conn.ID()), bearer); err != nil {
        _ = bearer.Close()
        c.teardown(s, "attach failed", false)
        return err
    }
    s.eng.Start()
    s.wg.Add(1)
    go c.eventLoop(s)

    s.sent = handshake.BuildConnect(c.cfg.Name, c.reg)
    if err := s.eng.SendControl(uint64(s.conn.ID()), &s.sent); err != nil {
        c.teardown(s, "send failed", false)
        return err
    }

    retryEvery := time.Duration(c.cfg.ConnectRetryMS) * time.Millisecond
    if retryEvery <= 0 { retryEvery = 500 * time.Millisecond }
    retry := time.NewTicker(retryEvery)
    defer retry.Stop()
    deadline := time.NewTimer(timeout)
    defer deadline.Stop()

    for {
        select {
        case err := <-s.hsDone:
            if err != nil {
                c.teardown(s, err.Error(), false)
                return err
            }
            if s.stopped.Load() {
                return fmt.Errorf("connect %s: canceled", addr)
            }
            c.log.Info("connected",
                zap.String("addr", addr), zap.String("server", s.serverName),
                zap.Uint64("server_conn", s.serverConn))
            if c.cfg.PingIntervalMS > 0 {
                s.wg.Add(1)
                go c.pingLoop(s)
            }
            return nil
        case <-retry.C:
            // same token, so the server answers an earlier lost ack again
            _ = s.eng.SendControl(uint64(s.conn.ID()), &s.sent)
        case <-deadline.C:
            c.teardown(s, "connect timed out", false)
            return fmt.Errorf("connect %s: %w", addr, ErrConnectTimeout)
        case <-s.stopCh:
            // Disconnect raced the handshake and already tore the session down.
            return fmt.Errorf("connect %s: canceled", addr)
        case <-ctx.Done():
            c.teardown(s, "connect canceled", false)
            return ctx.Err()
        }
    }
}

func (c *Client) eventLoop(s *session) {
    defer s.wg.Done()
    for {
        select {
        case <-s.stopCh:
            return
        case ev := <-s.eng.Events():
            c.handleEvent(s, ev)
        }
    }
}

func (c *Client) handleEvent(s *session, ev channel.Event) {
    switch ev.Kind {
    case channel.EvMessage:
        c.handleMessage(s, ev)
    case channel.EvBadFrame:
        c.log.Warn("undecodable frame", zap.Error(ev.Err))
    case channel.EvDeliveryFailed:
        if s.conn.State() == conntable.StateConnecting {
            c.resolve(s, fmt.Errorf("%w: %v", ErrConnectTimeout, ev.Err))
            return
        }
        c.log.Warn("reliable delivery to server failed", zap.Error(ev.Err))
        if c.onDeliveryFailed != nil { c.onDeliveryFailed(ev.Err) }
        go c.teardown(s, "delivery failed", false)
    case channel.EvLinkDown:
        if s.conn.State() == conntable.StateConnecting && transport.IsRefused(ev.Err) {
            c.resolve(s, fmt.Errorf("%w: %v", ErrConnectRefused, ev.Err))
            return
        }
        if s.conn.State() == conntable.StateConnecting {
            c.resolve(s, fmt.Errorf("link lost during connect: %v", ev.Err))
            return
        }
        go c.teardown(s, "transport error", false)
    }
}

func (c *Client) handleMessage(s *session, ev channel.Event) {
    s.conn.Touch()
    s.conn.RecordExchange(uint64(ev.Size), 0, 1, 0)

    switch m := ev.Msg.(type) {
    case *protocol.ConnectAck:
        if s.conn.State() != conntable.StateConnecting { return }
        if err := handshake.MatchAck(s.sent, m); err != nil {
            c.log.Warn("ignoring stale ack", zap.Error(err))
            return
        }
        if c.cfg.StrictRegistry && m.Fingerprint != 0 && m.Fingerprint != c.reg.Fingerprint() {
            c.resolve(s, fmt.Errorf("local %x, server %x: %w",
                c.reg.Fingerprint(), m.Fingerprint, handshake.ErrRegistryMismatch))
            return
        }
        s.serverConn = m.ConnID
        s.serverName = m.Name
        if err := s.table.Transition(s.conn.ID(), conntable.StateConnected); err != nil { return }
        c.dispatchIfBound(s, &protocol.Connect{Name: m.Name})
        c.resolve(s, nil)
    case *protocol.ErrorMsg:
        if s.conn.State() == conntable.StateConnecting {
            c.resolve(s, fmt.Errorf("%w: %s (code %d)", ErrConnectRefused, m.Detail, m.Code))
            return
        }
        c.log.Warn("server reported error", zap.Uint16("code", m.Code), zap.String("detail", m.Detail))
        c.dispatchIfBound(s, m)
    case *protocol.Disconnect:
        reason := m.Reason
        if reason == "" { reason = "server disconnect" }
        if s.conn.State() == conntable.StateConnecting {
            c.resolve(s, fmt.Errorf("%w: %s", ErrConnectRefused, reason))
            return
        }
        c.log.Info("server closed the connection", zap.String("reason", reason))
        go c.teardown(s, reason, false)
    case *protocol.Ping:
        _ = s.eng.SendUnreliable(uint64(s.conn.ID()), &protocol.Pong{EchoUnixMs: m.SentUnixMs})
        c.dispatchIfBound(s, m)
    case *protocol.Pong:
        c.dispatchIfBound(s, m)
    default:
        if s.conn.State() == conntable.StateConnected {
            _ = c.disp.Dispatch(s.conn.ID(), ev.Msg)
        }
    }
}

// resolve delivers the handshake outcome once; later outcomes are stale.
func (c *Client) resolve(s *session, err error) {
    select {
    case s.hsDone <- err:
    default:
    }
}

func (c *Client) dispatchIfBound(s *session, msg protocol.Message) {
    if c.disp.Has(msg.TypeID()) { _ = c.disp.Dispatch(s.conn.ID(), msg) }
}

func (c *Client) pingLoop(s *session) {
    defer s.wg.Done()
    t := time.NewTicker(time.Duration(c.cfg.PingIntervalMS) * time.Millisecond)
    defer t.Stop()
    for {
        select {
        case <-s.stopCh:
            return
        case <-t.C:
            _ = s.eng.SendUnreliable(uint64(s.conn.ID()), &protocol.Ping{SentUnixMs: time.Now().UnixMilli()})
        }
    }
}

// Send queues msg for the server. Reliable sends dispatch exactly once on
// the far side; unreliable sends are best-effort.
func (c *Client) Send(msg protocol.Message, reliable bool) error {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return conntable.ErrNotConnected }
    conn, err := s.table.RequireConnected(s.conn.ID())
    if err != nil { return err }
    if reliable {
        err = s.eng.SendReliable(uint64(conn.ID()), msg)
    } else {
        err = s.eng.SendUnreliable(uint64(conn.ID()), msg)
    }
    if err == nil { conn.RecordExchange(0, 0, 0, 1) }
    return err
}

// Disconnect tells the server goodbye and flushes the outbound queue
// within the grace window. A disconnected client may Connect again.
func (c *Client) Disconnect(ctx context.Context) error {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return nil }
    if s.conn.State() == conntable.StateConnected {
        _ = s.eng.SendControl(uint64(s.conn.ID()), &protocol.Disconnect{Reason: "client disconnect"})
    }
    c.teardown(s, "client disconnect", true)
    return nil
}

// teardown stops the session exactly once. Graceful teardown walks
// through Disconnecting so the notice can flush first.
func (c *Client) teardown(s *session, reason string, graceful bool) {
    if !s.stopped.CompareAndSwap(false, true) { return }
    wasConnected := s.conn.State() == conntable.StateConnected
    s.conn.SetCloseReason(reason)
    if graceful && wasConnected {
        _ = s.table.Transition(s.conn.ID(), conntable.StateDisconnecting)
    }
    close(s.stopCh)
    grace := time.Duration(c.cfg.GraceFlushMS) * time.Millisecond
    if grace <= 0 { grace = time.Second }
    s.eng.Stop(grace)
    if !s.conn.State().Terminal() {
        _ = s.table.Transition(s.conn.ID(), conntable.StateDisconnected)
    }
    _ = s.table.Remove(s.conn.ID())
    c.mu.Lock()
    if c.sess == s { c.sess = nil }
    c.mu.Unlock()
    if wasConnected {
        c.dispatchIfBound(s, &protocol.Disconnect{Reason: reason})
    }
    c.log.Info("disconnected", zap.String("reason", reason))
}

// State reports the connection state, StateDisconnected when idle.
func (c *Client) State() conntable.State {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return conntable.StateDisconnected }
    return s.conn.State()
}

// ServerConn reports the server-side connection id from the ack, zero
// before the handshake completed.
func (c *Client) ServerConn() uint64 {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return 0 }
    return s.serverConn
}

// ServerName reports the server's advertised name from the ack.
func (c *Client) ServerName() string {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return "" }
    return s.serverName
}

// Metrics reports the channel counters of the live session.
func (c *Client) Metrics() channel.Metrics {
    c.mu.Lock()
    s := c.sess
    c.mu.Unlock()
    if s == nil { return channel.Metrics{} }
    return s.eng.Snapshot()
}
