// Package server implements the listening endpoint: it accepts bearer
// sessions, walks them through session setup and feeds decoded messages to
// registered handlers.
package server

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
    "msgnet/pkg/status"
    "msgnet/pkg/transport"
    "msgnet/pkg/transports"
)

// Server is the listening endpoint. One instance owns one bearer listener,
// one channel engine, one connection table and one dispatcher; nothing is
// shared between instances.
type Server struct {
    cfg   config.ServerConfig
    log   *zap.Logger
    reg   *protocol.TypeRegistry
    tr    transport.Transport
    eng   *channel.Engine
    table *conntable.Table
    disp  *dispatch.Dispatcher

    l       transport.Listener
    started time.Time

    mu sync.Mutex
    hs map[conntable.ConnID]*hsEntry

    stopCh  chan struct{}
    stopped atomic.Bool
    wg      sync.WaitGroup

    onDeliveryFailed func(conntable.ConnID, error)
}

// hsEntry keeps the per-connection setup context: the client token for
// idempotent re-acks and the timer that reaps silent sessions.
type hsEntry struct {
    token string
    timer *time.Timer
}

// New wires a server from configuration. The registry must already hold
// every user message type both ends will exchange.
func New(cfg config.ServerConfig, chcfg config.ChannelConfig, reg *protocol.TypeRegistry, log *zap.Logger) (*Server, error) {
    if log == nil { log = zap.L() }
    tr, err := transports.NewByKind(cfg.Transport)
    if err != nil { return nil, err }
    s := &Server{
        cfg:    cfg,
        log:    log,
        reg:    reg,
        tr:     tr,
        eng:    channel.NewEngine(engineConfig(chcfg), reg, log.Named("channel")),
        table:  conntable.New(cfg.MaxConns),
        disp:   dispatch.New(),
        hs:     make(map[conntable.ConnID]*hsEntry),
        stopCh: make(chan struct{}),
    }
    return s, nil
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

// SetTransport swaps the bearer before Listen, mainly for in-process
// wiring in tests and embedded setups.
func (s *Server) SetTransport(tr transport.Transport) { s.tr = tr }

// Handle binds a handler to a message type. Safe at any time, also for
// the built-in Connect/Disconnect ids.
func (s *Server) Handle(id protocol.TypeID, h dispatch.Handler) { s.disp.Register(id, h) }

// OnDeliveryFailed installs a hook called when a reliable send to a
// client exhausted its retries. The connection is dropped either way.
func (s *Server) OnDeliveryFailed(fn func(conntable.ConnID, error)) { s.onDeliveryFailed = fn }

// Listen binds the configured address and starts serving. It returns
// once the listener is bound; serving continues until Stop or ctx end.
func (s *Server) Listen(ctx context.Context) error {
    l, err := s.tr.Listen(ctx, s.cfg.Listen)
    if err != nil {
        return fmt.Errorf("listen %s %s: %w", s.cfg.Transport, s.cfg.Listen, err)
    }
    s.l = l
    s.started = time.Now()
    s.log.Info("listening",
        zap.String("kind", s.tr.Kind().String()), zap.String("addr", l.Addr().String()))

    s.eng.Start()
    s.wg.Add(2)
    go s.eventLoop()
    go s.acceptLoop(ctx)
    if s.cfg.IdleTimeoutMS > 0 {
        s.wg.Add(1)
        go s.idleLoop()
    }
    go func() {
        select {
        case <-ctx.Done():
            _ = s.Stop(context.Background())
        case <-s.stopCh:
        }
    }()
    return nil
}

// Addr reports the bound listener address, useful with ":0" listens.
func (s *Server) Addr() string {
    if s.l == nil { return "" }
    return s.l.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context) {
    defer s.wg.Done()
    for {
        sess, err := s.l.Accept(ctx)
        if err != nil {
            select {
            case <-ctx.Done():
            case <-s.stopCh:
            default:
                s.log.Warn("accept failed", zap.Error(err))
            }
            return
        }
        s.admit(sess)
    }
}

// admit creates the table entry and hands the bearer to the engine. The
// session stays in Connecting until its Connect arrives or the setup
// window lapses.
func (s *Server) admit(sess transport.Session) {
    remote := ""
    if ra := sess.RemoteAddr(); ra != nil { remote = ra.String() }
    c, err := s.table.Admit(remote)
    if err != nil {
        // no table entry, so refuse on the raw bearer; the close waits out
        // the grace window so the notice is read before the bearer drops
        s.log.Warn("session refused", zap.String("remote", remote), zap.Error(err))
        if frame, ferr := s.reg.EncodeFrame(protocol.NewError(protocol.ErrCodeServerFull, "server full")); ferr == nil {
            _ = sess.WritePacket(protocol.EncodePacket(protocol.PktDataUnreliable, 0, frame))
        }
        time.AfterFunc(s.grace(), func() { _ = sess.Close() })
        return
    }
    if _, err := s.eng.Attach(uint64(c.ID()), sess); err != nil {
        _ = sess.Close()
        _ = s.table.Remove(c.ID())
        return
    }
    timeout := time.Duration(s.cfg.HandshakeTimeoutMS) * time.Millisecond
    if timeout <= 0 { timeout = 3 * time.Second }
    id := c.ID()
    s.mu.Lock()
    s.hs[id] = &hsEntry{timer: time.AfterFunc(timeout, func() { s.handshakeExpired(id) })}
    s.mu.Unlock()
}

func (s *Server) handshakeExpired(id conntable.ConnID) {
    c, err := s.table.Lookup(id)
    if err != nil || c.State() != conntable.StateConnecting { return }
    s.log.Info("handshake window lapsed", zap.Uint64("conn", uint64(id)))
    s.refuse(c, protocol.ErrCodeRefused, "no connect received")
}

func (s *Server) eventLoop() {
    defer s.wg.Done()
    for {
        select {
        case <-s.stopCh:
            return
        case ev := <-s.eng.Events():
            s.handleEvent(ev)
        }
    }
}

func (s *Server) handleEvent(ev channel.Event) {
    id := conntable.ConnID(ev.Conn)
    switch ev.Kind {
    case channel.EvMessage:
        s.handleMessage(id, ev)
    case channel.EvBadFrame:
        s.log.Warn("undecodable frame", zap.Uint64("conn", ev.Conn), zap.Error(ev.Err))
    case channel.EvDeliveryFailed:
        s.log.Warn("reliable delivery to client failed", zap.Uint64("conn", ev.Conn), zap.Error(ev.Err))
        if s.onDeliveryFailed != nil { s.onDeliveryFailed(id, ev.Err) }
        s.drop(id, "delivery failed")
    case channel.EvLinkDown:
        s.drop(id, "transport error")
    }
}

func (s *Server) handleMessage(id conntable.ConnID, ev channel.Event) {
    c, err := s.table.Lookup(id)
    if err != nil { return } // already removed, late event
    c.Touch()
    c.RecordExchange(uint64(ev.Size), 0, 1, 0)

    switch m := ev.Msg.(type) {
    case *protocol.Connect:
        s.handleConnect(c, m)
    case *protocol.Disconnect:
        s.handlePeerDisconnect(c, m)
    case *protocol.Ping:
        s.sendUnreliable(c, &protocol.Pong{EchoUnixMs: m.SentUnixMs})
        s.dispatchIfBound(c.ID(), m)
    case *protocol.Pong:
        s.dispatchIfBound(c.ID(), m)
    case *protocol.ErrorMsg:
        s.log.Warn("client reported error",
            zap.Uint64("conn", uint64(id)), zap.Uint16("code", m.Code), zap.String("detail", m.Detail))
        s.dispatchIfBound(c.ID(), m)
    default:
        switch c.State() {
        case conntable.StateConnected:
            _ = s.disp.Dispatch(c.ID(), ev.Msg)
        case conntable.StateConnecting:
            // user traffic before Connect is a protocol violation
            s.refuse(c, protocol.ErrCodeRefused, "message before connect")
        default:
            // draining or gone: drop silently
        }
    }
}

func (s *Server) handleConnect(c *conntable.Conn, m *protocol.Connect) {
    id := c.ID()
    switch c.State() {
    case conntable.StateConnected:
        // the ack got lost and the client re-sent its Connect: answer
        // again for the same token, refuse a different one
        s.mu.Lock()
        e := s.hs[id]
        s.mu.Unlock()
        if e != nil && e.token == m.Token {
            ack := handshake.AckFor(m, id, s.cfg.Name, s.reg)
            s.sendControl(c, &ack)
            return
        }
        s.refuse(c, protocol.ErrCodeRefused, "connect on live session")
        return
    case conntable.StateConnecting:
    default:
        return
    }

    if err := handshake.VerifyConnect(m, s.reg, s.cfg.StrictRegistry); err != nil {
        code := protocol.ErrCodeRefused
        if errors.Is(err, handshake.ErrRegistryMismatch) { code = protocol.ErrCodeRegistryMismatch }
        s.refuse(c, code, err.Error())
        return
    }

    c.SetName(m.Name)
    s.mu.Lock()
    if e := s.hs[id]; e != nil {
        e.token = m.Token
        if e.timer != nil { e.timer.Stop(); e.timer = nil }
    }
    s.mu.Unlock()
    if err := s.table.Transition(id, conntable.StateConnected); err != nil {
        s.log.Warn("connect raced teardown", zap.Uint64("conn", uint64(id)), zap.Error(err))
        return
    }
    ack := handshake.AckFor(m, id, s.cfg.Name, s.reg)
    s.sendControl(c, &ack)
    s.log.Info("client connected",
        zap.Uint64("conn", uint64(id)), zap.String("name", m.Name), zap.String("remote", c.Remote()))
    s.dispatchIfBound(id, m)
}

func (s *Server) handlePeerDisconnect(c *conntable.Conn, m *protocol.Disconnect) {
    id := c.ID()
    reason := m.Reason
    if reason == "" { reason = "client disconnect" }
    c.SetCloseReason(reason)
    if err := s.table.Transition(id, conntable.StateDisconnecting); err != nil {
        return // not connected anymore, nothing to drain
    }
    s.log.Info("client disconnecting", zap.Uint64("conn", uint64(id)), zap.String("reason", reason))
    s.eng.Detach(uint64(id))
    _ = s.table.Transition(id, conntable.StateDisconnected)
    s.dispatchIfBound(id, m)
    s.scheduleRemove(id)
}

// refuse answers with an Error and tears the entry down once the notice
// had a chance to flush.
func (s *Server) refuse(c *conntable.Conn, code uint16, detail string) {
    id := c.ID()
    s.sendControl(c, protocol.NewError(code, detail))
    c.SetCloseReason(detail)
    if err := s.table.Transition(id, conntable.StateDisconnected); err != nil {
        return // lost the race, someone else owns teardown
    }
    s.log.Info("session refused",
        zap.Uint64("conn", uint64(id)), zap.Uint16("code", code), zap.String("detail", detail))
    grace := s.grace()
    time.AfterFunc(grace, func() {
        s.eng.Detach(uint64(id))
        s.removeNow(id)
    })
}

// drop handles abrupt endings: transport failure or retry exhaustion.
func (s *Server) drop(id conntable.ConnID, reason string) {
    c, err := s.table.Lookup(id)
    if err != nil { return }
    c.SetCloseReason(reason)
    wasConnected := c.State() == conntable.StateConnected
    if err := s.table.Transition(id, conntable.StateDisconnected); err != nil {
        return // already torn down
    }
    s.log.Info("connection dropped", zap.Uint64("conn", uint64(id)), zap.String("reason", reason))
    s.eng.Detach(uint64(id))
    if wasConnected {
        s.dispatchIfBound(id, &protocol.Disconnect{Reason: reason})
    }
    s.scheduleRemove(id)
}

// Disconnect closes one connection in an orderly way: notice first, then
// a grace window for the flush, then teardown.
func (s *Server) Disconnect(id conntable.ConnID, reason string) error {
    c, err := s.table.RequireConnected(id)
    if err != nil { return err }
    if reason == "" { reason = "server disconnect" }
    s.sendControl(c, &protocol.Disconnect{Reason: reason})
    c.SetCloseReason(reason)
    if err := s.table.Transition(id, conntable.StateDisconnecting); err != nil { return err }
    time.AfterFunc(s.grace(), func() {
        s.eng.Detach(uint64(id))
        if err := s.table.Transition(id, conntable.StateDisconnected); err == nil {
            s.dispatchIfBound(id, &protocol.Disconnect{Reason: reason})
        }
        s.removeNow(id)
    })
    return nil
}

// Send queues msg for one connected client. Reliable sends dispatch
// exactly once on the far side; unreliable sends are best-effort.
func (s *Server) Send(id conntable.ConnID, msg protocol.Message, reliable bool) error {
    c, err := s.table.RequireConnected(id)
    if err != nil { return err }
    if reliable {
        err = s.eng.SendReliable(uint64(id), msg)
    } else {
        err = s.eng.SendUnreliable(uint64(id), msg)
    }
    if err == nil { c.RecordExchange(0, 0, 0, 1) }
    return err
}

// Broadcast sends msg to every connected client and reports how many
// sends were queued. Entries in other states are skipped.
func (s *Server) Broadcast(msg protocol.Message, reliable bool) int {
    n := 0
    s.table.Range(func(c *conntable.Conn) bool {
        if c.State() != conntable.StateConnected { return true }
        if err := s.Send(c.ID(), msg, reliable); err == nil { n++ }
        return true
    })
    return n
}

func (s *Server) sendControl(c *conntable.Conn, msg protocol.Message) {
    if err := s.eng.SendControl(uint64(c.ID()), msg); err != nil {
        s.log.Debug("control send failed", zap.Uint64("conn", uint64(c.ID())), zap.Error(err))
        return
    }
    c.RecordExchange(0, 0, 0, 1)
}

func (s *Server) sendUnreliable(c *conntable.Conn, msg protocol.Message) {
    if err := s.eng.SendUnreliable(uint64(c.ID()), msg); err == nil {
        c.RecordExchange(0, 0, 0, 1)
    }
}

func (s *Server) dispatchIfBound(id conntable.ConnID, msg protocol.Message) {
    if s.disp.Has(msg.TypeID()) { _ = s.disp.Dispatch(id, msg) }
}

func (s *Server) idleLoop() {
    defer s.wg.Done()
    idle := time.Duration(s.cfg.IdleTimeoutMS) * time.Millisecond
    period := idle / 2
    if period < time.Second { period = time.Second }
    t := time.NewTicker(period)
    defer t.Stop()
    for {
        select {
        case <-s.stopCh:
            return
        case <-t.C:
            s.table.Range(func(c *conntable.Conn) bool {
                if c.State() == conntable.StateConnected && c.IdleFor() > idle {
                    s.log.Info("idle timeout", zap.Uint64("conn", uint64(c.ID())))
                    _ = s.Disconnect(c.ID(), "idle timeout")
                }
                return true
            })
        }
    }
}

func (s *Server) grace() time.Duration {
    g := time.Duration(s.cfg.GraceFlushMS) * time.Millisecond
    if g <= 0 { g = time.Second }
    return g
}

func (s *Server) scheduleRemove(id conntable.ConnID) {
    time.AfterFunc(s.grace(), func() { s.removeNow(id) })
}

func (s *Server) removeNow(id conntable.ConnID) {
    s.mu.Lock()
    if e := s.hs[id]; e != nil && e.timer != nil { e.timer.Stop() }
    delete(s.hs, id)
    s.mu.Unlock()
    _ = s.table.Remove(id)
}

// Stop closes the listener, notifies connected clients and flushes the
// outbound queue within the grace window. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
    if !s.stopped.CompareAndSwap(false, true) { return nil }
    close(s.stopCh)
    if s.l != nil { _ = s.l.Close() }

    s.table.Range(func(c *conntable.Conn) bool {
        if c.State() == conntable.StateConnected {
            s.sendControl(c, &protocol.Disconnect{Reason: "server stopping"})
            c.SetCloseReason("server stopping")
            _ = s.table.Transition(c.ID(), conntable.StateDisconnecting)
        }
        return true
    })

    s.eng.Stop(s.grace())

    s.table.Range(func(c *conntable.Conn) bool {
        if !c.State().Terminal() {
            _ = s.table.Transition(c.ID(), conntable.StateDisconnected)
            if s.disp.Has(protocol.TypeDisconnect) {
                _ = s.disp.Dispatch(c.ID(), &protocol.Disconnect{Reason: "server stopping"})
            }
        }
        s.removeNow(c.ID())
        return true
    })

    done := make(chan struct{})
    go func() { s.wg.Wait(); close(done) }()
    select {
    case <-done:
        s.log.Info("server stopped")
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Snapshot assembles the status document for the HTTP surface.
func (s *Server) Snapshot() status.Snapshot {
    up := int64(0)
    if !s.started.IsZero() { up = int64(time.Since(s.started).Seconds()) }
    return status.Snapshot{
        App:       s.cfg.Name,
        Transport: s.cfg.Transport,
        Addr:      s.Addr(),
        UptimeSec: up,
        Conns:     s.table.Snapshot(),
        Engine:    s.eng.Snapshot(),
        Dispatch:  s.disp.Stats(),
    }
}
