package dispatch

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "msgnet/pkg/conntable"
    "msgnet/pkg/protocol"
)

// Handler consumes one decoded message on the receive loop. It runs
// synchronously: the connection reads nothing else until it returns.
type Handler func(conn conntable.ConnID, msg protocol.Message) error

// ErrNoHandler marks a message type nobody registered for.
var ErrNoHandler = errors.New("no handler registered")

// HandlerError wraps a handler failure. It is reported, counted and then
// dropped: a failing handler never takes the connection down with it.
type HandlerError struct {
    Conn      conntable.ConnID
    Type      protocol.TypeID
    Err       error
    FromPanic bool
}

func (e *HandlerError) Error() string {
    if e.FromPanic {
        return fmt.Sprintf("handler for type %d panicked on conn %d: %v", e.Type, e.Conn, e.Err)
    }
    return fmt.Sprintf("handler for type %d failed on conn %d: %v", e.Type, e.Conn, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Dispatcher routes decoded messages to per-type handlers. Each endpoint
// instance owns one; nothing is shared across instances.
type Dispatcher struct {
    mu       sync.RWMutex
    handlers map[protocol.TypeID]Handler

    nDispatched atomic.Uint64
    nNoHandler  atomic.Uint64
    nFailed     atomic.Uint64
    nPanics     atomic.Uint64
}

func New() *Dispatcher {
    return &Dispatcher{handlers: make(map[protocol.TypeID]Handler)}
}

// Register binds h to a message type. Re-registering replaces the previous
// handler silently.
func (d *Dispatcher) Register(id protocol.TypeID, h Handler) {
    d.mu.Lock()
    _, replaced := d.handlers[id]
    d.handlers[id] = h
    d.mu.Unlock()
    zap.L().Debug("handler registered", zap.Uint16("type", uint16(id)), zap.Bool("replaced", replaced))
}

func (d *Dispatcher) Unregister(id protocol.TypeID) {
    d.mu.Lock(); delete(d.handlers, id); d.mu.Unlock()
}

// Has reports whether a handler is bound to id. Endpoints use it to skip
// dispatching built-ins nobody asked for.
func (d *Dispatcher) Has(id protocol.TypeID) bool {
    d.mu.RLock(); _, ok := d.handlers[id]; d.mu.RUnlock()
    return ok
}

// Dispatch runs the handler for msg synchronously. The returned error is
// informational: callers on receive loops ignore it, tests assert on it.
// A missing handler or a failing handler is logged and counted here, never
// escalated.
func (d *Dispatcher) Dispatch(conn conntable.ConnID, msg protocol.Message) error {
    id := msg.TypeID()
    d.mu.RLock()
    h := d.handlers[id]
    d.mu.RUnlock()
    if h == nil {
        d.nNoHandler.Add(1)
        zap.L().Warn("no handler for message",
            zap.Uint16("type", uint16(id)), zap.Uint64("conn", uint64(conn)))
        return fmt.Errorf("type %d: %w", id, ErrNoHandler)
    }
    err := d.run(conn, id, h, msg)
    if err == nil {
        d.nDispatched.Add(1)
        return nil
    }
    d.nFailed.Add(1)
    var he *HandlerError
    if errors.As(err, &he) && he.FromPanic {
        d.nPanics.Add(1)
        zap.L().Error("handler panic",
            zap.Uint16("type", uint16(id)), zap.Uint64("conn", uint64(conn)),
            zap.Any("panic", he.Err))
        return err
    }
    zap.L().Error("handler failed",
        zap.Uint16("type", uint16(id)), zap.Uint64("conn", uint64(conn)), zap.Error(err))
    return err
}

func (d *Dispatcher) run(conn conntable.ConnID, id protocol.TypeID, h Handler, msg protocol.Message) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = &HandlerError{Conn: conn, Type: id, Err: fmt.Errorf("%v", r), FromPanic: true}
        }
    }()
    if herr := h(conn, msg); herr != nil {
        return &HandlerError{Conn: conn, Type: id, Err: herr}
    }
    return nil
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
    Dispatched uint64 `json:"dispatched"`
    NoHandler  uint64 `json:"no_handler"`
    Failed     uint64 `json:"failed"`
    Panics     uint64 `json:"panics"`
}

func (d *Dispatcher) Stats() Stats {
    return Stats{
        Dispatched: d.nDispatched.Load(),
        NoHandler:  d.nNoHandler.Load(),
        Failed:     d.nFailed.Load(),
        Panics:     d.nPanics.Load(),
    }
}
