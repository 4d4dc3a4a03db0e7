package conntable

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"
)

// ConnID identifies one connection inside one endpoint instance. Each side
// of a connection numbers it independently; ids are never reused.
type ConnID uint64

// State is a connection lifecycle phase. Disconnected is terminal: no edge
// leaves it, and a removed id never resolves again.
type State uint8

const (
    StateConnecting State = iota
    StateConnected
    StateDisconnecting
    StateDisconnected
)

func (s State) String() string {
    switch s {
    case StateConnecting: return "connecting"
    case StateConnected: return "connected"
    case StateDisconnecting: return "disconnecting"
    case StateDisconnected: return "disconnected"
    }
    return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) MarshalJSON() ([]byte, error) { return []byte(strconv.Quote(s.String())), nil }

func (s *State) UnmarshalJSON(b []byte) error {
    var name string
    if err := json.Unmarshal(b, &name); err != nil { return err }
    switch name {
    case "connecting": *s = StateConnecting
    case "connected": *s = StateConnected
    case "disconnecting": *s = StateDisconnecting
    case "disconnected": *s = StateDisconnected
    default: return fmt.Errorf("unknown connection state %q", name)
    }
    return nil
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateDisconnected }

var legalEdges = map[State][]State{
    StateConnecting:    {StateConnected, StateDisconnected},
    StateConnected:     {StateDisconnecting, StateDisconnected},
    StateDisconnecting: {StateDisconnected},
}

func legal(from, to State) bool {
    for _, s := range legalEdges[from] { if s == to { return true } }
    return false
}

var (
    ErrNotFound          = errors.New("connection not found")
    ErrTableFull         = errors.New("connection table full")
    ErrInvalidTransition = errors.New("invalid state transition")
    ErrNotConnected      = errors.New("connection not connected")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
    ID   ConnID
    From State
    To   State
}

func (e *TransitionError) Error() string {
    return fmt.Sprintf("conn %d: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Conn is one table entry. The entry mutex serializes state changes and
// metadata writes; counters are atomic so the hot path skips the lock.
type Conn struct {
    id     ConnID
    remote string

    mu       sync.Mutex
    state    State
    name     string
    reason   string
    created  time.Time
    lastSeen time.Time

    msgsIn, msgsOut   atomic.Uint64
    bytesIn, bytesOut atomic.Uint64
}

func (c *Conn) ID() ConnID { return c.id }

func (c *Conn) Remote() string { return c.remote }

func (c *Conn) State() State {
    c.mu.Lock(); s := c.state; c.mu.Unlock()
    return s
}

// Name is the identity the peer presented during session setup; empty until
// then.
func (c *Conn) Name() string {
    c.mu.Lock(); n := c.name; c.mu.Unlock()
    return n
}

func (c *Conn) SetName(name string) {
    c.mu.Lock(); c.name = name; c.mu.Unlock()
}

// SetCloseReason records why the connection is going away. First writer
// wins; later transport errors must not overwrite the real reason.
func (c *Conn) SetCloseReason(reason string) {
    c.mu.Lock()
    if c.reason == "" { c.reason = reason }
    c.mu.Unlock()
}

// Touch updates last-seen on inbound traffic.
func (c *Conn) Touch() {
    c.mu.Lock(); c.lastSeen = time.Now(); c.mu.Unlock()
}

// IdleFor reports time elapsed since the last inbound packet.
func (c *Conn) IdleFor() time.Duration {
    c.mu.Lock(); t := c.lastSeen; c.mu.Unlock()
    return time.Since(t)
}

// RecordExchange bumps traffic counters.
func (c *Conn) RecordExchange(bytesIn, bytesOut, msgsIn, msgsOut uint64) {
    if bytesIn > 0 { c.bytesIn.Add(bytesIn) }
    if bytesOut > 0 { c.bytesOut.Add(bytesOut) }
    if msgsIn > 0 { c.msgsIn.Add(msgsIn) }
    if msgsOut > 0 { c.msgsOut.Add(msgsOut) }
}

func (c *Conn) transition(to State) error {
    c.mu.Lock()
    from := c.state
    if !legal(from, to) {
        c.mu.Unlock()
        return &TransitionError{ID: c.id, From: from, To: to}
    }
    c.state = to
    c.mu.Unlock()
    zap.L().Info("connection state",
        zap.Uint64("conn", uint64(c.id)),
        zap.Stringer("from", from), zap.Stringer("to", to))
    return nil
}

// Info is a point-in-time copy of one entry, shaped for the status surface.
type Info struct {
    ID       ConnID `json:"id"`
    Remote   string `json:"remote,omitempty"`
    Name     string `json:"name,omitempty"`
    State    State  `json:"state"`
    Reason   string `json:"close_reason,omitempty"`
    Created  int64  `json:"created_unix_ms"`
    LastSeen int64  `json:"last_seen_unix_ms"`
    MsgsIn   uint64 `json:"msgs_in"`
    MsgsOut  uint64 `json:"msgs_out"`
    BytesIn  uint64 `json:"bytes_in"`
    BytesOut uint64 `json:"bytes_out"`
}

func (c *Conn) Info() Info {
    c.mu.Lock()
    in := Info{
        ID: c.id, Remote: c.remote, Name: c.name, State: c.state, Reason: c.reason,
        Created: c.created.UnixMilli(), LastSeen: c.lastSeen.UnixMilli(),
    }
    c.mu.Unlock()
    in.MsgsIn = c.msgsIn.Load()
    in.MsgsOut = c.msgsOut.Load()
    in.BytesIn = c.bytesIn.Load()
    in.BytesOut = c.bytesOut.Load()
    return in
}

// Table owns every connection of one endpoint instance. The table lock
// covers only the map; per-entry locks serialize lifecycle changes, so a
// slow transition never blocks unrelated connections.
type Table struct {
    mu       sync.RWMutex
    conns    map[ConnID]*Conn
    nextID   atomic.Uint64
    maxConns int
}

// New builds a table. maxConns <= 0 means unlimited.
func New(maxConns int) *Table {
    return &Table{conns: make(map[ConnID]*Conn), maxConns: maxConns}
}

// Admit allocates the next id and inserts a Connecting entry.
func (t *Table) Admit(remote string) (*Conn, error) {
    now := time.Now()
    t.mu.Lock()
    if t.maxConns > 0 && len(t.conns) >= t.maxConns {
        t.mu.Unlock()
        return nil, ErrTableFull
    }
    c := &Conn{
        id:      ConnID(t.nextID.Add(1)),
        remote:  remote,
        state:   StateConnecting,
        created: now, lastSeen: now,
    }
    t.conns[c.id] = c
    n := len(t.conns)
    t.mu.Unlock()
    zap.L().Debug("connection admitted",
        zap.Uint64("conn", uint64(c.id)), zap.String("remote", remote), zap.Int("table", n))
    return c, nil
}

func (t *Table) Lookup(id ConnID) (*Conn, error) {
    t.mu.RLock()
    c := t.conns[id]
    t.mu.RUnlock()
    if c == nil { return nil, fmt.Errorf("conn %d: %w", id, ErrNotFound) }
    return c, nil
}

// Transition moves id to the given state, rejecting edges the lifecycle
// does not allow.
func (t *Table) Transition(id ConnID, to State) error {
    c, err := t.Lookup(id)
    if err != nil { return err }
    return c.transition(to)
}

// RequireConnected resolves id only while it is in the Connected state.
// Anything else is ErrNotConnected, which send paths surface verbatim.
func (t *Table) RequireConnected(id ConnID) (*Conn, error) {
    c, err := t.Lookup(id)
    if err != nil { return nil, fmt.Errorf("conn %d: %w", id, ErrNotConnected) }
    if c.State() != StateConnected {
        return nil, fmt.Errorf("conn %d (%s): %w", id, c.State(), ErrNotConnected)
    }
    return c, nil
}

// Remove drops the entry. The id is never handed out again.
func (t *Table) Remove(id ConnID) error {
    t.mu.Lock()
    c := t.conns[id]
    delete(t.conns, id)
    t.mu.Unlock()
    if c == nil { return fmt.Errorf("conn %d: %w", id, ErrNotFound) }
    zap.L().Debug("connection removed", zap.Uint64("conn", uint64(id)))
    return nil
}

// Range calls fn for each entry until fn returns false. Order is not
// defined; fn must not call back into the table.
func (t *Table) Range(fn func(*Conn) bool) {
    t.mu.RLock()
    conns := make([]*Conn, 0, len(t.conns))
    for _, c := range t.conns { conns = append(conns, c) }
    t.mu.RUnlock()
    for _, c := range conns {
        if !fn(c) { return }
    }
}

func (t *Table) Len() int {
    t.mu.RLock(); n := len(t.conns); t.mu.RUnlock()
    return n
}

// Snapshot returns entry copies sorted by id, for the status surface.
func (t *Table) Snapshot() []Info {
    out := make([]Info, 0, t.Len())
    t.Range(func(c *Conn) bool { out = append(out, c.Info()); return true })
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}
