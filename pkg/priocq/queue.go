package priocq

import (
    "sync"
    "time"
)

// Class is a priority class: control > reliable > unreliable.
type Class int

const (
    ClassControl    Class = iota // acks, session setup/teardown
    ClassReliable                // user messages on the reliable channel
    ClassUnreliable              // best-effort user messages
    numClasses
)

func (c Class) String() string {
    switch c {
    case ClassControl:
        return "control"
    case ClassReliable:
        return "reliable"
    case ClassUnreliable:
        return "unreliable"
    }
    return "unknown"
}

// Item is one encoded packet awaiting transmission.
type Item struct {
    Bytes   []byte
    Conn    uint64 // flow key: connection id
    Size    int
    Class   Class
    Arrived time.Time
}

// flow implements a DRR queue per connection
type flow struct {
    key     uint64
    q       []Item
    deficit int
    quantum int
}

type level struct {
    mu    sync.Mutex
    flows map[uint64]*flow
    order []uint64 // round robin order
    idx   int
}

// MultiLevelQueue: strict priority between levels, DRR within a level so
// one chatty connection cannot starve the rest.
type MultiLevelQueue struct {
    lvls   [numClasses]*level
    notify chan struct{}
}

func New() *MultiLevelQueue {
    mlq := &MultiLevelQueue{notify: make(chan struct{}, 1)}
    for i := 0; i < int(numClasses); i++ {
        mlq.lvls[i] = &level{flows: make(map[uint64]*flow), order: make([]uint64, 0, 8)}
    }
    return mlq
}

// Enqueue appends an item to the appropriate class/flow.
func (q *MultiLevelQueue) Enqueue(it Item) {
    if it.Size == 0 { it.Size = len(it.Bytes) }
    if it.Arrived.IsZero() { it.Arrived = time.Now() }
    lvl := q.lvls[it.Class]
    lvl.mu.Lock()
    f := lvl.flows[it.Conn]
    if f == nil {
        f = &flow{key: it.Conn, quantum: chooseQuantum(it.Class)}
        lvl.flows[it.Conn] = f
        lvl.order = append(lvl.order, it.Conn)
    }
    f.q = append(f.q, it)
    lvl.mu.Unlock()
    select { case q.notify <- struct{}{}: default: }
}

func chooseQuantum(c Class) int {
    switch c {
    case ClassControl:
        return 2048 // small packets, quick turn
    case ClassReliable:
        return 8192
    case ClassUnreliable:
        return 65536
    default:
        return 4096
    }
}

// Dequeue selects the next item using strict priority and DRR within a
// level. Blocks until an item is available or stop closes.
func (q *MultiLevelQueue) Dequeue(stop <-chan struct{}) (Item, bool) {
    for {
        if it, ok := q.TryDequeue(); ok {
            return it, true
        }
        select {
        case <-q.notify:
        case <-stop:
            return Item{}, false
        }
    }
}

// TryDequeue pops the next eligible item without blocking. Shutdown paths
// use it to drain whatever is left.
func (q *MultiLevelQueue) TryDequeue() (Item, bool) {
    for li := 0; li < int(numClasses); li++ {
        lvl := q.lvls[li]
        lvl.mu.Lock()
        it, ok := lvl.pop()
        lvl.mu.Unlock()
        if ok {
            return it, true
        }
    }
    return Item{}, false
}

// pop runs DRR rounds until something is served or the level is empty.
// Every backlogged flow earns a quantum per round, so an item larger than
// one quantum still goes out after enough rounds.
func (l *level) pop() (Item, bool) {
    n := len(l.order)
    if n == 0 {
        return Item{}, false
    }
    for {
        backlogged := false
        start := l.idx
        for i := 0; i < n; i++ {
            j := (start + i) % n
            f := l.flows[l.order[j]]
            if f == nil || len(f.q) == 0 {
                continue
            }
            backlogged = true
            f.deficit += f.quantum
            if sz := f.q[0].Size; sz <= f.deficit {
                it := f.q[0]
                copy(f.q[0:], f.q[1:])
                f.q[len(f.q)-1] = Item{}
                f.q = f.q[:len(f.q)-1]
                f.deficit -= sz
                if len(f.q) == 0 {
                    f.deficit = 0
                }
                l.idx = (j + 1) % n
                return it, true
            }
        }
        if !backlogged {
            return Item{}, false
        }
    }
}

// Drop discards all queued items for a connection across every level.
// Called when a session dies so stale packets never hit the wire.
func (q *MultiLevelQueue) Drop(conn uint64) int {
    dropped := 0
    for li := 0; li < int(numClasses); li++ {
        lvl := q.lvls[li]
        lvl.mu.Lock()
        if f, ok := lvl.flows[conn]; ok {
            dropped += len(f.q)
            delete(lvl.flows, conn)
            for i, k := range lvl.order {
                if k == conn {
                    lvl.order = append(lvl.order[:i], lvl.order[i+1:]...)
                    break
                }
            }
            if lvl.idx >= len(lvl.order) {
                lvl.idx = 0
            }
        }
        lvl.mu.Unlock()
    }
    return dropped
}

// Len reports total queued items across all levels.
func (q *MultiLevelQueue) Len() int {
    total := 0
    for li := 0; li < int(numClasses); li++ {
        lvl := q.lvls[li]
        lvl.mu.Lock()
        for _, f := range lvl.flows {
            total += len(f.q)
        }
        lvl.mu.Unlock()
    }
    return total
}
