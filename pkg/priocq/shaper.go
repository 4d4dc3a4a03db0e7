package priocq

import (
    "sync"
    "time"
)

// TokenBucket paces egress bytes. The engine charges it one packet at a
// time, so a full bucket releases any packet, even one larger than the
// burst: the balance goes negative and later charges absorb the debt.
// Without that a single oversized packet would wait forever.
type TokenBucket struct {
    mu      sync.Mutex
    burst   int64 // balance ceiling, bytes
    balance int64 // negative while paying off an oversized packet
    perSec  int64 // refill rate, bytes per second
    at      time.Time
}

// NewTokenBucket shapes to perSec bytes per second. A burst of 0 lets a
// spike spend one second's worth at once.
func NewTokenBucket(perSec, burst int64) *TokenBucket {
    if burst <= 0 { burst = perSec }
    return &TokenBucket{burst: burst, balance: burst, perSec: perSec, at: time.Now()}
}

// Allow charges n bytes. When the balance does not cover them it reports
// how long the caller should wait before charging again.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    b.mu.Lock(); defer b.mu.Unlock()
    b.refill(time.Now())
    if b.balance >= n || b.balance == b.burst {
        b.balance -= n
        return true, 0
    }
    target := n
    if target > b.burst { target = b.burst }
    return false, time.Duration((target - b.balance) * int64(time.Second) / b.perSec)
}

func (b *TokenBucket) refill(now time.Time) {
    dt := now.Sub(b.at)
    if dt <= 0 { return }
    add := b.perSec * dt.Nanoseconds() / int64(time.Second)
    if add == 0 { return }
    b.balance += add
    if b.balance > b.burst { b.balance = b.burst }
    b.at = now
}
