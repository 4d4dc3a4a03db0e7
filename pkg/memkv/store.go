package memkv

import (
    "sync"
    "sync/atomic"
    "time"
)

// ========================= Опции =========================

type Options struct {
    Shards        int           // количество шардов (стандарт: 64)
    NoCopySet     bool          // не копировать []byte при Set (буфер не переиспользуется вызывающим)
    NoCopyGet     bool          // отдавать внутреннюю ссылку при Get (не изменять возвращённый срез!)
    MaxBytes      uint64        // жёсткий лимит суммарного объёма значений (0 = без лимита)
    SweepInterval time.Duration // период фоновой уборки просроченных ключей (стандарт: 1s)
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Shards <= 0 {
        res.Shards = 64
    }
    if res.SweepInterval <= 0 {
        res.SweepInterval = time.Second
    }
    return res
}

// ========================= Store =========================

type Store struct {
    opts    Options
    shards  []shard
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn func() time.Time

    // Метрики
    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
    mDup     atomic.Uint64 // отказы SetNX: ключ уже существует
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = без истечения
}

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry, 64)
    }
    s.wg.Add(1)
    go s.sweeper()
    return s
}

func (s *Store) Close() {
    close(s.closeCh)
    s.wg.Wait()
}

// ========================= Хэш и шард =========================

func (s *Store) shardFor(key string) *shard {
    // Быстрый FNV-1a 64 (упрощённый)
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

func expired(e *entry, now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// dropExpiredLocked удаляет просроченную запись; шард уже под блокировкой.
func (s *Store) dropExpiredLocked(sh *shard, key string, e *entry) {
    delete(sh.m, key)
    s.mExpired.Add(1)
    s.mKeys.Add(^uint64(0))
    s.addBytesDelta(int64(-len(e.val)))
}

// ========================= учёт байтов =========================

// tryAddBytes пытается зарезервировать положительный дельта-объём.
// Возвращает true, если учёт произведён и лимит не нарушен.
func (s *Store) tryAddBytes(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        next := cur + delta
        if next > s.opts.MaxBytes {
            return false
        }
        if s.mBytes.CompareAndSwap(cur, next) {
            return true
        }
    }
}

func (s *Store) addBytesDelta(delta int64) {
    if delta == 0 {
        return
    }
    for {
        cur := s.mBytes.Load()
        var next uint64
        if delta > 0 {
            next = cur + uint64(delta)
        } else {
            sub := uint64(-delta)
            if sub > cur {
                next = 0
            } else {
                next = cur - sub
            }
        }
        if s.mBytes.CompareAndSwap(cur, next) {
            return
        }
    }
}

// ========================= Публичный API =========================

// Set устанавливает значение. Возвращает true, если ключ был создан
// (а не перезаписан). При превышении MaxBytes запись не производится.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    now := s.nowFn()
    expAt := int64(0)
    if ttl > 0 {
        expAt = now.Add(ttl).UnixNano()
    }
    v := val
    if !s.opts.NoCopySet {
        v = append([]byte(nil), val...)
    }

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    if existed && expired(prev, now.UnixNano()) {
        s.dropExpiredLocked(sh, key, prev)
        existed = false
    }
    oldLen := 0
    if existed {
        oldLen = len(prev.val)
    }
    delta := len(v) - oldLen
    if delta > 0 {
        if !s.tryAddBytes(uint64(delta)) {
            sh.mu.Unlock()
            return false
        }
    } else if delta < 0 {
        s.addBytesDelta(int64(delta))
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    if !existed {
        s.mKeys.Add(1)
    }
    s.mSets.Add(1)
    sh.mu.Unlock()
    return !existed
}

// SetNX записывает значение только если ключа ещё нет — примитив
// дедупликации: первое появление ключа даёт true, повтор в пределах TTL
// даёт false. Просроченная запись считается отсутствующей.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) bool {
    now := s.nowFn()
    sh := s.shardFor(key)
    sh.mu.Lock()
    if prev, ok := sh.m[key]; ok {
        if !expired(prev, now.UnixNano()) {
            sh.mu.Unlock()
            s.mDup.Add(1)
            return false
        }
        s.dropExpiredLocked(sh, key, prev)
    }
    v := val
    if !s.opts.NoCopySet {
        v = append([]byte(nil), val...)
    }
    if len(v) > 0 && !s.tryAddBytes(uint64(len(v))) {
        sh.mu.Unlock()
        return false
    }
    expAt := int64(0)
    if ttl > 0 {
        expAt = now.Add(ttl).UnixNano()
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    s.mKeys.Add(1)
    s.mSets.Add(1)
    sh.mu.Unlock()
    return true
}

// Get возвращает значение и наличие.
// Если opts.NoCopyGet = false — вернёт копию, иначе — прямую ссылку (unsafe).
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.RUnlock()
        s.mGets.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    exp := e.expireAt
    val := e.val
    sh.mu.RUnlock()

    if exp != 0 && exp <= s.nowFn().UnixNano() {
        // Ленивое удаление
        sh.mu.Lock()
        if e2, ok2 := sh.m[key]; ok2 && expired(e2, s.nowFn().UnixNano()) {
            s.dropExpiredLocked(sh, key, e2)
        }
        sh.mu.Unlock()
        s.mGets.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    s.mGets.Add(1)
    s.mHits.Add(1)
    if s.opts.NoCopyGet {
        return val, true
    }
    return append([]byte(nil), val...), true
}

func (s *Store) Exists(key string) bool {
    _, ok := s.Get(key)
    return ok
}

func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok {
        delete(sh.m, key)
    }
    sh.mu.Unlock()
    if ok {
        s.mDels.Add(1)
        s.mKeys.Add(^uint64(0))
        s.addBytesDelta(int64(-len(e.val)))
    }
    return ok
}

// Expire задаёт TTL. Возвращает false, если ключа нет или он истёк.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    if ttl <= 0 {
        return s.Delete(key)
    }
    now := s.nowFn()
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    if expired(e, now.UnixNano()) {
        s.dropExpiredLocked(sh, key, e)
        return false
    }
    e.expireAt = now.Add(ttl).UnixNano()
    return true
}

// TTL возвращает оставшееся время жизни и признак наличия.
// Если TTL не установлен — duration=0 и ok=true.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.RUnlock()
        return 0, false
    }
    exp := e.expireAt
    sh.mu.RUnlock()

    if exp == 0 {
        return 0, true
    }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.Delete(key)
        return 0, false
    }
    return time.Duration(exp-now) * time.Nanosecond, true
}

// Len — текущее число живых ключей (по метрике, без обхода шардов).
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// ========================= Метрики =========================

// Stats — снэпшот метрик. Получение не блокирует операции хранилища.
type Stats struct {
    Keys    uint64
    Bytes   uint64
    Sets    uint64
    Gets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
    Dup     uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
        Dup:     s.mDup.Load(),
    }
}

// ========================= Фоновая уборка =========================

// sweeper периодически выметает просроченные ключи. Точность не критична:
// ленивое удаление при чтении закрывает горячий путь, уборка — хвосты.
func (s *Store) sweeper() {
    defer s.wg.Done()
    t := time.NewTicker(s.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-s.closeCh:
            return
        case <-t.C:
            s.sweep()
        }
    }
}

func (s *Store) sweep() {
    now := s.nowFn().UnixNano()
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.Lock()
        for k, e := range sh.m {
            if expired(e, now) {
                s.dropExpiredLocked(sh, k, e)
            }
        }
        sh.mu.Unlock()
    }
}
