package bot

import (
	"sync"
	"time"
)

// Locker - блокировка контракта на время подтверждения ордера.
//
// Передаётся движкам при создании; все движки одного процесса
// делят один экземпляр.
type Locker interface {
	// TryAcquire занимает ключ до истечения срока; false - ключ занят
	TryAcquire(key string) bool
	// Release досрочно освобождает ключ
	Release(key string)
}

// CloseLock - шардированная карта key -> expiresAt
//
// Истёкшие записи чистятся лениво при обращении к шарду.
type CloseLock struct {
	ttl    time.Duration
	now    func() time.Time
	shards []closeLockShard
}

type closeLockShard struct {
	mu sync.Mutex
	m  map[string]time.Time
}

// NewCloseLock создаёт блокировку с окном ttl (по умолчанию 2.5s)
func NewCloseLock(ttl time.Duration, shardCount int) *CloseLock {
	if ttl <= 0 {
		ttl = 2500 * time.Millisecond
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	l := &CloseLock{ttl: ttl, now: time.Now, shards: make([]closeLockShard, shardCount)}
	for i := range l.shards {
		l.shards[i].m = make(map[string]time.Time)
	}
	return l
}

// TryAcquire занимает ключ на ttl
func (l *CloseLock) TryAcquire(key string) bool {
	if key == "" {
		return true
	}
	now := l.now()
	sh := l.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return false
	}
	sh.m[key] = now.Add(l.ttl)
	return true
}

// Release освобождает ключ
func (l *CloseLock) Release(key string) {
	if key == "" {
		return
	}
	sh := l.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Held - ключ занят и срок не истёк
func (l *CloseLock) Held(key string) bool {
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	exp, ok := sh.m[key]
	return ok && exp.After(l.now())
}

func (l *CloseLock) shard(key string) *closeLockShard {
	return &l.shards[shardIndex(key, len(l.shards))]
}
