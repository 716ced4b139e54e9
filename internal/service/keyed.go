package service

import (
	"sync"
	"time"
)

type keyedLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// keyedLocks 为每个 (接收者, 发送者) 对提供独立互斥锁。外层 map 锁只在查找和计数时持有。
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// lock blocks until key is held and returns the release func.
func (k *keyedLocks) lock(key string, now time.Time) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		l.lastUsed = now
		k.mu.Unlock()
	}
}

// sweep removes locks nobody holds or waits on that were last used before cutoff.
func (k *keyedLocks) sweep(cutoff time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, l := range k.locks {
		if l.refs == 0 && l.lastUsed.Before(cutoff) {
			delete(k.locks, key)
			n++
		}
	}
	return n
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
