// internal/pipeline/keylock.go
package pipeline

import (
	"fmt"
	"sync"
)

// KeyLock is an in-memory lock table keyed by operation identity. It enforces
// at-most-one in flight per IP for verification and per (ip, model) for
// probes, across both scheduled and manual requests.
type KeyLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyLock() *KeyLock {
	return &KeyLock{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if free. It never blocks.
func (l *KeyLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *KeyLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether key is currently locked. Callers using this to skip
// scheduling must still TryAcquire before executing.
func (l *KeyLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func verifyKey(ip string) string {
	return "verify:" + ip
}

func probeKey(ip, model string) string {
	return fmt.Sprintf("probe:%s:%s", ip, model)
}
