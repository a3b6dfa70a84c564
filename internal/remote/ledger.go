package remote

import "sync"

// Ledger tracks idempotency keys with a submit currently in flight. Each Client owns one.
type Ledger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{keys: make(map[string]struct{})}
}

// Acquire marks key as in flight. It returns false when the key is already held.
func (l *Ledger) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.keys[key]; held {
		return false
	}
	l.keys[key] = struct{}{}
	return true
}

// Release clears key.
func (l *Ledger) Release(key string) {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}

// InFlight reports whether key is held.
func (l *Ledger) InFlight(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.keys[key]
	return held
}

// Len returns the number of keys in flight.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
