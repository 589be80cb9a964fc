package executor

import (
	"sync"
	"time"
)

// Dedup maps each intent to the order serving it, so an intent submitted twice
// never produces a second venue order. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]dedupEntry // intent id -> order
	ttl  time.Duration
}

type dedupEntry struct {
	orderID string
	at      time.Time
}

// NewDedup creates a Dedup whose entries become collectable after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]dedupEntry), ttl: ttl}
}

// Claim binds intentID to orderID. When the intent is already bound it returns
// the existing order id and true.
func (d *Dedup) Claim(intentID, orderID string, now time.Time) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[intentID]; ok {
		return e.orderID, true
	}
	d.seen[intentID] = dedupEntry{orderID: orderID, at: now}
	return orderID, false
}

// Lookup returns the order bound to intentID.
func (d *Dedup) Lookup(intentID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[intentID]
	return e.orderID, ok
}

// Forget drops a binding whose order never came to exist.
func (d *Dedup) Forget(intentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, intentID)
}

// Cleanup removes entries older than the ttl. done reports whether the bound
// order is finished; entries for live orders are kept regardless of age.
func (d *Dedup) Cleanup(now time.Time, done func(orderID string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, e := range d.seen {
		if now.Sub(e.at) >= d.ttl && done(e.orderID) {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked intents.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
