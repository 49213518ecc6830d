package hedge

import (
	"sync"
	"time"
)

// Dedup tracks client order ids that are currently being processed so a
// retried request cannot start a second hedge for the same trade. Entries
// expire after ttl in case a release is ever missed.
type Dedup struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewDedup creates a Dedup with the given safety ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{inFlight: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim marks id as in flight. It returns false when id is already claimed.
func (d *Dedup) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.inFlight[id]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.inFlight[id] = now
	return true
}

// Release ends the claim on id.
func (d *Dedup) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// Cleanup drops expired claims.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.inFlight {
		if now.Sub(at) >= d.ttl {
			delete(d.inFlight, id)
		}
	}
}

// Len returns the number of claims held.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
