// Package risk tracks hedge health and unhedged exposure and gates new
// hedge-requiring trades through a circuit breaker.
package risk

import (
	"sync"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// Window is the number of most recent hedge outcomes considered.
	Window int
	// FailureThreshold trips the breaker once failures/observed exceeds it.
	FailureThreshold float64
	// MinFailures is the least number of failures in the window before the
	// rate is acted on, so one early failure cannot trip a near-empty window.
	MinFailures int
	// MaxExposure trips the breaker when total unhedged exposure exceeds
	// it. Zero disables the check.
	MaxExposure float64
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// StateChange is reported to the OnChange hook.
type StateChange struct {
	From   domain.BreakerState
	To     domain.BreakerState
	Reason string
	At     time.Time
}

// CircuitBreaker is closed while hedging is healthy, opens (rejecting every
// hedge-requiring trade) when the rolling failure rate or exposure crosses
// its limit, and after a cooldown lets exactly one trial through. A
// successful trial closes it; a failed one reopens it with double the
// previous cooldown, up to MaxCooldown.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    domain.BreakerState
	outcomes []bool // ring buffer, true = success
	next     int
	filled   int
	openedAt time.Time
	cooldown time.Duration
	trial    bool

	onChange func(StateChange)
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &CircuitBreaker{
		cfg:      cfg,
		now:      time.Now,
		state:    domain.BreakerClosed,
		outcomes: make([]bool, cfg.Window),
		cooldown: cfg.Cooldown,
	}
}

// SetClock replaces the time source.
func (b *CircuitBreaker) SetClock(now func() time.Time) { b.now = now }

// OnChange registers a hook called after every state transition, outside
// the breaker's lock.
func (b *CircuitBreaker) OnChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a new hedge may be attempted. In half-open state the
// first caller gets the trial slot; it must later call Record or Abandon.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	var change *StateChange
	defer func() {
		hook := b.onChange
		b.mu.Unlock()
		if change != nil && hook != nil {
			hook(*change)
		}
	}()

	switch b.state {
	case domain.BreakerClosed:
		return nil
	case domain.BreakerOpen:
		remaining := b.openedAt.Add(b.cooldown).Sub(b.now())
		if remaining > 0 {
			return domain.Reject(domain.ErrRiskRejected, "circuit breaker open, retry in %s", remaining.Round(time.Second))
		}
		change = b.setState(domain.BreakerHalfOpen, "cooldown elapsed")
		b.trial = true
		return nil
	default: // half-open
		if b.trial {
			return domain.Reject(domain.ErrRiskRejected, "circuit breaker half-open, trial in progress")
		}
		b.trial = true
		return nil
	}
}

// Check answers as Allow would without taking the trial slot or changing
// state: an open breaker whose cooldown has elapsed passes.
func (b *CircuitBreaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case domain.BreakerOpen:
		if remaining := b.openedAt.Add(b.cooldown).Sub(b.now()); remaining > 0 {
			return domain.Reject(domain.ErrRiskRejected, "circuit breaker open, retry in %s", remaining.Round(time.Second))
		}
	case domain.BreakerHalfOpen:
		if b.trial {
			return domain.Reject(domain.ErrRiskRejected, "circuit breaker half-open, trial in progress")
		}
	}
	return nil
}

// Abandon frees a half-open trial slot taken by Allow when the trade was
// rejected for reasons unrelated to hedging.
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == domain.BreakerHalfOpen {
		b.trial = false
	}
}

// Record feeds one hedge outcome into the window.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	var change *StateChange
	defer func() {
		hook := b.onChange
		b.mu.Unlock()
		if change != nil && hook != nil {
			hook(*change)
		}
	}()

	switch b.state {
	case domain.BreakerHalfOpen:
		b.trial = false
		if success {
			b.resetWindow()
			b.cooldown = b.cfg.Cooldown
			change = b.setState(domain.BreakerClosed, "trial succeeded")
			return
		}
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.openedAt = b.now()
		change = b.setState(domain.BreakerOpen, "trial failed")
		return
	case domain.BreakerOpen:
		// Late results from hedges admitted before the trip.
		b.push(success)
		return
	}

	b.push(success)
	failures := b.failures()
	if failures >= b.cfg.MinFailures && float64(failures)/float64(b.filled) > b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.cooldown = b.cfg.Cooldown
		change = b.setState(domain.BreakerOpen, "hedge failure rate exceeded")
	}
}

// ObserveExposure trips a closed breaker when total unhedged exposure is
// above the cap.
func (b *CircuitBreaker) ObserveExposure(total float64) {
	b.mu.Lock()
	var change *StateChange
	defer func() {
		hook := b.onChange
		b.mu.Unlock()
		if change != nil && hook != nil {
			hook(*change)
		}
	}()
	if b.cfg.MaxExposure <= 0 || total <= b.cfg.MaxExposure || b.state != domain.BreakerClosed {
		return
	}
	b.openedAt = b.now()
	b.cooldown = b.cfg.Cooldown
	change = b.setState(domain.BreakerOpen, "unhedged exposure cap exceeded")
}

// State returns the current breaker state without side effects.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SuccessRate returns the success fraction of the window, 1 when empty.
func (b *CircuitBreaker) SuccessRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled == 0 {
		return 1
	}
	return float64(b.filled-b.failures()) / float64(b.filled)
}

// Cooldown returns the cooldown that applies to the current or next open
// period.
func (b *CircuitBreaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

func (b *CircuitBreaker) push(success bool) {
	b.outcomes[b.next] = success
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}
}

func (b *CircuitBreaker) failures() int {
	n := 0
	for i := 0; i < b.filled; i++ {
		if !b.outcomes[i] {
			n++
		}
	}
	return n
}

func (b *CircuitBreaker) resetWindow() {
	b.next, b.filled = 0, 0
}

func (b *CircuitBreaker) setState(to domain.BreakerState, reason string) *StateChange {
	from := b.state
	b.state = to
	return &StateChange{From: from, To: to, Reason: reason, At: b.now()}
}
