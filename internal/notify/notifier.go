// Package notify delivers operator alerts to chat webhooks. Alerts are
// filtered by event type and throttled per event so a flapping condition
// cannot flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityOf classifies an alert event.
func SeverityOf(event string) Severity {
	switch event {
	case domain.AlertCommitFailed, domain.AlertUnwindFailed, domain.AlertOrphanOrder:
		return SeverityCritical
	case domain.AlertBreaker:
		return SeverityWarning
	}
	return SeverityInfo
}

// Alert is one rendered notification.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Message  string
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool // empty allows every event
	every   time.Duration
	burst   int
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ domain.Alerter = (*Notifier)(nil)

// NewNotifier creates a Notifier. Each event type may send burst alerts and
// then one per interval.
func NewNotifier(senders []Sender, events []string, interval time.Duration, burst int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		every:    interval,
		burst:    burst,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify implements domain.Alerter. Critical alerts bypass the throttle.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	a := Alert{Event: event, Severity: SeverityOf(event), Title: title, Message: message}
	if a.Severity != SeverityCritical && !n.limiter(event).Allow() {
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, a)
}

func (n *Notifier) limiter(event string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		limit := rate.Inf
		if n.every > 0 {
			limit = rate.Every(n.every)
		}
		l = rate.NewLimiter(limit, n.burst)
		n.limiters[event] = l
	}
	return l
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("event", a.Event))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
