package hedge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/retry"
)

// cancelTimeout bounds the best-effort cancel issued after an attempt times
// out. It runs detached from the request context.
const cancelTimeout = 5 * time.Second

// Execution is the outcome of Execute.
type Execution struct {
	Fill     domain.VenueFill
	Attempts int
	// VenueFailures counts attempts that failed on the venue's side. An
	// attempt cut short by the caller's context is not one.
	VenueFailures int
	// Strays are venue orders abandoned by timed-out or cancelled attempts
	// that may still hold shares: either the cancel could not be confirmed
	// (FilledSize unknown, zero) or the order was cancelled after a partial
	// fill. It may be non-empty even when the hedge eventually succeeded.
	Strays []domain.VenueFill
}

// Executor places an offsetting order on the venue under a hard per-attempt
// deadline, retrying with backoff.
type Executor struct {
	venue   domain.HedgeVenue
	backoff retry.Policy
	poll    time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an Executor. backoff.MaxAttempts is ignored; the
// attempt budget comes from the hedge config on every call.
func NewExecutor(venue domain.HedgeVenue, backoff retry.Policy, poll time.Duration, logger *slog.Logger) *Executor {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Executor{
		venue:   venue,
		backoff: backoff,
		poll:    poll,
		logger:  logger.With(slog.String("component", "hedge_executor")),
	}
}

// Execute makes up to 1+retries attempts to fill order, each bounded by
// timeout. On exhaustion it returns an error wrapping
// ErrHedgeExecutionFailed and the last attempt's error.
func (e *Executor) Execute(ctx context.Context, order domain.VenueOrder, timeout time.Duration, retries int) (Execution, error) {
	var out Execution
	p := e.backoff
	p.MaxAttempts = 1 + max(retries, 0)

	err := retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		out.Attempts = attempt
		fill, stray, err := e.attempt(ctx, order, timeout)
		if stray.OrderID != "" {
			out.Strays = append(out.Strays, stray)
		}
		if err != nil {
			if ctx.Err() == nil {
				out.VenueFailures++
			}
			e.logger.WarnContext(ctx, "hedge attempt failed",
				slog.String("token_id", order.TokenID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil || isPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out.Fill = fill
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("%w after %d attempts: %w", domain.ErrHedgeExecutionFailed, out.Attempts, err)
	}
	return out, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrSigningFailed)
}

// attempt places one order and waits for it to reach a final state within
// timeout. When the deadline passes or ctx is cancelled first, the order is
// cancelled; anything that may still hold shares is returned as a stray.
func (e *Executor) attempt(ctx context.Context, order domain.VenueOrder, timeout time.Duration) (domain.VenueFill, domain.VenueFill, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fill, err := e.venue.PlaceOrder(actx, order)
	if err != nil {
		if actx.Err() != nil {
			if fill.OrderID != "" {
				return e.abandon(ctx, fill.OrderID)
			}
			return domain.VenueFill{}, domain.VenueFill{}, fmt.Errorf("place order: %w", stopCause(ctx, err))
		}
		return domain.VenueFill{}, domain.VenueFill{}, fmt.Errorf("place order: %w", err)
	}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for fill.Status == domain.VenueOrderLive || fill.Status == domain.VenueOrderUnknown {
		select {
		case <-actx.Done():
			return e.abandon(ctx, fill.OrderID)
		case <-ticker.C:
		}
		next, err := e.venue.OrderStatus(actx, fill.OrderID)
		if err != nil {
			e.logger.DebugContext(ctx, "order status poll failed",
				slog.String("order_id", fill.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		fill = next
	}

	if fill.Filled() {
		return fill, domain.VenueFill{}, nil
	}
	if fill.FilledSize > 0 {
		e.logger.WarnContext(ctx, "venue order ended partially filled",
			slog.String("order_id", fill.OrderID),
			slog.Float64("filled_size", fill.FilledSize),
		)
		return domain.VenueFill{}, fill, fmt.Errorf("venue order %s ended %s after filling %.4f of %.4f", fill.OrderID, fill.Status, fill.FilledSize, order.Size)
	}
	return domain.VenueFill{}, domain.VenueFill{}, fmt.Errorf("venue order %s ended %s", fill.OrderID, fill.Status)
}

// stopCause names why an attempt stopped early: the caller went away, or
// the hedge deadline passed.
func stopCause(ctx context.Context, detail any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%v: %w", detail, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrHedgeTimeout, detail)
}

// abandon cancels an order whose attempt stopped early. It runs detached
// from ctx so a caller that went away still gets its order pulled. A fill
// that raced the deadline is still returned as a success; a partial fill
// or an unconfirmed cancel comes back as a stray.
func (e *Executor) abandon(ctx context.Context, orderID string) (domain.VenueFill, domain.VenueFill, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	cause := stopCause(ctx, "order "+orderID)
	cancelErr := e.venue.CancelOrder(cctx, orderID)

	fill, statusErr := e.venue.OrderStatus(cctx, orderID)
	if statusErr == nil && fill.Filled() {
		e.logger.InfoContext(ctx, "order filled at deadline", slog.String("order_id", orderID))
		return fill, domain.VenueFill{}, nil
	}
	confirmed := statusErr == nil && (cancelErr == nil || fill.Status == domain.VenueOrderCancelled)
	if confirmed && fill.FilledSize > 0 {
		e.logger.WarnContext(ctx, "order cancelled after partial fill",
			slog.String("order_id", orderID),
			slog.Float64("filled_size", fill.FilledSize),
		)
		return domain.VenueFill{}, fill, cause
	}
	if confirmed || (cancelErr == nil && errors.Is(statusErr, domain.ErrNotFound)) {
		return domain.VenueFill{}, domain.VenueFill{}, cause
	}
	reason := "status unknown"
	if cancelErr != nil {
		reason = cancelErr.Error()
	} else if statusErr != nil {
		reason = statusErr.Error()
	}
	e.logger.ErrorContext(ctx, "abandoned order unconfirmed, left for reconciliation",
		slog.String("order_id", orderID),
		slog.String("error", reason),
	)
	return domain.VenueFill{}, domain.VenueFill{OrderID: orderID, Status: domain.VenueOrderUnknown}, cause
}

// Unwind makes a single attempt to close a filled hedge whose trade could
// not be committed.
func (e *Executor) Unwind(ctx context.Context, order domain.VenueOrder, fill domain.VenueFill, timeout time.Duration) (domain.VenueFill, error) {
	size := fill.FilledSize
	if size <= 0 {
		size = order.Size
	}
	price := fill.AvgPrice
	if price <= 0 {
		price = order.LimitPrice
	}
	back := domain.VenueOrder{TokenID: order.TokenID, Side: order.Side.Opposite(), Size: size, LimitPrice: price}
	f, stray, err := e.attempt(context.WithoutCancel(ctx), back, timeout)
	if err != nil {
		if stray.OrderID != "" {
			err = fmt.Errorf("%w (venue order %s left open, %.4f filled)", err, stray.OrderID, stray.FilledSize)
		}
		return domain.VenueFill{}, fmt.Errorf("hedge: unwind: %w", err)
	}
	return f, nil
}
