package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/domain"
)

// FeeQuoter is satisfied by ShippingClient and BreakerQuoter.
type FeeQuoter interface {
	Quote(ctx context.Context, q FeeQuery) (domain.Money, error)
}

// BreakerSettings configures BreakerQuoter.
type BreakerSettings struct {
	ConsecutiveFailures int
	OpenFor             time.Duration
	Interval            time.Duration
	Logger              *zap.Logger
}

// BreakerQuoter stops calling the carrier after repeated failures so quotes fail fast
// while the provider is down.
type BreakerQuoter struct {
	next FeeQuoter
	cb   *gobreaker.CircuitBreaker[domain.Money]
}

// NewBreakerQuoter wraps next with a circuit breaker.
func NewBreakerQuoter(next FeeQuoter, settings BreakerSettings) *BreakerQuoter {
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := uint32(settings.ConsecutiveFailures)
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker[domain.Money](gobreaker.Settings{
		Name:     "carrier-fee",
		Interval: settings.Interval,
		Timeout:  settings.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Superseded quotes are cancelled by the estimator and a null fee is a
		// carrier answer; neither says anything about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, ErrNoFee) ||
				isClientError(err)
		},
	})
	return &BreakerQuoter{next: next, cb: cb}
}

// Quote forwards to the wrapped quoter unless the breaker is open.
func (b *BreakerQuoter) Quote(ctx context.Context, q FeeQuery) (domain.Money, error) {
	return b.cb.Execute(func() (domain.Money, error) {
		return b.next.Quote(ctx, q)
	})
}

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}
