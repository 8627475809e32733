package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/domain"
)

const (
	defaultQuoteTimeout = 8 * time.Second
	// DefaultParcelWeightGrams is the nominal weight quoted for every order.
	DefaultParcelWeightGrams = 1000
)

// FeeQuoter asks the carrier for a fee.
type FeeQuoter interface {
	Quote(ctx context.Context, q backend.FeeQuery) (domain.Money, error)
}

// QuoteInput is the triple a quote depends on. Province and District are
// resolved names, never codes.
type QuoteInput struct {
	Province string
	District string
	Subtotal domain.Money
}

func (in QuoteInput) normalized() QuoteInput {
	return QuoteInput{
		Province: norm.NFC.String(strings.TrimSpace(in.Province)),
		District: norm.NFC.String(strings.TrimSpace(in.District)),
		Subtotal: in.Subtotal,
	}
}

func (in QuoteInput) quotable() bool {
	return in.Province != "" && in.District != "" && !in.Subtotal.IsNegative()
}

func (in QuoteInput) equal(other QuoteInput) bool {
	return in.Province == other.Province && in.District == other.District && in.Subtotal.Equal(other.Subtotal)
}

// FeeEstimator keeps the shipping quote in step with its inputs. Only the
// response to the latest input is applied.
type FeeEstimator struct {
	quoter  FeeQuoter
	weight  int
	timeout time.Duration
	logger  *zap.Logger
	metrics *instruments

	mu     sync.Mutex
	input  QuoteInput
	gen    uint64
	quote  domain.ShippingQuote
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// EstimatorOption customises a FeeEstimator.
type EstimatorOption func(*FeeEstimator)

// WithParcelWeight sets the nominal parcel weight in grams.
func WithParcelWeight(grams int) EstimatorOption {
	return func(e *FeeEstimator) {
		if grams > 0 {
			e.weight = grams
		}
	}
}

// WithQuoteTimeout bounds each carrier call.
func WithQuoteTimeout(d time.Duration) EstimatorOption {
	return func(e *FeeEstimator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEstimatorLogger sets the estimator logger.
func WithEstimatorLogger(logger *zap.Logger) EstimatorOption {
	return func(e *FeeEstimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func withEstimatorMetrics(m *instruments) EstimatorOption {
	return func(e *FeeEstimator) { e.metrics = m }
}

// NewFeeEstimator constructs an idle estimator.
func NewFeeEstimator(quoter FeeQuoter, opts ...EstimatorOption) *FeeEstimator {
	e := &FeeEstimator{
		quoter:  quoter,
		weight:  DefaultParcelWeightGrams,
		timeout: defaultQuoteTimeout,
		logger:  zap.NewNop(),
		quote:   domain.ShippingQuote{Status: domain.QuoteIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.quote.WeightGrams = e.weight
	return e
}

// Update feeds the latest inputs. A changed triple invalidates the quote and
// requests a new one; the same triple while loading or ready is a no-op and a
// failed quote is retried.
func (e *FeeEstimator) Update(ctx context.Context, in QuoteInput) {
	in = in.normalized()

	e.mu.Lock()
	same := in.equal(e.input)
	if same && (e.quote.Status == domain.QuoteLoading || e.quote.Status == domain.QuoteReady) {
		e.mu.Unlock()
		return
	}
	if same && e.quote.Status == domain.QuoteIdle && !in.quotable() {
		e.mu.Unlock()
		return
	}

	e.invalidateLocked(in)
	if !in.quotable() {
		e.mu.Unlock()
		return
	}

	e.quote.Status = domain.QuoteLoading
	gen := e.gen
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	e.cancel = cancel
	query := backend.FeeQuery{
		Province:      in.Province,
		District:      in.District,
		WeightGrams:   e.weight,
		DeclaredValue: in.Subtotal,
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		fee, err := e.quoter.Quote(fetchCtx, query)
		e.apply(fetchCtx, gen, in, fee, err)
	}()
}

// Quote returns the current quote.
func (e *FeeEstimator) Quote() domain.ShippingQuote {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.quote
	if q.Fee != nil {
		fee := *q.Fee
		q.Fee = &fee
	}
	return q
}

// Wait blocks until in-flight quotes have settled or ctx is done.
func (e *FeeEstimator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels an in-flight quote.
func (e *FeeEstimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *FeeEstimator) invalidateLocked(in QuoteInput) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.input = in
	e.quote = domain.ShippingQuote{
		Province:      in.Province,
		District:      in.District,
		WeightGrams:   e.weight,
		DeclaredValue: in.Subtotal,
		Status:        domain.QuoteIdle,
	}
}

func (e *FeeEstimator) apply(ctx context.Context, gen uint64, in QuoteInput, fee domain.Money, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || !in.equal(e.input) {
		e.metrics.add(ctx, countStale, attribute.String("tier", "quote"))
		e.logger.Debug("discarding stale shipping quote",
			zap.String("province", in.Province),
			zap.String("district", in.District),
		)
		return
	}
	e.cancel = nil
	if err != nil {
		e.quote.Status = domain.QuoteFailed
		e.quote.Fee = nil
		e.quote.Err = quoteFailureMessage(err)
		e.logger.Warn("shipping quote failed",
			zap.String("province", in.Province),
			zap.String("district", in.District),
			zap.Error(err),
		)
		return
	}
	e.quote.Status = domain.QuoteReady
	e.quote.Fee = &fee
	e.quote.Err = ""
}

func quoteFailureMessage(err error) string {
	switch {
	case errors.Is(err, backend.ErrNoFee):
		return "the carrier does not deliver to this address"
	case backend.IsBreakerOpen(err):
		return "shipping quotes are temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "the shipping quote timed out"
	}
	if msg := backend.ServerMessage(err); msg != "" {
		return msg
	}
	return "unable to fetch a shipping quote"
}
