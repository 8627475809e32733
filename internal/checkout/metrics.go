package checkout

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/yellowcat/checkout/internal/checkout"

// instruments holds the counters shared by the checkout components. A nil
// counter means registration failed and the measurement is skipped.
type instruments struct {
	releases     metric.Int64Counter
	suppressions metric.Int64Counter
	stale        metric.Int64Counter
	submissions  metric.Int64Counter
}

func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("checkout: unable to register metric", zap.String("metric", name), zap.Error(err))
			return nil
		}
		return c
	}
	return &instruments{
		releases:     counter("checkout.reservation.releases", "Reservation releases dispatched, by signal"),
		suppressions: counter("checkout.reservation.suppressions", "Reservations suppressed after a placed order"),
		stale:        counter("checkout.responses.stale", "Hierarchy and quote responses discarded as stale"),
		submissions:  counter("checkout.orders.submissions", "Order submission attempts, by outcome"),
	}
}

type counterKind int

const (
	countReleases counterKind = iota
	countSuppressions
	countStale
	countSubmissions
)

// add is safe on a nil receiver, so components built without instruments skip
// measurements.
func (m *instruments) add(ctx context.Context, kind counterKind, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	var c metric.Int64Counter
	switch kind {
	case countReleases:
		c = m.releases
	case countSuppressions:
		c = m.suppressions
	case countStale:
		c = m.stale
	case countSubmissions:
		c = m.submissions
	}
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
