package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultReleaseTimeout = 3 * time.Second

// Reverter releases the stock reserved for a cart session.
type Reverter interface {
	Revert(ctx context.Context, sessionKey string) error
}

// ReservationOutcome is the externally visible state of a ReservationGuard.
type ReservationOutcome string

const (
	ReservationActive     ReservationOutcome = "active"
	ReservationReverted   ReservationOutcome = "reverted"
	ReservationSuppressed ReservationOutcome = "suppressed"
)

// Guard cell values. The held states exist only while an order POST is in
// flight; a release arriving then is parked and fired if the POST fails.
const (
	stateActive int32 = iota
	stateHeld
	stateHeldReleasePending
	stateReverted
	stateSuppressed
)

// ReservationGuard owns the one cell deciding whether the session's stock
// reservation is reverted or kept for a placed order. Every transition is a
// compare-and-swap on that cell, so at most one revert is ever dispatched.
type ReservationGuard struct {
	sessionKey string
	reverter   Reverter
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *instruments

	state   atomic.Int32
	pending atomic.Value // LeaveSignal parked while held
	wg      sync.WaitGroup
}

// GuardOption customises a ReservationGuard.
type GuardOption func(*ReservationGuard)

// WithReleaseTimeout bounds the detached revert call.
func WithReleaseTimeout(d time.Duration) GuardOption {
	return func(g *ReservationGuard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGuardLogger sets the logger used for release diagnostics.
func WithGuardLogger(logger *zap.Logger) GuardOption {
	return func(g *ReservationGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func withGuardMetrics(m *instruments) GuardOption {
	return func(g *ReservationGuard) { g.metrics = m }
}

// NewReservationGuard returns an active guard for sessionKey.
func NewReservationGuard(sessionKey string, reverter Reverter, opts ...GuardOption) *ReservationGuard {
	g := &ReservationGuard{
		sessionKey: sessionKey,
		reverter:   reverter,
		timeout:    defaultReleaseTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Release reverts the reservation unless it was already reverted or
// suppressed. It reports whether this call dispatched the revert. The revert
// runs on a context detached from ctx so it outlives the signalling request.
func (g *ReservationGuard) Release(ctx context.Context, reason LeaveSignal) bool {
	for {
		switch cur := g.state.Load(); cur {
		case stateActive:
			if g.state.CompareAndSwap(stateActive, stateReverted) {
				g.dispatch(ctx, reason)
				return true
			}
		case stateHeld:
			g.pending.Store(reason)
			if g.state.CompareAndSwap(stateHeld, stateHeldReleasePending) {
				g.logger.Debug("release parked behind in-flight submission", zap.String("signal", string(reason)))
				return false
			}
		default:
			return false
		}
	}
}

// Suppress marks the reservation as consumed by a placed order. No network
// call is made and any later Release is a no-op.
func (g *ReservationGuard) Suppress() bool {
	for {
		cur := g.state.Load()
		if cur == stateReverted || cur == stateSuppressed {
			return false
		}
		if g.state.CompareAndSwap(cur, stateSuppressed) {
			g.metrics.add(context.Background(), countSuppressions)
			return true
		}
	}
}

// IsReleased reports whether the guard reached a terminal state.
func (g *ReservationGuard) IsReleased() bool {
	cur := g.state.Load()
	return cur == stateReverted || cur == stateSuppressed
}

// Outcome returns the guard state. A reservation held for a submission is
// still active.
func (g *ReservationGuard) Outcome() ReservationOutcome {
	switch g.state.Load() {
	case stateReverted:
		return ReservationReverted
	case stateSuppressed:
		return ReservationSuppressed
	default:
		return ReservationActive
	}
}

// Watch releases the reservation on every abandonment the observer reports.
func (g *ReservationGuard) Watch(obs NavigationObserver) func() {
	if obs == nil {
		return func() {}
	}
	return obs.OnLeave(func(ev LeaveEvent) {
		if !ev.Leaving() {
			return
		}
		g.Release(context.Background(), ev.Signal)
	})
}

// Wait blocks until dispatched reverts have finished or ctx is done.
func (g *ReservationGuard) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hold parks releases while an order POST is in flight.
func (g *ReservationGuard) hold() error {
	for {
		switch cur := g.state.Load(); cur {
		case stateActive:
			if g.state.CompareAndSwap(stateActive, stateHeld) {
				return nil
			}
		case stateSuppressed:
			return ErrAlreadySubmitted
		case stateReverted:
			return ErrReservationReleased
		default:
			return ErrSubmissionInFlight
		}
	}
}

// resume undoes hold after a failed POST, firing a parked release.
func (g *ReservationGuard) resume(ctx context.Context) {
	if g.state.CompareAndSwap(stateHeld, stateActive) {
		return
	}
	if g.state.CompareAndSwap(stateHeldReleasePending, stateReverted) {
		reason, _ := g.pending.Load().(LeaveSignal)
		g.dispatch(ctx, reason)
	}
}

func (g *ReservationGuard) dispatch(ctx context.Context, reason LeaveSignal) {
	if ctx == nil {
		ctx = context.Background()
	}
	g.metrics.add(ctx, countReleases, attribute.String("signal", string(reason)))
	g.logger.Info("releasing stock reservation", zap.String("signal", string(reason)))
	if g.reverter == nil {
		return
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		if err := g.reverter.Revert(detached, g.sessionKey); err != nil {
			g.logger.Warn("stock reservation revert failed", zap.String("signal", string(reason)), zap.Error(err))
		}
	}()
}
