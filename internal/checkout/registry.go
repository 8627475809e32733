package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Registry owns the open sessions of this process by session key. Sessions
// idle for longer than the TTL are closed, which releases their reservation.
type Registry struct {
	deps    Deps
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *instruments

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL sets how long an unused session survives.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRegistry validates deps and returns an empty registry.
func NewRegistry(deps Deps, opts ...RegistryOption) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Registry{
		deps:     deps,
		ttl:      defaultIdleTTL,
		now:      clock,
		logger:   logger,
		metrics:  newInstruments(deps.Meter, logger),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Start opens a session. When req.Cart has no lines the stored cart for the
// key is used. An existing session under the same key is replaced only once it
// has reached a terminal outcome.
func (r *Registry) Start(ctx context.Context, req StartRequest) (*Session, error) {
	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		return nil, ErrMissingSessionKey
	}
	req.SessionKey = key
	req.Cart.SessionKey = key

	if len(req.Cart.Lines) == 0 && r.deps.Carts != nil {
		stored, err := r.deps.Carts.Load(ctx, key)
		if err != nil && !errors.Is(err, ErrCartNotFound) {
			return nil, err
		}
		req.Cart = stored
		req.Cart.SessionKey = key
	}

	var finished *Session
	defer func() {
		if finished != nil {
			finished.closeWith(ctx, SignalClose)
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.sessions[key]; exists {
		if existing.Outcome() == OutcomeOpen {
			return nil, ErrSessionExists
		}
		// A finished session gives way to the new attempt without waiting for
		// the sweep.
		delete(r.sessions, key)
		finished = existing
	}

	accountID, err := checkStart(req)
	if err != nil {
		return nil, err
	}
	s, err := newSession(r.deps, req, key, accountID, r.metrics)
	if err != nil {
		return nil, err
	}
	if r.deps.Carts != nil {
		if err := r.deps.Carts.Save(ctx, s.cart); err != nil {
			return nil, err
		}
	}
	r.sessions[key] = s
	r.logger.Info("checkout session started",
		zap.String("session_key", key),
		zap.String("kind", string(req.Kind)),
		zap.Int("lines", len(s.cart.Lines)),
	)
	return s, nil
}

// Get returns the open session for key and marks it used.
func (r *Registry) Get(key string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[strings.TrimSpace(key)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Close removes the session and closes it.
func (r *Registry) Close(ctx context.Context, key string) (SessionOutcome, error) {
	r.mu.Lock()
	s, ok := r.sessions[strings.TrimSpace(key)]
	if ok {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.Close(ctx), nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now minus the TTL and sessions that
// already reached a terminal outcome. It returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.ttl)
	type victim struct {
		s       *Session
		expired bool
	}
	var victims []victim

	r.mu.Lock()
	for key, s := range r.sessions {
		expired := s.LastSeen().Before(cutoff)
		if expired || s.Outcome() != OutcomeOpen {
			victims = append(victims, victim{s: s, expired: expired})
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		signal := SignalClose
		if v.expired {
			signal = SignalExpired
		}
		outcome := v.s.closeWith(ctx, signal)
		r.logger.Debug("swept checkout session",
			zap.String("session_key", v.s.key),
			zap.Bool("expired", v.expired),
			zap.String("outcome", string(outcome)),
		)
	}
	return len(victims)
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(ctx, r.now()); n > 0 {
				r.logger.Info("checkout sessions swept", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every open session and waits for dispatched reverts.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	var errs []error
	for _, s := range sessions {
		if err := s.guard.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}
