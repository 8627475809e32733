package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/domain"
)

// Settings tunes the per-session components.
type Settings struct {
	HierarchyTimeout  time.Duration
	QuoteTimeout      time.Duration
	ReleaseTimeout    time.Duration
	ParcelWeightGrams int
	AddressPageSize   int
	RequireReadyQuote bool
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Divisions DivisionSource
	Quoter    FeeQuoter
	Reverter  Reverter
	Addresses AddressStore
	Orders    OrderCreator
	Carts     CartStore
	Settings  Settings
	Logger    *zap.Logger
	Meter     metric.Meter
	Clock     func() time.Time
	// TransientID and RequestKey override id generation, mainly in tests.
	TransientID func() string
	RequestKey  func() string
}

func (d Deps) validate() error {
	switch {
	case d.Divisions == nil:
		return errors.New("checkout: division source is required")
	case d.Quoter == nil:
		return errors.New("checkout: fee quoter is required")
	case d.Reverter == nil:
		return errors.New("checkout: cart reverter is required")
	case d.Orders == nil:
		return errors.New("checkout: order client is required")
	}
	return nil
}

// StartRequest opens a session over an already reserved cart.
type StartRequest struct {
	SessionKey string
	Kind       domain.SessionKind
	AccountID  string
	Cart       domain.Cart
}

// SessionOutcome is the terminal state of a session.
type SessionOutcome string

const (
	OutcomeOpen      SessionOutcome = "open"
	OutcomeSubmitted SessionOutcome = "submitted"
	OutcomeAbandoned SessionOutcome = "abandoned"
)

// SubmitCommand is what the buyer sends on submit.
type SubmitCommand struct {
	Guest         GuestDetails
	Note          string
	PaymentMethod domain.PaymentMethod
}

// Snapshot is the full visible state of a session.
type Snapshot struct {
	SessionKey        string                   `json:"sessionKey"`
	Kind              domain.SessionKind       `json:"kind"`
	AccountID         string                   `json:"accountId,omitempty"`
	Lines             []domain.CartLine        `json:"lines"`
	Subtotal          domain.Money             `json:"subtotal"`
	ShippingFee       domain.Money             `json:"shippingFee"`
	Total             domain.Money             `json:"total"`
	Selection         Selection                `json:"selection"`
	Districts         TierView                 `json:"districts"`
	Wards             TierView                 `json:"wards"`
	Quote             domain.ShippingQuote     `json:"quote"`
	Addresses         []domain.ShippingAddress `json:"addresses,omitempty"`
	SelectedAddressID string                   `json:"selectedAddressId,omitempty"`
	Reservation       ReservationOutcome       `json:"reservation"`
	Outcome           SessionOutcome           `json:"outcome"`
	Order             *OrderResult             `json:"order,omitempty"`
	Warnings          []string                 `json:"warnings,omitempty"`
}

// Session is one checkout controller. It ends either submitted, when an order
// was placed, or abandoned, when the reservation was released.
type Session struct {
	key       string
	kind      domain.SessionKind
	accountID string
	cart      domain.Cart
	logger    *zap.Logger
	now       func() time.Time

	hub       *NavigationHub
	guard     *ReservationGuard
	hierarchy *HierarchyResolver
	quotes    *FeeEstimator
	addresses *AddressBook
	submitter *OrderSubmitter
	unwatch   func()

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// NewSession builds a controller for req. The reservation is assumed to exist upstream.
func NewSession(deps Deps, req StartRequest) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		return nil, ErrMissingSessionKey
	}
	accountID, err := checkStart(req)
	if err != nil {
		return nil, err
	}
	return newSession(deps, req, key, accountID, newInstruments(deps.Meter, deps.Logger))
}

func checkStart(req StartRequest) (accountID string, err error) {
	if !req.Kind.Valid() {
		return "", ErrUnknownKind
	}
	accountID = strings.TrimSpace(req.AccountID)
	if req.Kind == domain.SessionAccount && accountID == "" {
		return "", ErrNotAuthenticated
	}
	if req.Cart.Empty() {
		return "", ErrEmptyCart
	}
	return accountID, nil
}

func newSession(deps Deps, req StartRequest, key, accountID string, metrics *instruments) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_key", key), zap.String("kind", string(req.Kind)))
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	cart := req.Cart
	cart.SessionKey = key
	cart.Lines = cloneLines(cart.Lines)

	guard := NewReservationGuard(key, deps.Reverter,
		WithReleaseTimeout(deps.Settings.ReleaseTimeout),
		WithGuardLogger(logger.Named("reservation")),
		withGuardMetrics(metrics),
	)
	hierarchy := NewHierarchyResolver(deps.Divisions,
		WithHierarchyTimeout(deps.Settings.HierarchyTimeout),
		WithResolverLogger(logger.Named("hierarchy")),
		withResolverMetrics(metrics),
	)
	quotes := NewFeeEstimator(deps.Quoter,
		WithParcelWeight(deps.Settings.ParcelWeightGrams),
		WithQuoteTimeout(deps.Settings.QuoteTimeout),
		WithEstimatorLogger(logger.Named("quote")),
		withEstimatorMetrics(metrics),
	)
	submitter, err := NewOrderSubmitter(SubmitterDeps{
		Orders:            deps.Orders,
		Guard:             guard,
		Carts:             deps.Carts,
		Logger:            logger.Named("submit"),
		TransientID:       deps.TransientID,
		RequestKey:        deps.RequestKey,
		RequireReadyQuote: deps.Settings.RequireReadyQuote,
		metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		key:       key,
		kind:      req.Kind,
		accountID: accountID,
		cart:      cart,
		logger:    logger,
		now:       clock,
		hub:       NewNavigationHub(),
		guard:     guard,
		hierarchy: hierarchy,
		quotes:    quotes,
		submitter: submitter,
		lastSeen:  clock(),
	}
	if req.Kind == domain.SessionAccount && deps.Addresses != nil {
		s.addresses = NewAddressBook(accountID, deps.Addresses, hierarchy, deps.Settings.AddressPageSize, logger.Named("addresses"))
	}

	// Account sessions quote for the selected saved address instead; their
	// hierarchy selection only feeds the new-address form.
	if req.Kind == domain.SessionGuest {
		subtotal := cart.Subtotal()
		hierarchy.OnChange(func(ctx context.Context, sel Selection) {
			quotes.Update(ctx, QuoteInput{Province: sel.ProvinceName, District: sel.DistrictName, Subtotal: subtotal})
		})
	}
	s.unwatch = guard.Watch(s.hub)
	return s, nil
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// Kind returns the session kind.
func (s *Session) Kind() domain.SessionKind { return s.kind }

// Navigation returns the observer the host feeds with abandonment signals.
func (s *Session) Navigation() *NavigationHub { return s.hub }

// Reservation exposes the guard for inspection.
func (s *Session) Reservation() *ReservationGuard { return s.guard }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch records activity for idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// Outcome returns the terminal state, or OutcomeOpen.
func (s *Session) Outcome() SessionOutcome {
	switch s.guard.Outcome() {
	case ReservationSuppressed:
		return OutcomeSubmitted
	case ReservationReverted:
		return OutcomeAbandoned
	default:
		return OutcomeOpen
	}
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Provinces returns the province list.
func (s *Session) Provinces(ctx context.Context) ([]domain.Division, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.hierarchy.Provinces(ctx)
}

// SelectProvince selects a province and re-quotes once both names are known.
func (s *Session) SelectProvince(ctx context.Context, code int) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.hierarchy.SelectProvince(ctx, code)
}

// SelectDistrict selects a district of the current province.
func (s *Session) SelectDistrict(ctx context.Context, code int) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.hierarchy.SelectDistrict(ctx, code)
}

// SelectWard selects a ward of the current district.
func (s *Session) SelectWard(ctx context.Context, code int) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.hierarchy.SelectWard(ctx, code)
}

// LoadAddresses opens the saved-address picker.
func (s *Session) LoadAddresses(ctx context.Context) ([]domain.ShippingAddress, error) {
	book, err := s.addressBook()
	if err != nil {
		return nil, err
	}
	return book.Load(ctx)
}

// SelectAddress chooses a loaded saved address as the shipping target and
// quotes for its province and district.
func (s *Session) SelectAddress(ctx context.Context, id string) (domain.ShippingAddress, error) {
	book, err := s.addressBook()
	if err != nil {
		return domain.ShippingAddress{}, err
	}
	addr, err := book.Select(id)
	if err != nil {
		return domain.ShippingAddress{}, err
	}
	s.quotes.Update(ctx, QuoteInput{Province: addr.CityProvince, District: addr.District, Subtotal: s.cart.Subtotal()})
	return addr, nil
}

// CreateAddress stores a new saved address.
func (s *Session) CreateAddress(ctx context.Context, in AddressInput) (domain.ShippingAddress, error) {
	book, err := s.addressBook()
	if err != nil {
		return domain.ShippingAddress{}, err
	}
	return book.Create(ctx, in)
}

func (s *Session) addressBook() (*AddressBook, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.addresses == nil {
		return nil, ErrNotAuthenticated
	}
	return s.addresses, nil
}

// Submit places the order from the current state.
func (s *Session) Submit(ctx context.Context, cmd SubmitCommand) (OrderResult, error) {
	if err := s.usable(); err != nil {
		return OrderResult{}, err
	}
	req := SubmitRequest{
		Kind:          s.kind,
		AccountID:     s.accountID,
		Cart:          s.cart,
		Guest:         cmd.Guest,
		Hierarchy:     s.hierarchy.Selection(),
		Quote:         s.quotes.Quote(),
		Note:          cmd.Note,
		PaymentMethod: cmd.PaymentMethod,
	}
	if s.addresses != nil {
		if addr, ok := s.addresses.Selected(); ok {
			req.SavedAddress = &addr
		}
	}
	return s.submitter.Submit(ctx, req)
}

// Leave feeds an abandonment signal from the host. It reports whether the
// event counted as leaving checkout.
func (s *Session) Leave(ev LeaveEvent) bool {
	return s.hub.Emit(ev)
}

// Close tears the controller down. Without a placed order the reservation is
// released, so every session ends submitted or abandoned.
func (s *Session) Close(ctx context.Context) SessionOutcome {
	return s.closeWith(ctx, SignalClose)
}

func (s *Session) closeWith(ctx context.Context, signal LeaveSignal) SessionOutcome {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.guard.Release(ctx, signal)
		s.unwatch()
		s.hierarchy.Close()
		s.quotes.Close()
		s.logger.Info("checkout session closed", zap.String("outcome", string(s.Outcome())))
	}
	return s.Outcome()
}

// Wait blocks until hierarchy and quote fetches have settled.
func (s *Session) Wait(ctx context.Context) error {
	if err := s.hierarchy.Wait(ctx); err != nil {
		return err
	}
	return s.quotes.Wait(ctx)
}

// Snapshot returns the visible state.
func (s *Session) Snapshot() Snapshot {
	quote := s.quotes.Quote()
	snap := Snapshot{
		SessionKey:  s.key,
		Kind:        s.kind,
		AccountID:   s.accountID,
		Lines:       cloneLines(s.cart.Lines),
		Subtotal:    s.cart.Subtotal(),
		ShippingFee: quote.EffectiveFee(),
		Total:       Total(s.cart, quote),
		Selection:   s.hierarchy.Selection(),
		Districts:   s.hierarchy.CurrentDistricts(),
		Wards:       s.hierarchy.CurrentWards(),
		Quote:       quote,
		Reservation: s.guard.Outcome(),
		Outcome:     s.Outcome(),
	}
	if s.addresses != nil {
		snap.Addresses = s.addresses.Addresses()
		if addr, ok := s.addresses.Selected(); ok {
			snap.SelectedAddressID = addr.ID
		}
	}
	if result, ok := s.submitter.Result(); ok {
		snap.Order = &result
	}
	snap.Warnings = s.warnings(quote, snap)
	return snap
}

func (s *Session) warnings(quote domain.ShippingQuote, snap Snapshot) []string {
	var out []string
	if quote.Status == domain.QuoteFailed {
		msg := "shipping fee unavailable"
		if quote.Err != "" {
			msg += ": " + quote.Err
		}
		out = append(out, msg)
	}
	if err := s.hierarchy.ProvincesError(); err != nil {
		out = append(out, "provinces could not be loaded")
	}
	if snap.Districts.Error != "" {
		out = append(out, "districts could not be loaded, reselect the province to retry")
	}
	if snap.Wards.Error != "" {
		out = append(out, "wards could not be loaded, reselect the district to retry")
	}
	return out
}
