package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/domain"
)

const (
	maxNoteRunes          = 500
	genericSubmitFailure  = "we could not place your order, please try again"
	guestTransientPrefix  = "guest_"
	submitOutcomeSuccess  = "success"
	submitOutcomeRejected = "rejected"
)

// OrderCreator is the order collaborator.
type OrderCreator interface {
	Create(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (backend.OrderConfirmation, error)
}

// GuestDetails are the contact fields a guest types at submit time.
type GuestDetails struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Street        string `json:"street"`
}

// SubmitRequest gathers everything an order is built from.
type SubmitRequest struct {
	Kind          domain.SessionKind
	AccountID     string
	Cart          domain.Cart
	Guest         GuestDetails
	Hierarchy     Selection
	SavedAddress  *domain.ShippingAddress
	Quote         domain.ShippingQuote
	Note          string
	PaymentMethod domain.PaymentMethod
}

// OrderResult reports a placed order.
type OrderResult struct {
	OrderID     string       `json:"orderId"`
	OrderCode   string       `json:"orderCode,omitempty"`
	Subtotal    domain.Money `json:"subtotal"`
	ShippingFee domain.Money `json:"shippingFee"`
	Total       domain.Money `json:"total"`
}

// Total is the amount the buyer pays: subtotal plus the effective shipping fee.
func Total(cart domain.Cart, quote domain.ShippingQuote) domain.Money {
	return cart.Subtotal().Add(quote.EffectiveFee())
}

// SubmitterDeps wires an OrderSubmitter.
type SubmitterDeps struct {
	Orders      OrderCreator
	Guard       *ReservationGuard
	Carts       CartStore
	Logger      *zap.Logger
	TransientID func() string
	RequestKey  func() string
	// RequireReadyQuote refuses submission unless the quote is ready.
	RequireReadyQuote bool

	metrics *instruments
}

// OrderSubmitter places the session's order, at most once.
type OrderSubmitter struct {
	orders       OrderCreator
	guard        *ReservationGuard
	carts        CartStore
	logger       *zap.Logger
	transientID  func() string
	requestKey   func() string
	requireQuote bool
	policy       *bluemonday.Policy
	metrics      *instruments

	mu         sync.Mutex
	inFlight   bool
	submitted  bool
	lastResult *OrderResult
}

// NewOrderSubmitter validates deps and returns a submitter.
func NewOrderSubmitter(deps SubmitterDeps) (*OrderSubmitter, error) {
	if deps.Orders == nil {
		return nil, errors.New("order submitter: order client is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("order submitter: reservation guard is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transientID := deps.TransientID
	if transientID == nil {
		transientID = func() string { return guestTransientPrefix + ulid.Make().String() }
	}
	requestKey := deps.RequestKey
	if requestKey == nil {
		requestKey = func() string { return uuid.NewString() }
	}
	return &OrderSubmitter{
		orders:       deps.Orders,
		guard:        deps.Guard,
		carts:        deps.Carts,
		logger:       logger,
		transientID:  transientID,
		requestKey:   requestKey,
		requireQuote: deps.RequireReadyQuote,
		policy:       bluemonday.StrictPolicy(),
		metrics:      deps.metrics,
	}, nil
}

// Submitted reports whether an order was placed.
func (s *OrderSubmitter) Submitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Result returns the placed order, if any.
func (s *OrderSubmitter) Result() (OrderResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return OrderResult{}, false
	}
	return *s.lastResult, true
}

// Submit validates req locally, then issues a single POST /orders. On success
// the reservation is suppressed and the local cart cleared. On failure the
// reservation stays active and nothing is retried.
func (s *OrderSubmitter) Submit(ctx context.Context, req SubmitRequest) (OrderResult, error) {
	if err := s.begin(); err != nil {
		return OrderResult{}, err
	}
	placed := false
	defer func() { s.finish(placed) }()

	if s.guard.IsReleased() {
		return OrderResult{}, ErrReservationReleased
	}
	if req.Cart.Empty() {
		return OrderResult{}, ErrEmptyCart
	}

	order, err := s.build(req)
	if err != nil {
		return OrderResult{}, err
	}
	if s.requireQuote && req.Quote.Status != domain.QuoteReady {
		return OrderResult{}, ErrQuoteUnavailable
	}

	if err := s.guard.hold(); err != nil {
		return OrderResult{}, err
	}

	key := s.requestKey()
	logger := s.logger.With(zap.String("kind", string(req.Kind)), zap.String("idempotency_key", key))
	confirmation, err := s.orders.Create(ctx, order, key)
	if err != nil {
		s.guard.resume(ctx)
		s.metrics.add(ctx, countSubmissions, attribute.String("outcome", submitOutcomeRejected))
		message := backend.ServerMessage(err)
		if message == "" {
			message = genericSubmitFailure
		}
		logger.Warn("order submission failed", zap.Error(err))
		return OrderResult{}, &SubmitError{Message: message, Err: err}
	}

	s.guard.Suppress()
	placed = true
	s.metrics.add(ctx, countSubmissions, attribute.String("outcome", submitOutcomeSuccess))

	if s.carts != nil {
		if err := s.carts.Clear(ctx, req.Cart.SessionKey); err != nil {
			logger.Warn("clear local cart failed", zap.Error(err))
		}
	}

	result := OrderResult{
		OrderID:     confirmation.OrderID,
		OrderCode:   confirmation.OrderCode,
		Subtotal:    req.Cart.Subtotal(),
		ShippingFee: order.Fee(),
		Total:       req.Cart.Subtotal().Add(order.Fee()),
	}
	s.mu.Lock()
	s.lastResult = &result
	s.mu.Unlock()
	logger.Info("order placed", zap.String("order_id", result.OrderID), zap.String("total", result.Total.String()))
	return result, nil
}

func (s *OrderSubmitter) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.submitted:
		return ErrAlreadySubmitted
	case s.inFlight:
		return ErrSubmissionInFlight
	}
	s.inFlight = true
	return nil
}

func (s *OrderSubmitter) finish(placed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if placed {
		s.submitted = true
	}
}

func (s *OrderSubmitter) build(req SubmitRequest) (domain.OrderRequest, error) {
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentCOD
	}
	note := s.sanitizeNote(req.Note)
	fee := req.Quote.EffectiveFee()
	lines := domain.OrderLines(req.Cart)

	switch req.Kind {
	case domain.SessionGuest:
		address, verr := guestAddress(req.Guest, req.Hierarchy)
		if verr != nil {
			return nil, verr
		}
		return domain.GuestOrderRequest{
			Customer: domain.GuestCustomer{
				TransientID: s.transientID(),
				DisplayName: address.RecipientName,
				Phone:       address.PhoneNumber,
			},
			ShippingAddress: address,
			ShippingFee:     fee,
			Note:            note,
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentMethod:   method,
			Lines:           lines,
		}, nil
	case domain.SessionAccount:
		if req.SavedAddress == nil {
			verr := &ValidationError{}
			verr.add("address", "choose a saved address")
			return nil, verr
		}
		address := *req.SavedAddress
		if strings.TrimSpace(address.AddressType) == "" {
			address.AddressType = domain.AddressTypeHome
		}
		if strings.TrimSpace(address.Country) == "" {
			address.Country = domain.DefaultCountry
		}
		return domain.AccountOrderRequest{
			Customer:        domain.AccountCustomer{AccountID: strings.TrimSpace(req.AccountID)},
			ShippingAddress: address,
			ShippingFee:     fee,
			Note:            note,
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentMethod:   method,
			Lines:           lines,
		}, nil
	default:
		verr := &ValidationError{}
		verr.add("kind", "unknown session kind")
		return nil, verr
	}
}

func guestAddress(guest GuestDetails, sel Selection) (domain.ShippingAddress, *ValidationError) {
	verr := &ValidationError{}
	name := strings.TrimSpace(guest.RecipientName)
	phone := strings.TrimSpace(guest.Phone)
	street := strings.TrimSpace(guest.Street)
	if name == "" {
		verr.add("recipientName", "recipient name is required")
	}
	switch {
	case phone == "":
		verr.add("phone", "phone number is required")
	case !ValidPhone(phone):
		verr.add("phone", "phone number must start with 0 and have 10 or 11 digits")
	}
	if strings.TrimSpace(sel.ProvinceName) == "" {
		verr.add("province", "province is required")
	}
	if strings.TrimSpace(sel.DistrictName) == "" {
		verr.add("district", "district is required")
	}
	if strings.TrimSpace(sel.WardName) == "" {
		verr.add("ward", "ward is required")
	}
	if street == "" {
		verr.add("street", "street address is required")
	}
	if !verr.empty() {
		return domain.ShippingAddress{}, verr
	}
	return domain.ShippingAddress{
		RecipientName: name,
		PhoneNumber:   phone,
		StreetAddress: street,
		WardCommune:   sel.WardName,
		District:      sel.DistrictName,
		CityProvince:  sel.ProvinceName,
		Country:       domain.DefaultCountry,
		AddressType:   domain.AddressTypeGuest,
	}, nil
}

func (s *OrderSubmitter) sanitizeNote(raw string) string {
	note := strings.TrimSpace(s.policy.Sanitize(raw))
	if utf8.RuneCountInString(note) <= maxNoteRunes {
		return note
	}
	runes := []rune(note)
	return strings.TrimSpace(string(runes[:maxNoteRunes]))
}
