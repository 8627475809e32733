package checkout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yellowcat/checkout/internal/domain"
)

var (
	// ErrReservationReleased is returned when submitting after the reservation was reverted.
	ErrReservationReleased = errors.New("checkout: reservation already released")
	// ErrSubmissionInFlight is returned when a submit is attempted while another is pending.
	ErrSubmissionInFlight = errors.New("checkout: submission already in flight")
	// ErrAlreadySubmitted is returned once an order was placed for the session.
	ErrAlreadySubmitted = errors.New("checkout: order already submitted")
	// ErrEmptyCart is returned when the cart has nothing to order.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrNotAuthenticated is returned for saved-address operations on guest sessions.
	ErrNotAuthenticated = errors.New("checkout: saved addresses require an authenticated session")
	// ErrUnknownDivision is returned when a code is not in the currently loaded list.
	ErrUnknownDivision = errors.New("checkout: division not in current list")
	// ErrUnknownAddress is returned when selecting an address that was not loaded.
	ErrUnknownAddress = errors.New("checkout: address not in loaded list")
	// ErrSessionNotFound is returned by the registry for unknown or expired keys.
	ErrSessionNotFound = errors.New("checkout: session not found")
	// ErrSessionExists is returned when starting a session twice with the same key.
	ErrSessionExists = errors.New("checkout: session already started")
	// ErrSessionClosed is returned by operations on a finished session.
	ErrSessionClosed = errors.New("checkout: session closed")
	// ErrUnknownKind is returned for a session kind other than guest or account.
	ErrUnknownKind = errors.New("checkout: unknown session kind")
	// ErrMissingSessionKey is returned when a session is started without a key.
	ErrMissingSessionKey = errors.New("checkout: session key is required")
	// ErrQuoteUnavailable is returned when policy requires a ready quote before submitting.
	ErrQuoteUnavailable = errors.New("checkout: shipping quote unavailable")
)

// ValidationError lists field-level problems found before any network call.
type ValidationError struct {
	fields map[string]string
}

func (e *ValidationError) add(field, message string) {
	if e.fields == nil {
		e.fields = make(map[string]string)
	}
	if _, exists := e.fields[field]; !exists {
		e.fields[field] = message
	}
}

func (e *ValidationError) empty() bool {
	return e == nil || len(e.fields) == 0
}

// Fields returns a copy of the field to message map.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "checkout: invalid " + strings.Join(names, ", ")
}

// TierError records a failed hierarchy fetch. Reselecting the same parent retries.
type TierError struct {
	Tier   domain.Tier
	Parent int
	Err    error
}

func (e *TierError) Error() string {
	if e.Tier == domain.TierProvince {
		return fmt.Sprintf("checkout: load provinces: %v", e.Err)
	}
	return fmt.Sprintf("checkout: load %ss of %d: %v", e.Tier, e.Parent, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// SubmitError wraps a failed order POST with the message to show the buyer.
type SubmitError struct {
	Message string
	Err     error
}

func (e *SubmitError) Error() string {
	return "checkout: submit order: " + e.Message
}

func (e *SubmitError) Unwrap() error { return e.Err }
