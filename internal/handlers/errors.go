package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/checkout"
	"github.com/yellowcat/checkout/internal/platform/httpx"
	"github.com/yellowcat/checkout/internal/platform/requestctx"
)

var sentinelErrors = []struct {
	err    error
	code   string
	status int
}{
	{checkout.ErrSessionNotFound, "session_not_found", http.StatusNotFound},
	{checkout.ErrSessionExists, "session_exists", http.StatusConflict},
	{checkout.ErrSessionClosed, "session_closed", http.StatusGone},
	{checkout.ErrReservationReleased, "reservation_released", http.StatusGone},
	{checkout.ErrSubmissionInFlight, "submission_in_flight", http.StatusConflict},
	{checkout.ErrAlreadySubmitted, "already_submitted", http.StatusConflict},
	{checkout.ErrQuoteUnavailable, "quote_unavailable", http.StatusConflict},
	{checkout.ErrEmptyCart, "empty_cart", http.StatusUnprocessableEntity},
	{checkout.ErrUnknownDivision, "unknown_division", http.StatusUnprocessableEntity},
	{checkout.ErrUnknownAddress, "unknown_address", http.StatusUnprocessableEntity},
	{checkout.ErrNotAuthenticated, "not_authenticated", http.StatusForbidden},
	{checkout.ErrUnknownKind, "invalid_request", http.StatusBadRequest},
	{checkout.ErrMissingSessionKey, "invalid_request", http.StatusBadRequest},
	{ErrCookieMismatch, "session_cookie_invalid", http.StatusUnauthorized},
}

// writeCheckoutError maps controller errors onto the JSON error envelope.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, toHTTPError(ctx, err))
}

func toHTTPError(ctx context.Context, err error) httpx.Error {
	var verr *checkout.ValidationError
	if errors.As(err, &verr) {
		return httpx.NewError("validation_failed", "some fields need attention", http.StatusUnprocessableEntity).WithFields(verr.Fields())
	}

	for _, s := range sentinelErrors {
		if errors.Is(err, s.err) {
			return httpx.NewError(s.code, err.Error(), s.status)
		}
	}

	var submitErr *checkout.SubmitError
	if errors.As(err, &submitErr) {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			httpErr := httpx.NewError("order_rejected", submitErr.Message, http.StatusConflict)
			if apiErr.Code != "" {
				httpErr = httpErr.WithDetails(map[string]any{"reason": apiErr.Code})
			}
			return httpErr
		}
		return httpx.NewError("order_failed", submitErr.Message, http.StatusBadGateway)
	}

	var tierErr *checkout.TierError
	if errors.As(err, &tierErr) {
		return httpx.NewError("hierarchy_unavailable", tierErr.Tier.String()+" list could not be loaded", http.StatusBadGateway)
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = "storefront backend rejected the request"
		}
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return httpx.NewError("backend_rejected", message, http.StatusUnprocessableEntity)
		}
		return httpx.NewError("backend_unavailable", message, http.StatusBadGateway)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return httpx.NewError("backend_timeout", "storefront backend timed out", http.StatusGatewayTimeout)
	}

	requestctx.Logger(ctx).Error("unhandled checkout error", zap.Error(err))
	return httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError)
}

// writeDecodeError reports a malformed request body.
func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest))
	}
}
