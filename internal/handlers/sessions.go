package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/checkout"
	"github.com/yellowcat/checkout/internal/domain"
	"github.com/yellowcat/checkout/internal/platform/httpx"
	"github.com/yellowcat/checkout/internal/platform/requestctx"
)

const (
	maxStartBodySize   = 64 * 1024
	maxSessionBodySize = 8 * 1024
	maxBeaconBodySize  = 2 * 1024
)

// SessionRegistry is the part of checkout.Registry the handlers use.
type SessionRegistry interface {
	Start(ctx context.Context, req checkout.StartRequest) (*checkout.Session, error)
	Get(key string) (*checkout.Session, error)
	Close(ctx context.Context, key string) (checkout.SessionOutcome, error)
}

type sessionContextKey struct{}

// SessionHandlers exposes the checkout session controller over HTTP.
type SessionHandlers struct {
	registry SessionRegistry
	cookies  *SessionCookies
}

// NewSessionHandlers constructs SessionHandlers.
func NewSessionHandlers(registry SessionRegistry, cookies *SessionCookies) *SessionHandlers {
	return &SessionHandlers{registry: registry, cookies: cookies}
}

type startSessionRequest struct {
	SessionKey string            `json:"sessionKey"`
	Kind       string            `json:"kind"`
	AccountID  string            `json:"accountId"`
	Lines      []domain.CartLine `json:"lines"`
}

type codeRequest struct {
	Code int `json:"code"`
}

type selectAddressRequest struct {
	ID string `json:"id"`
}

type submitRequest struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Street        string `json:"street"`
	Note          string `json:"note"`
	PaymentMethod string `json:"paymentMethod"`
}

type leaveRequest struct {
	Signal string `json:"signal"`
	To     string `json:"to"`
}

// Routes registers the /checkout/sessions endpoints.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.startSession)
	r.Route("/{sessionKey}", func(r chi.Router) {
		// Beacons fire during unload and get no useful response, so this
		// route runs outside the session middleware and always answers 204.
		r.Post("/leave", h.leave)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/", h.getSnapshot)
			r.Delete("/", h.closeSession)
			r.Get("/provinces", h.listProvinces)
			r.Post("/province", h.selectTier(func(ctx context.Context, s *checkout.Session, code int) error {
				return s.SelectProvince(ctx, code)
			}))
			r.Post("/district", h.selectTier(func(ctx context.Context, s *checkout.Session, code int) error {
				return s.SelectDistrict(ctx, code)
			}))
			r.Post("/ward", h.selectTier(func(ctx context.Context, s *checkout.Session, code int) error {
				return s.SelectWard(ctx, code)
			}))
			r.Get("/addresses", h.listAddresses)
			r.Post("/addresses", h.createAddress)
			r.Post("/addresses/select", h.selectAddress)
			r.Post("/submit", h.submit)
		})
	})
}

func (h *SessionHandlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(chi.URLParam(r, "sessionKey"))
		requestctx.SetSessionKey(ctx, key)
		if h.cookies != nil {
			if err := h.cookies.Verify(r, key); err != nil {
				requestctx.Logger(ctx).Debug("session cookie rejected", zap.Error(err))
				writeCheckoutError(ctx, w, ErrCookieMismatch)
				return
			}
		}
		session, err := h.registry.Get(key)
		if err != nil {
			writeCheckoutError(ctx, w, err)
			return
		}
		if h.cookies != nil {
			if err := h.cookies.Issue(w, session.Key(), session.Kind()); err != nil {
				requestctx.Logger(ctx).Warn("session cookie refresh failed", zap.Error(err))
			}
		}
		ctx = context.WithValue(ctx, sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) *checkout.Session {
	s, _ := ctx.Value(sessionContextKey{}).(*checkout.Session)
	return s
}

func (h *SessionHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body startSessionRequest
	if err := httpx.DecodeJSON(r, maxStartBodySize, &body); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	key := strings.TrimSpace(body.SessionKey)
	requestctx.SetSessionKey(ctx, key)

	kind := domain.SessionKind(strings.ToLower(strings.TrimSpace(body.Kind)))
	session, err := h.registry.Start(ctx, checkout.StartRequest{
		SessionKey: key,
		Kind:       kind,
		AccountID:  body.AccountID,
		Cart:       domain.Cart{SessionKey: key, Lines: body.Lines},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	if h.cookies != nil {
		if err := h.cookies.Issue(w, session.Key(), session.Kind()); err != nil {
			// The session is unreachable without its cookie.
			_, _ = h.registry.Close(ctx, session.Key())
			writeCheckoutError(ctx, w, err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, session.Snapshot())
}

func (h *SessionHandlers) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	settle(r, s)
	httpx.WriteJSON(w, http.StatusOK, s.Snapshot())
}

func (h *SessionHandlers) closeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := sessionFromContext(ctx)
	outcome, err := h.registry.Close(ctx, s.Key())
	if err != nil && !errors.Is(err, checkout.ErrSessionNotFound) {
		writeCheckoutError(ctx, w, err)
		return
	}
	if err != nil {
		outcome = s.Outcome()
	}
	if h.cookies != nil {
		h.cookies.Clear(w)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionKey":  s.Key(),
		"outcome":     outcome,
		"reservation": s.Reservation().Outcome(),
	})
}

func (h *SessionHandlers) listProvinces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provinces, err := sessionFromContext(ctx).Provinces(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": provinces})
}

func (h *SessionHandlers) selectTier(apply func(context.Context, *checkout.Session, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body codeRequest
		if err := httpx.DecodeJSON(r, maxSessionBodySize, &body); err != nil {
			writeDecodeError(ctx, w, err)
			return
		}
		if body.Code <= 0 {
			writeCheckoutError(ctx, w, checkout.ErrUnknownDivision)
			return
		}
		s := sessionFromContext(ctx)
		if err := apply(ctx, s, body.Code); err != nil {
			writeCheckoutError(ctx, w, err)
			return
		}
		settle(r, s)
		httpx.WriteJSON(w, http.StatusOK, s.Snapshot())
	}
}

func (h *SessionHandlers) listAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := sessionFromContext(ctx)
	addresses, err := s.LoadAddresses(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items":             addresses,
		"selectedAddressId": s.Snapshot().SelectedAddressID,
	})
}

func (h *SessionHandlers) createAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body checkout.AddressInput
	if err := httpx.DecodeJSON(r, maxSessionBodySize, &body); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	created, err := sessionFromContext(ctx).CreateAddress(ctx, body)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *SessionHandlers) selectAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body selectAddressRequest
	if err := httpx.DecodeJSON(r, maxSessionBodySize, &body); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	s := sessionFromContext(ctx)
	if _, err := s.SelectAddress(ctx, strings.TrimSpace(body.ID)); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	settle(r, s)
	httpx.WriteJSON(w, http.StatusOK, s.Snapshot())
}

func (h *SessionHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body submitRequest
	if err := httpx.DecodeJSON(r, maxSessionBodySize, &body); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	method, ok := domain.ParsePaymentMethod(body.PaymentMethod)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "some fields need attention", http.StatusUnprocessableEntity).
			WithFields(map[string]string{"paymentMethod": "unsupported payment method"}))
		return
	}
	result, err := sessionFromContext(ctx).Submit(ctx, checkout.SubmitCommand{
		Guest: checkout.GuestDetails{
			RecipientName: body.RecipientName,
			Phone:         body.Phone,
			Street:        body.Street,
		},
		Note:          body.Note,
		PaymentMethod: method,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, result)
}

func (h *SessionHandlers) leave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := strings.TrimSpace(chi.URLParam(r, "sessionKey"))
	requestctx.SetSessionKey(ctx, key)
	logger := requestctx.Logger(ctx)
	defer w.WriteHeader(http.StatusNoContent)

	if h.cookies != nil {
		if err := h.cookies.Verify(r, key); err != nil {
			logger.Debug("leave beacon without session cookie", zap.Error(err))
			return
		}
	}
	session, err := h.registry.Get(key)
	if err != nil {
		logger.Debug("leave beacon for unknown session")
		return
	}

	var body leaveRequest
	if err := httpx.DecodeJSON(r, maxBeaconBodySize, &body); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		logger.Debug("leave beacon body ignored", zap.Error(err))
	}
	signal, ok := checkout.ParseLeaveSignal(body.Signal)
	if !ok {
		logger.Debug("leave beacon signal ignored", zap.String("signal", body.Signal))
		return
	}
	if session.Leave(checkout.LeaveEvent{Signal: signal, To: body.To}) {
		logger.Info("checkout left", zap.String("signal", string(signal)))
	}
}

// settle blocks until background fetches finish when the caller asked with ?wait=true,
// so a client can read a final snapshot without polling.
func settle(r *http.Request, s *checkout.Session) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		return
	}
	if err := s.Wait(r.Context()); err != nil {
		requestctx.Logger(r.Context()).Debug("settle interrupted", zap.Error(err))
	}
}
