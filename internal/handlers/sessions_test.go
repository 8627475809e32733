package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/checkout"
	"github.com/yellowcat/checkout/internal/domain"
)

var testHashKey = []byte("0123456789abcdef0123456789abcdef")

type fakeDivisions struct{}

func (fakeDivisions) Provinces(context.Context) ([]domain.Division, error) {
	return []domain.Division{{Code: 1, Name: "Hà Nội"}}, nil
}

func (fakeDivisions) Districts(_ context.Context, province int) ([]domain.Division, error) {
	if province != 1 {
		return nil, errors.New("unknown province")
	}
	return []domain.Division{{Code: 101, Name: "Ba Đình"}}, nil
}

func (fakeDivisions) Wards(_ context.Context, district int) ([]domain.Division, error) {
	if district != 101 {
		return nil, errors.New("unknown district")
	}
	return []domain.Division{{Code: 1001, Name: "Phúc Xá"}}, nil
}

type fakeQuoter struct{}

func (fakeQuoter) Quote(context.Context, backend.FeeQuery) (domain.Money, error) {
	return domain.NewMoney(30000), nil
}

type fakeReverter struct {
	calls atomic.Int32
}

func (f *fakeReverter) Revert(context.Context, string) error {
	f.calls.Add(1)
	return nil
}

type fakeOrders struct {
	mu    sync.Mutex
	reqs  []domain.OrderRequest
	err   error
	count int
}

func (f *fakeOrders) Create(_ context.Context, req domain.OrderRequest, _ string) (backend.OrderConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return backend.OrderConfirmation{}, f.err
	}
	f.count++
	return backend.OrderConfirmation{OrderID: "ord-1", OrderCode: "YC-1"}, nil
}

type fakeAddresses struct{}

func (fakeAddresses) List(context.Context, string, int, int) ([]domain.ShippingAddress, error) {
	return []domain.ShippingAddress{{ID: "a-1", RecipientName: "Tran B", CityProvince: "Hà Nội", District: "Ba Đình", AddressType: "home"}}, nil
}

func (fakeAddresses) Create(_ context.Context, req backend.CreateAddressRequest) (domain.ShippingAddress, error) {
	return domain.ShippingAddress{ID: "a-2", RecipientName: req.RecipientName, District: req.District}, nil
}

type testServer struct {
	router   http.Handler
	registry *checkout.Registry
	reverter *fakeReverter
	orders   *fakeOrders
	health   *HealthHandlers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithCookies(t, CookieConfig{HashKey: testHashKey})
}

func newTestServerWithCookies(t *testing.T, cookieCfg CookieConfig) *testServer {
	t.Helper()
	reverter := &fakeReverter{}
	orders := &fakeOrders{}
	registry, err := checkout.NewRegistry(checkout.Deps{
		Divisions: fakeDivisions{},
		Quoter:    fakeQuoter{},
		Reverter:  reverter,
		Addresses: fakeAddresses{},
		Orders:    orders,
		Carts:     checkout.NewMemoryCartStore(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	cookies, err := NewSessionCookies(cookieCfg)
	require.NoError(t, err)
	health := NewHealthHandlers(WithHealthSessions(registry))
	router := NewRouter(
		WithHealthHandlers(health),
		WithSessionRoutes(NewSessionHandlers(registry, cookies).Routes),
	)
	return &testServer{router: router, registry: registry, reverter: reverter, orders: orders, health: health}
}

func (s *testServer) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(v))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == defaultCookieName {
			return c
		}
	}
	t.Fatalf("response did not set %s", defaultCookieName)
	return nil
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

var startBody = map[string]any{
	"sessionKey": "s-1",
	"kind":       "guest",
	"lines": []map[string]any{
		{"lineId": "l-1", "productId": 10, "variantId": 110, "name": "Áo thun", "unitPrice": 200000, "quantity": 2, "availableStock": 5},
	},
}

func TestSessionFlowGuestSubmit(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := sessionCookie(t, rr)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, "/checkout", cookie.Path)
	require.EqualValues(t, 400000, decodeBody(t, rr)["subtotal"])

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1/provinces", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["items"], 1)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/province?wait=true", map[string]int{"code": 1}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/district?wait=true", map[string]int{"code": 101}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/ward?wait=true", map[string]int{"code": 1001}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decodeBody(t, rr)
	require.EqualValues(t, 30000, snap["shippingFee"])
	require.EqualValues(t, 430000, snap["total"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{
		"recipientName": "Nguyen A",
		"phone":         "0912345678",
		"street":        "12 Hang Bai",
	}, cookie)
	require.Equal(t, http.StatusCreated, rr.Code)
	result := decodeBody(t, rr)
	require.Equal(t, "ord-1", result["orderId"])
	require.EqualValues(t, 430000, result["total"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{
		"recipientName": "Nguyen A",
		"phone":         "0912345678",
		"street":        "12 Hang Bai",
	}, cookie)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "already_submitted", decodeBody(t, rr)["error"])

	rr = srv.do(t, http.MethodDelete, "/checkout/sessions/s-1", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "submitted", decodeBody(t, rr)["outcome"])
	require.Zero(t, srv.reverter.calls.Load())
	require.Equal(t, 1, srv.orders.count)
}

func TestSessionRoutesRequireMatchingCookie(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "session_cookie_invalid", decodeBody(t, rr)["error"])

	other := map[string]any{"sessionKey": "s-2", "kind": "guest", "lines": startBody["lines"]}
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", other)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-2", nil, cookie)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	tampered := *cookie
	tampered.Value = strings.ToUpper(cookie.Value)
	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil, &tampered)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSessionCookieSlidesWithActivity(t *testing.T) {
	srv := newTestServerWithCookies(t, CookieConfig{HashKey: testHashKey, MaxAge: time.Second})

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	original := sessionCookie(t, rr)
	current := original

	for i := 0; i < 3; i++ {
		time.Sleep(700 * time.Millisecond)
		rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil, current)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
		current = sessionCookie(t, rr)
		require.Equal(t, 1, current.MaxAge)
	}

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil, original)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", map[string]string{"signal": "unload"}, current)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Eventually(t, func() bool { return srv.reverter.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseSessionClearsRefreshedCookie(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodDelete, "/checkout/sessions/s-1", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestStartSessionErrors(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", "{not json")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", map[string]any{"sessionKey": "x", "kind": "robot", "lines": startBody["lines"]})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", map[string]any{"sessionKey": "x", "kind": "guest"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "empty_cart", decodeBody(t, rr)["error"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "session_exists", decodeBody(t, rr)["error"])
}

func TestSubmitValidationFields(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{"phone": "123"}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "validation_failed", body["error"])
	fields := body["fields"].(map[string]any)
	require.Contains(t, fields, "recipientName")
	require.Contains(t, fields, "phone")
	require.Contains(t, fields, "province")

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{"paymentMethod": "crypto"}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, decodeBody(t, rr)["fields"], "paymentMethod")

	srv.orders.mu.Lock()
	defer srv.orders.mu.Unlock()
	require.Empty(t, srv.orders.reqs)
}

func TestSubmitFailureSurfacesServerMessage(t *testing.T) {
	srv := newTestServer(t)
	srv.orders.err = &backend.APIError{Status: http.StatusUnprocessableEntity, Code: "out_of_stock", Message: "Áo thun is out of stock"}

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)
	for _, step := range []struct {
		path string
		code int
	}{{"province", 1}, {"district", 101}, {"ward", 1001}} {
		rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/"+step.path+"?wait=true", map[string]int{"code": step.code}, cookie)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{
		"recipientName": "Nguyen A",
		"phone":         "0912345678",
		"street":        "12 Hang Bai",
	}, cookie)
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "order_rejected", body["error"])
	require.Equal(t, "Áo thun is out of stock", body["message"])
	require.Equal(t, "out_of_stock", body["reason"])

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1", nil, cookie)
	require.Equal(t, "active", decodeBody(t, rr)["reservation"])
}

func TestSelectUnknownDivision(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/province", map[string]int{"code": 99}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "unknown_division", decodeBody(t, rr)["error"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/district", map[string]int{"code": 101}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAccountAddressRoutes(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", map[string]any{
		"sessionKey": "acct-s",
		"kind":       "account",
		"accountId":  "acct-1",
		"lines":      startBody["lines"],
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/acct-s/addresses", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["items"], 1)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/acct-s/addresses/select?wait=true", map[string]string{"id": "a-1"}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decodeBody(t, rr)
	require.Equal(t, "a-1", snap["selectedAddressId"])
	require.EqualValues(t, 30000, snap["shippingFee"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/acct-s/addresses/select", map[string]string{"id": "nope"}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "unknown_address", decodeBody(t, rr)["error"])

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/acct-s/addresses", map[string]any{"recipientName": "Le C"}, cookie)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "validation_failed", decodeBody(t, rr)["error"])
}

func TestGuestAddressRoutesForbidden(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)

	rr = srv.do(t, http.MethodGet, "/checkout/sessions/s-1/addresses", nil, cookie)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "not_authenticated", decodeBody(t, rr)["error"])
}

func TestLeaveBeaconReleasesOnce(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)

	// sendBeacon posts a text/plain body.
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", `{"signal":"route","to":"/checkout?step=2"}`, cookie)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, srv.reverter.calls.Load())

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", `{"signal":"route","to":"/products"}`, cookie)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", "", cookie)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Eventually(t, func() bool { return srv.reverter.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/submit", map[string]string{"recipientName": "Nguyen A"}, cookie)
	require.Equal(t, http.StatusGone, rr.Code)
	require.Equal(t, "reservation_released", decodeBody(t, rr)["error"])

	rr = srv.do(t, http.MethodDelete, "/checkout/sessions/s-1", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "abandoned", decodeBody(t, rr)["outcome"])
	require.EqualValues(t, 1, srv.reverter.calls.Load())
}

func TestLeaveBeaconIgnoresUnknownSessions(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/checkout/sessions/missing/leave", `{"signal":"unload"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	cookie := sessionCookie(t, rr)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", `{"signal":"close"}`, cookie)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = srv.do(t, http.MethodPost, "/checkout/sessions/s-1/leave", `{"signal":"unload"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, srv.reverter.calls.Load())
}

func TestRouterHealthAndNotFound(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	rr = srv.do(t, http.MethodPost, "/checkout/sessions/", startBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = srv.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 1, decodeBody(t, rr)["sessions"])

	srv.health.Drain()
	rr = srv.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "draining", decodeBody(t, rr)["status"])

	rr = srv.do(t, http.MethodGet, "/nowhere", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "route_not_found", decodeBody(t, rr)["error"])
}
