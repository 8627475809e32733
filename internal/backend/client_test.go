package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := backend.NewClient(srv.URL+"/api/", srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := backend.NewClient("  ", nil)
	require.ErrorIs(t, err, backend.ErrMissingBaseURL)
}

func TestDivisionsClient(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/api/administrative-divisions/provinces":
			_, _ = io.WriteString(w, `[{"code":1,"name":"Hà Nội"}]`)
		case "/api/administrative-divisions/provinces/1/districts":
			_, _ = io.WriteString(w, `{"districts":[{"code":101,"name":"Ba Đình","parentCode":1}]}`)
		case "/api/administrative-divisions/districts/101/wards":
			_, _ = io.WriteString(w, `{"wards":[{"code":1001,"name":"Phúc Xá","parentCode":101}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	divisions := backend.NewDivisionsClient(client)
	ctx := context.Background()

	provinces, err := divisions.Provinces(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Division{{Code: 1, Name: "Hà Nội"}}, provinces)

	districts, err := divisions.Districts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, districts, 1)
	require.Equal(t, 1, *districts[0].ParentCode)

	wards, err := divisions.Wards(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, "Phúc Xá", wards[0].Name)

	_, err = divisions.Wards(ctx, 999)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestShippingClientQuote(t *testing.T) {
	t.Parallel()

	var fee atomic.Value
	fee.Store(`{"fee":25000}`)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/shipping/fee", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "Hà Nội", q.Get("province"))
		require.Equal(t, "Ba Đình", q.Get("district"))
		require.Equal(t, "1000", q.Get("weight"))
		require.Equal(t, "500000", q.Get("value"))
		_, _ = io.WriteString(w, fee.Load().(string))
	})
	shipping := backend.NewShippingClient(client)
	query := backend.FeeQuery{Province: "Hà Nội", District: "Ba Đình", WeightGrams: 1000, DeclaredValue: domain.NewMoney(500000)}

	got, err := shipping.Quote(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, "25000", got.String())

	fee.Store(`{"fee":null}`)
	_, err = shipping.Quote(context.Background(), query)
	require.ErrorIs(t, err, backend.ErrNoFee)

	fee.Store(`{}`)
	_, err = shipping.Quote(context.Background(), query)
	require.ErrorIs(t, err, backend.ErrNoFee)
}

func TestCartClientRevert(t *testing.T) {
	t.Parallel()

	keys := make(chan string, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/cart/revert", r.URL.Path)
		keys <- r.URL.Query().Get("sessionKey")
		w.WriteHeader(http.StatusNoContent)
	})
	cart := backend.NewCartClient(client)

	require.NoError(t, cart.Revert(context.Background(), "sess-1"))
	require.Equal(t, "sess-1", <-keys)
	require.ErrorIs(t, cart.Revert(context.Background(), " "), backend.ErrMissingSessionKey)
}

func TestAddressClient(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/addresses", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			require.Equal(t, "acct-1", q.Get("accountId"))
			require.Equal(t, "0", q.Get("page"))
			require.Equal(t, "20", q.Get("size"))
			_, _ = io.WriteString(w, `{"content":[{"id":7,"recipientName":"Tran B","cityProvince":"Hà Nội","addressType":"home"},{"addressId":"a-8","recipientName":"Le C"}]}`)
		case http.MethodPost:
			var req backend.CreateAddressRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.PhoneNumber == "dup" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"message":"phone already used"}`)
				return
			}
			require.Equal(t, "Ba Đình", req.District)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"a-9","recipientName":"`+req.RecipientName+`","district":"`+req.District+`"}`)
		}
	})
	addresses := backend.NewAddressClient(client)
	ctx := context.Background()

	list, err := addresses.List(ctx, "acct-1", 0, 20)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "7", list[0].ID)
	require.Equal(t, "a-8", list[1].ID)

	created, err := addresses.Create(ctx, backend.CreateAddressRequest{RecipientName: "Tran B", District: "Ba Đình"})
	require.NoError(t, err)
	require.Equal(t, "a-9", created.ID)

	_, err = addresses.Create(ctx, backend.CreateAddressRequest{PhoneNumber: "dup"})
	require.Error(t, err)
	require.Equal(t, "phone already used", backend.ServerMessage(err))
}

func TestOrderClientCreate(t *testing.T) {
	t.Parallel()

	type seen struct {
		key  string
		body map[string]any
	}
	requests := make(chan seen, 2)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/orders", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests <- seen{key: r.Header.Get("Idempotency-Key"), body: body}
		if body["note"] == "fail" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"error":"out_of_stock","message":"Áo thun is out of stock"}`)
			return
		}
		_, _ = io.WriteString(w, `{"orderId":123,"orderCode":"YC-123"}`)
	})
	orders := backend.NewOrderClient(client)
	req := domain.GuestOrderRequest{
		Customer:      domain.GuestCustomer{TransientID: "guest_1"},
		ShippingFee:   domain.NewMoney(25000),
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.PaymentCOD,
		Lines:         []domain.OrderLine{{VariantOrProductRef: 110, Quantity: 2}},
	}

	confirmation, err := orders.Create(context.Background(), req, "idem-1")
	require.NoError(t, err)
	require.Equal(t, "123", confirmation.OrderID)
	require.Equal(t, "YC-123", confirmation.OrderCode)
	first := <-requests
	require.Equal(t, "idem-1", first.key)
	require.EqualValues(t, 25000, first.body["shippingFee"])
	require.Equal(t, "PENDING", first.body["paymentStatus"])

	req.Note = "fail"
	_, err = orders.Create(context.Background(), req, "idem-2")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "out_of_stock", apiErr.Code)
	require.Equal(t, "Áo thun is out of stock", backend.ServerMessage(err))
}

func TestClientTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	client, err := backend.NewClient(srv.URL, backend.NewHTTPClient(time.Second))
	require.NoError(t, err)

	_, err = backend.NewDivisionsClient(client).Provinces(context.Background())
	require.Error(t, err)
	require.Empty(t, backend.ServerMessage(err))
}

type flakyQuoter struct {
	calls int
	err   error
}

func (f *flakyQuoter) Quote(context.Context, backend.FeeQuery) (domain.Money, error) {
	f.calls++
	if f.err != nil {
		return domain.Money{}, f.err
	}
	return domain.NewMoney(1), nil
}

func TestBreakerQuoterOpensAfterFailures(t *testing.T) {
	t.Parallel()

	next := &flakyQuoter{err: errors.New("carrier down")}
	q := backend.NewBreakerQuoter(next, backend.BreakerSettings{ConsecutiveFailures: 2, OpenFor: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Quote(ctx, backend.FeeQuery{})
		require.Error(t, err)
		require.False(t, backend.IsBreakerOpen(err))
	}
	_, err := q.Quote(ctx, backend.FeeQuery{})
	require.True(t, backend.IsBreakerOpen(err))
	require.Equal(t, 2, next.calls)
}

func TestBreakerQuoterIgnoresCarrierAnswers(t *testing.T) {
	t.Parallel()

	next := &flakyQuoter{err: backend.ErrNoFee}
	q := backend.NewBreakerQuoter(next, backend.BreakerSettings{ConsecutiveFailures: 1, OpenFor: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Quote(ctx, backend.FeeQuery{})
		require.ErrorIs(t, err, backend.ErrNoFee)
	}
	next.err = context.Canceled
	_, err := q.Quote(ctx, backend.FeeQuery{})
	require.ErrorIs(t, err, context.Canceled)
	next.err = nil
	_, err = q.Quote(ctx, backend.FeeQuery{})
	require.NoError(t, err)
	require.Equal(t, 5, next.calls)
}
