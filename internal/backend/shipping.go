package backend

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/yellowcat/checkout/internal/domain"
)

// ErrNoFee is returned when the carrier answers without a fee for the destination.
var ErrNoFee = errors.New("backend: carrier returned no fee")

// FeeQuery describes the parcel being quoted.
type FeeQuery struct {
	Province      string
	District      string
	WeightGrams   int
	DeclaredValue domain.Money
}

// ShippingClient requests carrier fee quotes.
type ShippingClient struct {
	c *Client
}

// NewShippingClient wraps a configured Client.
func NewShippingClient(c *Client) *ShippingClient {
	return &ShippingClient{c: c}
}

// Quote returns the carrier fee. A missing or null fee yields ErrNoFee.
func (s *ShippingClient) Quote(ctx context.Context, q FeeQuery) (domain.Money, error) {
	query := url.Values{}
	query.Set("province", q.Province)
	query.Set("district", q.District)
	query.Set("weight", strconv.Itoa(q.WeightGrams))
	query.Set("value", q.DeclaredValue.String())

	var out struct {
		Fee *domain.Money `json:"fee"`
	}
	if err := s.c.getJSON(ctx, "/shipping/fee", query, &out); err != nil {
		return domain.Money{}, err
	}
	if out.Fee == nil {
		return domain.Money{}, ErrNoFee
	}
	return *out.Fee, nil
}
