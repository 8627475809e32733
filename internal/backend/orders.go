package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/yellowcat/checkout/internal/domain"
)

// OrderConfirmation is the part of the POST /orders answer the controller needs.
type OrderConfirmation struct {
	OrderID   string
	OrderCode string
}

// OrderClient creates orders.
type OrderClient struct {
	c *Client
}

// NewOrderClient wraps a configured Client.
func NewOrderClient(c *Client) *OrderClient {
	return &OrderClient{c: c}
}

// Create posts the order once. The idempotency key lets the backend collapse a
// replay of the same attempt; it is never reused across user-initiated submits.
func (o *OrderClient) Create(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (OrderConfirmation, error) {
	header := http.Header{}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		header.Set(idempotencyHeader, key)
	}

	var out struct {
		OrderID   flexibleID `json:"orderId"`
		OrderCode string     `json:"orderCode"`
	}
	if err := o.c.postJSON(ctx, "/orders", nil, req, header, &out); err != nil {
		return OrderConfirmation{}, err
	}
	return OrderConfirmation{OrderID: string(out.OrderID), OrderCode: strings.TrimSpace(out.OrderCode)}, nil
}

// flexibleID decodes identifiers that services emit either as numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}
