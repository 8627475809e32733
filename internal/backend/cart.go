package backend

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrMissingSessionKey is returned when a revert is requested without a session key.
var ErrMissingSessionKey = errors.New("backend: missing session key")

// CartClient talks to the cart reservation endpoints.
type CartClient struct {
	c *Client
}

// NewCartClient wraps a configured Client.
func NewCartClient(c *Client) *CartClient {
	return &CartClient{c: c}
}

// Revert releases the stock reserved for sessionKey. The response body is ignored.
func (cc *CartClient) Revert(ctx context.Context, sessionKey string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return ErrMissingSessionKey
	}
	query := url.Values{}
	query.Set("sessionKey", sessionKey)
	return cc.c.postJSON(ctx, "/cart/revert", query, nil, nil, nil)
}
