package backend

import (
	"context"
	"net/url"
	"strconv"

	"github.com/yellowcat/checkout/internal/domain"
)

// CreateAddressRequest is the body of POST /user/addresses. Hierarchy levels are sent
// as resolved names, never codes.
type CreateAddressRequest struct {
	AccountID     string `json:"accountId"`
	RecipientName string `json:"recipientName"`
	PhoneNumber   string `json:"phoneNumber"`
	StreetAddress string `json:"streetAddress"`
	WardCommune   string `json:"wardCommune"`
	District      string `json:"district"`
	CityProvince  string `json:"cityProvince"`
	Country       string `json:"country"`
	IsDefault     bool   `json:"isDefault"`
	AddressType   string `json:"addressType"`
}

// AddressClient reads and creates a customer's saved addresses.
type AddressClient struct {
	c *Client
}

// NewAddressClient wraps a configured Client.
func NewAddressClient(c *Client) *AddressClient {
	return &AddressClient{c: c}
}

// List returns one page of saved addresses for the account.
func (a *AddressClient) List(ctx context.Context, accountID string, page, size int) ([]domain.ShippingAddress, error) {
	query := url.Values{}
	query.Set("accountId", accountID)
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var out struct {
		Content []addressPayload `json:"content"`
	}
	if err := a.c.getJSON(ctx, "/user/addresses", query, &out); err != nil {
		return nil, err
	}
	addrs := make([]domain.ShippingAddress, 0, len(out.Content))
	for _, p := range out.Content {
		addrs = append(addrs, p.toDomain())
	}
	return addrs, nil
}

// Create persists a new address and returns the stored record.
func (a *AddressClient) Create(ctx context.Context, req CreateAddressRequest) (domain.ShippingAddress, error) {
	var out addressPayload
	if err := a.c.postJSON(ctx, "/user/addresses", nil, req, nil, &out); err != nil {
		return domain.ShippingAddress{}, err
	}
	return out.toDomain(), nil
}

// addressPayload tolerates numeric or string ids from the address service.
type addressPayload struct {
	ID            flexibleID `json:"id"`
	AddressID     flexibleID `json:"addressId"`
	RecipientName string     `json:"recipientName"`
	PhoneNumber   string     `json:"phoneNumber"`
	StreetAddress string     `json:"streetAddress"`
	WardCommune   string     `json:"wardCommune"`
	District      string     `json:"district"`
	CityProvince  string     `json:"cityProvince"`
	Country       string     `json:"country"`
	IsDefault     bool       `json:"isDefault"`
	AddressType   string     `json:"addressType"`
}

func (p addressPayload) toDomain() domain.ShippingAddress {
	id := string(p.ID)
	if id == "" {
		id = string(p.AddressID)
	}
	return domain.ShippingAddress{
		ID:            id,
		RecipientName: p.RecipientName,
		PhoneNumber:   p.PhoneNumber,
		StreetAddress: p.StreetAddress,
		WardCommune:   p.WardCommune,
		District:      p.District,
		CityProvince:  p.CityProvince,
		Country:       p.Country,
		IsDefault:     p.IsDefault,
		AddressType:   p.AddressType,
	}
}
