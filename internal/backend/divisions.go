package backend

import (
	"context"
	"strconv"

	"github.com/yellowcat/checkout/internal/domain"
)

// DivisionsClient reads the province → district → ward hierarchy.
type DivisionsClient struct {
	c *Client
}

// NewDivisionsClient wraps a configured Client.
func NewDivisionsClient(c *Client) *DivisionsClient {
	return &DivisionsClient{c: c}
}

// Provinces lists every province.
func (d *DivisionsClient) Provinces(ctx context.Context) ([]domain.Division, error) {
	var out []domain.Division
	if err := d.c.getJSON(ctx, "/administrative-divisions/provinces", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Districts lists the districts of a province.
func (d *DivisionsClient) Districts(ctx context.Context, provinceCode int) ([]domain.Division, error) {
	var out struct {
		Districts []domain.Division `json:"districts"`
	}
	endpoint := "/administrative-divisions/provinces/" + strconv.Itoa(provinceCode) + "/districts"
	if err := d.c.getJSON(ctx, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Districts, nil
}

// Wards lists the wards of a district.
func (d *DivisionsClient) Wards(ctx context.Context, districtCode int) ([]domain.Division, error) {
	var out struct {
		Wards []domain.Division `json:"wards"`
	}
	endpoint := "/administrative-divisions/districts/" + strconv.Itoa(districtCode) + "/wards"
	if err := d.c.getJSON(ctx, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Wards, nil
}
