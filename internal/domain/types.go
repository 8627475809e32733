package domain

import "strings"

// SessionKind distinguishes guest checkouts from authenticated ones.
type SessionKind string

const (
	// SessionGuest checks out with a transient customer identity.
	SessionGuest SessionKind = "guest"
	// SessionAccount checks out as a signed-in customer using saved addresses.
	SessionAccount SessionKind = "account"
)

// Valid reports whether the kind is one of the known session kinds.
func (k SessionKind) Valid() bool {
	return k == SessionGuest || k == SessionAccount
}

// CartLine is one reserved line of the cart being checked out.
type CartLine struct {
	LineID         string `json:"lineId"`
	ProductID      int64  `json:"productId"`
	VariantID      int64  `json:"variantId,omitempty"`
	Name           string `json:"name"`
	UnitPrice      Money  `json:"unitPrice"`
	Quantity       int    `json:"quantity"`
	ImageRef       string `json:"imageRef,omitempty"`
	SKU            string `json:"sku,omitempty"`
	AvailableStock int    `json:"availableStock"`
}

// Total returns unit price times quantity.
func (l CartLine) Total() Money {
	return l.UnitPrice.Times(l.Quantity)
}

// ItemRef returns the variant id when the line targets a variant, else the product id.
func (l CartLine) ItemRef() int64 {
	if l.VariantID > 0 {
		return l.VariantID
	}
	return l.ProductID
}

// Cart is the client-local cart snapshot. SessionKey identifies the upstream stock
// reservation that the revert endpoint releases.
type Cart struct {
	SessionKey string     `json:"sessionKey"`
	Lines      []CartLine `json:"lines"`
}

// Subtotal sums every line total.
func (c Cart) Subtotal() Money {
	total := Zero
	for _, line := range c.Lines {
		total = total.Add(line.Total())
	}
	return total
}

// Empty reports whether the cart has no purchasable lines.
func (c Cart) Empty() bool {
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			return false
		}
	}
	return true
}

// Tier identifies a level of the administrative hierarchy.
type Tier int

const (
	TierProvince Tier = iota + 1
	TierDistrict
	TierWard
)

func (t Tier) String() string {
	switch t {
	case TierProvince:
		return "province"
	case TierDistrict:
		return "district"
	case TierWard:
		return "ward"
	default:
		return "unknown"
	}
}

// Division is one province, district or ward.
type Division struct {
	Code       int    `json:"code"`
	Name       string `json:"name"`
	ParentCode *int   `json:"parentCode,omitempty"`
}

// FindDivision returns the division with the given code.
func FindDivision(list []Division, code int) (Division, bool) {
	for _, d := range list {
		if d.Code == code {
			return d, true
		}
	}
	return Division{}, false
}

// QuoteStatus is the lifecycle state of a shipping quote.
type QuoteStatus string

const (
	QuoteIdle    QuoteStatus = "IDLE"
	QuoteLoading QuoteStatus = "LOADING"
	QuoteReady   QuoteStatus = "READY"
	QuoteFailed  QuoteStatus = "FAILED"
)

// ShippingQuote is the carrier fee for one destination and declared value.
type ShippingQuote struct {
	Province      string      `json:"province"`
	District      string      `json:"district"`
	WeightGrams   int         `json:"weightGrams"`
	DeclaredValue Money       `json:"declaredValue"`
	Fee           *Money      `json:"fee"`
	Status        QuoteStatus `json:"status"`
	Err           string      `json:"error,omitempty"`
}

// EffectiveFee is the fee used for totals: the quoted fee when ready, zero otherwise.
func (q ShippingQuote) EffectiveFee() Money {
	if q.Status == QuoteReady && q.Fee != nil {
		return *q.Fee
	}
	return Zero
}

const (
	// AddressTypeGuest tags addresses typed in by guests.
	AddressTypeGuest = "guest"
	// AddressTypeHome is the default type of saved addresses.
	AddressTypeHome = "home"
	// DefaultCountry is used when an address omits its country.
	DefaultCountry = "Việt Nam"
)

// ShippingAddress is the destination of an order.
type ShippingAddress struct {
	ID            string `json:"id,omitempty"`
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

// PaymentMethod is the buyer's chosen payment method, forwarded verbatim.
type PaymentMethod string

const (
	PaymentCOD          PaymentMethod = "COD"
	PaymentVNPay        PaymentMethod = "VNPAY"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// ParsePaymentMethod normalises user input, defaulting to cash on delivery.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch method := PaymentMethod(strings.ToUpper(strings.TrimSpace(raw))); method {
	case "":
		return PaymentCOD, true
	case PaymentCOD, PaymentVNPay, PaymentBankTransfer:
		return method, true
	default:
		return "", false
	}
}

// PaymentStatusPending is the payment status of every newly created order.
const PaymentStatusPending = "PENDING"

// OrderLine references one purchased item.
type OrderLine struct {
	VariantOrProductRef int64 `json:"variantOrProductRef"`
	Quantity            int   `json:"quantity"`
}

// GuestCustomer identifies a guest buyer for the lifetime of one order.
type GuestCustomer struct {
	TransientID string `json:"transientId"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
}

// AccountCustomer references a signed-in buyer.
type AccountCustomer struct {
	AccountID string `json:"accountId"`
}

// OrderRequest is the body of POST /orders; it has one variant per session kind.
type OrderRequest interface {
	Kind() SessionKind
	Fee() Money
}

// GuestOrderRequest is submitted by guest sessions.
type GuestOrderRequest struct {
	Customer        GuestCustomer   `json:"customer"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	ShippingFee     Money           `json:"shippingFee"`
	Note            string          `json:"note"`
	PaymentStatus   string          `json:"paymentStatus"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	Lines           []OrderLine     `json:"lines"`
}

func (GuestOrderRequest) Kind() SessionKind { return SessionGuest }

func (r GuestOrderRequest) Fee() Money { return r.ShippingFee }

// AccountOrderRequest is submitted by authenticated sessions.
type AccountOrderRequest struct {
	Customer        AccountCustomer `json:"customer"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	ShippingFee     Money           `json:"shippingFee"`
	Note            string          `json:"note"`
	PaymentStatus   string          `json:"paymentStatus"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	Lines           []OrderLine     `json:"lines"`
}

func (AccountOrderRequest) Kind() SessionKind { return SessionAccount }

func (r AccountOrderRequest) Fee() Money { return r.ShippingFee }

// OrderLines converts cart lines with a positive quantity.
func OrderLines(cart Cart) []OrderLine {
	lines := make([]OrderLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			continue
		}
		lines = append(lines, OrderLine{VariantOrProductRef: line.ItemRef(), Quantity: line.Quantity})
	}
	return lines
}
