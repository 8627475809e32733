package checkout

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/domain"
)

const defaultAddressPageSize = 20

// phonePattern is the national format: leading 0, 10 or 11 digits.
var phonePattern = regexp.MustCompile(`^0\d{9,10}$`)

// ValidPhone reports whether phone is a national-format number.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.TrimSpace(phone))
}

// AddressStore is the saved-address collaborator.
type AddressStore interface {
	List(ctx context.Context, accountID string, page, size int) ([]domain.ShippingAddress, error)
	Create(ctx context.Context, req backend.CreateAddressRequest) (domain.ShippingAddress, error)
}

// AddressInput is a new saved address. Hierarchy levels are codes from the
// resolver's lists; they are sent upstream as names.
type AddressInput struct {
	RecipientName string `json:"recipientName"`
	PhoneNumber   string `json:"phoneNumber"`
	StreetAddress string `json:"streetAddress"`
	ProvinceCode  int    `json:"provinceCode"`
	DistrictCode  int    `json:"districtCode"`
	WardCode      int    `json:"wardCode"`
	IsDefault     bool   `json:"isDefault"`
	AddressType   string `json:"addressType"`
}

func (in AddressInput) validate() *ValidationError {
	verr := &ValidationError{}
	if strings.TrimSpace(in.RecipientName) == "" {
		verr.add("recipientName", "recipient name is required")
	}
	switch phone := strings.TrimSpace(in.PhoneNumber); {
	case phone == "":
		verr.add("phoneNumber", "phone number is required")
	case !ValidPhone(phone):
		verr.add("phoneNumber", "phone number must start with 0 and have 10 or 11 digits")
	}
	if strings.TrimSpace(in.StreetAddress) == "" {
		verr.add("streetAddress", "street address is required")
	}
	if in.ProvinceCode == 0 {
		verr.add("province", "province is required")
	}
	if in.DistrictCode == 0 {
		verr.add("district", "district is required")
	}
	if in.WardCode == 0 {
		verr.add("ward", "ward is required")
	}
	return verr
}

// AddressBook is the saved-address picker of an authenticated session.
type AddressBook struct {
	accountID string
	store     AddressStore
	resolver  *HierarchyResolver
	pageSize  int
	logger    *zap.Logger

	mu        sync.Mutex
	loaded    bool
	addresses []domain.ShippingAddress
	selected  string
	loadErr   error
}

// NewAddressBook returns an empty book for accountID. Nothing is loaded until Load.
func NewAddressBook(accountID string, store AddressStore, resolver *HierarchyResolver, pageSize int, logger *zap.Logger) *AddressBook {
	if pageSize <= 0 {
		pageSize = defaultAddressPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AddressBook{
		accountID: strings.TrimSpace(accountID),
		store:     store,
		resolver:  resolver,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Load fetches the first page of saved addresses.
func (b *AddressBook) Load(ctx context.Context) ([]domain.ShippingAddress, error) {
	list, err := b.store.List(ctx, b.accountID, 0, b.pageSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.loadErr = err
		return nil, err
	}
	b.loaded = true
	b.loadErr = nil
	b.addresses = list
	if b.selected != "" && indexOfAddress(list, b.selected) < 0 {
		b.selected = ""
	}
	return cloneAddresses(list), nil
}

// Addresses returns the loaded list.
func (b *AddressBook) Addresses() []domain.ShippingAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAddresses(b.addresses)
}

// Loaded reports whether Load has succeeded at least once.
func (b *AddressBook) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Select makes the loaded address with id the shipping target.
func (b *AddressBook) Select(id string) (domain.ShippingAddress, error) {
	id = strings.TrimSpace(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	i := indexOfAddress(b.addresses, id)
	if id == "" || i < 0 {
		return domain.ShippingAddress{}, ErrUnknownAddress
	}
	b.selected = id
	return b.addresses[i], nil
}

// Selected returns the chosen address.
func (b *AddressBook) Selected() (domain.ShippingAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := indexOfAddress(b.addresses, b.selected); b.selected != "" && i >= 0 {
		return b.addresses[i], true
	}
	return domain.ShippingAddress{}, false
}

// Create validates and stores a new address, then reloads the list. The
// current selection is left as it was.
func (b *AddressBook) Create(ctx context.Context, in AddressInput) (domain.ShippingAddress, error) {
	if verr := in.validate(); !verr.empty() {
		return domain.ShippingAddress{}, verr
	}

	names, err := b.resolver.Resolve(ctx, in.ProvinceCode, in.DistrictCode, in.WardCode)
	if err != nil {
		if errors.Is(err, ErrUnknownDivision) {
			verr := &ValidationError{}
			verr.add("ward", "address hierarchy selection is not valid")
			return domain.ShippingAddress{}, verr
		}
		return domain.ShippingAddress{}, err
	}

	addressType := strings.TrimSpace(in.AddressType)
	if addressType == "" {
		addressType = domain.AddressTypeHome
	}
	created, err := b.store.Create(ctx, backend.CreateAddressRequest{
		AccountID:     b.accountID,
		RecipientName: strings.TrimSpace(in.RecipientName),
		PhoneNumber:   strings.TrimSpace(in.PhoneNumber),
		StreetAddress: strings.TrimSpace(in.StreetAddress),
		WardCommune:   names.WardName,
		District:      names.DistrictName,
		CityProvince:  names.ProvinceName,
		Country:       domain.DefaultCountry,
		IsDefault:     in.IsDefault,
		AddressType:   addressType,
	})
	if err != nil {
		return domain.ShippingAddress{}, err
	}

	if _, err := b.Load(ctx); err != nil {
		b.logger.Warn("reload saved addresses after create failed", zap.Error(err))
	}
	return created, nil
}

func indexOfAddress(list []domain.ShippingAddress, id string) int {
	for i, a := range list {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func cloneAddresses(list []domain.ShippingAddress) []domain.ShippingAddress {
	out := make([]domain.ShippingAddress, len(list))
	copy(out, list)
	return out
}
