package checkout_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/checkout"
	"github.com/yellowcat/checkout/internal/domain"
)

func intPtr(v int) *int { return &v }

var (
	hanoi   = domain.Division{Code: 1, Name: "Hà Nội"}
	hcm     = domain.Division{Code: 79, Name: "Hồ Chí Minh"}
	baDinh  = domain.Division{Code: 101, Name: "Ba Đình", ParentCode: intPtr(1)}
	hoanKie = domain.Division{Code: 102, Name: "Hoàn Kiếm", ParentCode: intPtr(1)}
	quan1   = domain.Division{Code: 760, Name: "Quận 1", ParentCode: intPtr(79)}
	phucXa  = domain.Division{Code: 1001, Name: "Phúc Xá", ParentCode: intPtr(101)}
	benNghe = domain.Division{Code: 7601, Name: "Bến Nghé", ParentCode: intPtr(760)}
)

// stubDivisions serves a fixed hierarchy. A gate for a parent code holds the
// next fetch of that parent until the channel is closed, ignoring cancellation
// so late arrivals can be simulated. Each gate is consumed by one fetch.
type stubDivisions struct {
	mu            sync.Mutex
	provinces     []domain.Division
	districts     map[int][]domain.Division
	wards         map[int][]domain.Division
	gates         map[int]*heldFetch
	failDistricts map[int]error
	provinceErr   error
	provinceCalls atomic.Int32
	districtCalls atomic.Int32
}

func newStubDivisions() *stubDivisions {
	return &stubDivisions{
		provinces: []domain.Division{hanoi, hcm},
		districts: map[int][]domain.Division{
			1:  {baDinh, hoanKie},
			79: {quan1},
		},
		wards: map[int][]domain.Division{
			101: {phucXa},
			760: {benNghe},
		},
		gates:         map[int]*heldFetch{},
		failDistricts: map[int]error{},
	}
}

type heldFetch struct {
	release  chan struct{}
	items    []domain.Division
	override bool
}

func (s *stubDivisions) gate(parent int) chan struct{} {
	return s.hold(parent, &heldFetch{release: make(chan struct{})})
}

// gateWith holds the next fetch of parent and makes it answer items instead of
// the fixture data.
func (s *stubDivisions) gateWith(parent int, items ...domain.Division) chan struct{} {
	return s.hold(parent, &heldFetch{release: make(chan struct{}), items: items, override: true})
}

func (s *stubDivisions) hold(parent int, h *heldFetch) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[parent] = h
	return h.release
}

// held reports whether a fetch has picked up the gate for parent.
func (s *stubDivisions) held(parent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, waiting := s.gates[parent]
	return !waiting
}

func (s *stubDivisions) wait(parent int) ([]domain.Division, bool) {
	s.mu.Lock()
	h, ok := s.gates[parent]
	delete(s.gates, parent)
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-h.release
	return append([]domain.Division(nil), h.items...), h.override
}

func (s *stubDivisions) Provinces(context.Context) ([]domain.Division, error) {
	s.provinceCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provinceErr != nil {
		return nil, s.provinceErr
	}
	return append([]domain.Division(nil), s.provinces...), nil
}

func (s *stubDivisions) Districts(_ context.Context, code int) ([]domain.Division, error) {
	s.districtCalls.Add(1)
	held, override := s.wait(code)
	if override {
		return held, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDistricts[code]; err != nil {
		return nil, err
	}
	return append([]domain.Division(nil), s.districts[code]...), nil
}

func (s *stubDivisions) Wards(_ context.Context, code int) ([]domain.Division, error) {
	if held, override := s.wait(code); override {
		return held, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Division(nil), s.wards[code]...), nil
}

type quoteCall struct {
	query backend.FeeQuery
}

type stubQuoter struct {
	mu    sync.Mutex
	calls []quoteCall
	fn    func(ctx context.Context, q backend.FeeQuery) (domain.Money, error)
}

func (s *stubQuoter) Quote(ctx context.Context, q backend.FeeQuery) (domain.Money, error) {
	s.mu.Lock()
	s.calls = append(s.calls, quoteCall{query: q})
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return domain.NewMoney(25000), nil
	}
	return fn(ctx, q)
}

func (s *stubQuoter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type countingReverter struct {
	calls  atomic.Int32
	keys   chan string
	err    error
	ctxErr atomic.Value
}

func newCountingReverter() *countingReverter {
	return &countingReverter{keys: make(chan string, 16)}
}

func (r *countingReverter) Revert(ctx context.Context, key string) error {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		r.ctxErr.Store(err)
	}
	r.keys <- key
	return r.err
}

type stubOrders struct {
	mu       sync.Mutex
	requests []domain.OrderRequest
	keys     []string
	fn       func(ctx context.Context, req domain.OrderRequest) (backend.OrderConfirmation, error)
}

func (s *stubOrders) Create(ctx context.Context, req domain.OrderRequest, key string) (backend.OrderConfirmation, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.keys = append(s.keys, key)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return backend.OrderConfirmation{OrderID: "9001"}, nil
	}
	return fn(ctx, req)
}

func (s *stubOrders) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubAddresses struct {
	mu      sync.Mutex
	saved   []domain.ShippingAddress
	created []backend.CreateAddressRequest
	lists   int
	err     error
}

func (s *stubAddresses) List(_ context.Context, accountID string, page, size int) ([]domain.ShippingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.ShippingAddress(nil), s.saved...), nil
}

func (s *stubAddresses) Create(_ context.Context, req backend.CreateAddressRequest) (domain.ShippingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.ShippingAddress{}, s.err
	}
	s.created = append(s.created, req)
	addr := domain.ShippingAddress{
		ID:            "addr-new",
		RecipientName: req.RecipientName,
		PhoneNumber:   req.PhoneNumber,
		StreetAddress: req.StreetAddress,
		WardCommune:   req.WardCommune,
		District:      req.District,
		CityProvince:  req.CityProvince,
		Country:       req.Country,
		AddressType:   req.AddressType,
	}
	s.saved = append(s.saved, addr)
	return addr, nil
}

var errBoom = errors.New("boom")

func testCart(key string) domain.Cart {
	return domain.Cart{
		SessionKey: key,
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: 10, VariantID: 110, Name: "Áo thun", UnitPrice: domain.NewMoney(200000), Quantity: 2, AvailableStock: 5},
			{LineID: "l2", ProductID: 20, Name: "Nón", UnitPrice: domain.NewMoney(100000), Quantity: 1, AvailableStock: 3},
		},
	}
}

type fixture struct {
	divisions *stubDivisions
	quoter    *stubQuoter
	reverter  *countingReverter
	orders    *stubOrders
	addresses *stubAddresses
	carts     *checkout.MemoryCartStore
}

func newFixture() *fixture {
	return &fixture{
		divisions: newStubDivisions(),
		quoter:    &stubQuoter{},
		reverter:  newCountingReverter(),
		orders:    &stubOrders{},
		addresses: &stubAddresses{},
		carts:     checkout.NewMemoryCartStore(),
	}
}

func (f *fixture) deps() checkout.Deps {
	return checkout.Deps{
		Divisions:   f.divisions,
		Quoter:      f.quoter,
		Reverter:    f.reverter,
		Addresses:   f.addresses,
		Orders:      f.orders,
		Carts:       f.carts,
		TransientID: func() string { return "guest_test" },
		RequestKey:  func() string { return "key-1" },
		Settings: checkout.Settings{
			HierarchyTimeout: time.Second,
			QuoteTimeout:     time.Second,
			ReleaseTimeout:   time.Second,
		},
	}
}

func (f *fixture) session(t *testing.T, req checkout.StartRequest) *checkout.Session {
	t.Helper()
	s, err := checkout.NewSession(f.deps(), req)
	require.NoError(t, err)
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)
