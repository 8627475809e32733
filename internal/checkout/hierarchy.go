package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yellowcat/checkout/internal/domain"
)

const defaultHierarchyTimeout = 5 * time.Second

// DivisionSource serves the administrative hierarchy.
type DivisionSource interface {
	Provinces(ctx context.Context) ([]domain.Division, error)
	Districts(ctx context.Context, provinceCode int) ([]domain.Division, error)
	Wards(ctx context.Context, districtCode int) ([]domain.Division, error)
}

// Selection is the chosen hierarchy path. A zero code means nothing chosen at
// that level.
type Selection struct {
	ProvinceCode int    `json:"provinceCode,omitempty"`
	ProvinceName string `json:"provinceName,omitempty"`
	DistrictCode int    `json:"districtCode,omitempty"`
	DistrictName string `json:"districtName,omitempty"`
	WardCode     int    `json:"wardCode,omitempty"`
	WardName     string `json:"wardName,omitempty"`
}

// Complete reports whether all three levels are chosen.
func (s Selection) Complete() bool {
	return s.ProvinceCode != 0 && s.DistrictCode != 0 && s.WardCode != 0
}

// TierView is the visible state of a derived tier.
type TierView struct {
	Parent  int               `json:"parent,omitempty"`
	Items   []domain.Division `json:"items"`
	Loading bool              `json:"loading"`
	Error   string            `json:"error,omitempty"`
}

// tier is a derived list keyed by its parent. A fetch result applies only
// while parent and gen still match the values it was issued with.
type tier struct {
	kind    domain.Tier
	parent  int
	gen     uint64
	items   []domain.Division
	loading bool
	err     error
	cancel  context.CancelFunc
}

type tierTag struct {
	parent int
	gen    uint64
}

func (t *tier) reset(parent int) tierTag {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.parent = parent
	t.items = nil
	t.err = nil
	t.loading = parent != 0
	return tierTag{parent: parent, gen: t.gen}
}

func (t *tier) matches(tag tierTag) bool {
	return t.parent == tag.parent && t.gen == tag.gen
}

func (t *tier) view() TierView {
	v := TierView{Parent: t.parent, Items: cloneDivisions(t.items), Loading: t.loading}
	if t.err != nil {
		v.Error = t.err.Error()
	}
	return v
}

// HierarchyResolver loads provinces once and the district and ward lists of
// the current selection on demand.
type HierarchyResolver struct {
	src     DivisionSource
	timeout time.Duration
	logger  *zap.Logger
	metrics *instruments
	group   singleflight.Group

	mu           sync.Mutex
	provinces    []domain.Division
	provincesErr error
	provinceCode int
	districtCode int
	wardCode     int
	districts    tier
	wards        tier
	listeners    []func(context.Context, Selection)

	wg sync.WaitGroup
}

// ResolverOption customises a HierarchyResolver.
type ResolverOption func(*HierarchyResolver)

// WithHierarchyTimeout bounds each hierarchy fetch.
func WithHierarchyTimeout(d time.Duration) ResolverOption {
	return func(r *HierarchyResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *HierarchyResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func withResolverMetrics(m *instruments) ResolverOption {
	return func(r *HierarchyResolver) { r.metrics = m }
}

// NewHierarchyResolver constructs a resolver over src.
func NewHierarchyResolver(src DivisionSource, opts ...ResolverOption) *HierarchyResolver {
	r := &HierarchyResolver{
		src:       src,
		timeout:   defaultHierarchyTimeout,
		logger:    zap.NewNop(),
		districts: tier{kind: domain.TierDistrict},
		wards:     tier{kind: domain.TierWard},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnChange registers fn to run after every selection change.
func (r *HierarchyResolver) OnChange(fn func(context.Context, Selection)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Provinces returns the province list, fetching it on first use. A failed
// fetch is not cached.
func (r *HierarchyResolver) Provinces(ctx context.Context) ([]domain.Division, error) {
	r.mu.Lock()
	if r.provinces != nil {
		list := cloneDivisions(r.provinces)
		r.mu.Unlock()
		return list, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("provinces", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.src.Provinces(fetchCtx)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.provincesErr = &TierError{Tier: domain.TierProvince, Err: err}
		return nil, r.provincesErr
	}
	if r.provinces == nil {
		list, _ := v.([]domain.Division)
		r.provinces = nonNilDivisions(list)
	}
	r.provincesErr = nil
	return cloneDivisions(r.provinces), nil
}

// SelectProvince clears the district and ward levels and starts loading the
// districts of code. It returns before the districts arrive.
func (r *HierarchyResolver) SelectProvince(ctx context.Context, code int) error {
	provinces, err := r.Provinces(ctx)
	if err != nil {
		return err
	}
	if _, ok := domain.FindDivision(provinces, code); !ok {
		return ErrUnknownDivision
	}

	r.mu.Lock()
	r.provinceCode = code
	r.districtCode = 0
	r.wardCode = 0
	tag := r.districts.reset(code)
	r.wards.reset(0)
	fetchCtx := r.startFetch(ctx, &r.districts)
	sel := r.selectionLocked()
	r.mu.Unlock()

	r.fetch(fetchCtx, &r.districts, tag, func(ctx context.Context) ([]domain.Division, error) {
		return r.src.Districts(ctx, code)
	})
	r.notify(ctx, sel)
	return nil
}

// SelectDistrict clears the ward level and starts loading the wards of code.
// code must be in the current district list.
func (r *HierarchyResolver) SelectDistrict(ctx context.Context, code int) error {
	r.mu.Lock()
	if _, ok := domain.FindDivision(r.districts.items, code); !ok {
		r.mu.Unlock()
		return ErrUnknownDivision
	}
	r.districtCode = code
	r.wardCode = 0
	tag := r.wards.reset(code)
	fetchCtx := r.startFetch(ctx, &r.wards)
	sel := r.selectionLocked()
	r.mu.Unlock()

	r.fetch(fetchCtx, &r.wards, tag, func(ctx context.Context) ([]domain.Division, error) {
		return r.src.Wards(ctx, code)
	})
	r.notify(ctx, sel)
	return nil
}

// SelectWard records the ward. code must be in the current ward list.
func (r *HierarchyResolver) SelectWard(ctx context.Context, code int) error {
	r.mu.Lock()
	if _, ok := domain.FindDivision(r.wards.items, code); !ok {
		r.mu.Unlock()
		return ErrUnknownDivision
	}
	r.wardCode = code
	sel := r.selectionLocked()
	r.mu.Unlock()

	r.notify(ctx, sel)
	return nil
}

// CurrentDistricts returns the district tier of the selected province.
func (r *HierarchyResolver) CurrentDistricts() TierView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.districts.view()
}

// CurrentWards returns the ward tier of the selected district.
func (r *HierarchyResolver) CurrentWards() TierView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wards.view()
}

// Selection returns the chosen codes with their names.
func (r *HierarchyResolver) Selection() Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectionLocked()
}

// ProvincesError returns the last province load failure, if the list is still missing.
func (r *HierarchyResolver) ProvincesError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provinces != nil {
		return nil
	}
	return r.provincesErr
}

// Resolve maps a code path to names without touching the selection. Lists
// already loaded for the same parent are reused.
func (r *HierarchyResolver) Resolve(ctx context.Context, provinceCode, districtCode, wardCode int) (Selection, error) {
	provinces, err := r.Provinces(ctx)
	if err != nil {
		return Selection{}, err
	}
	province, ok := domain.FindDivision(provinces, provinceCode)
	if !ok {
		return Selection{}, ErrUnknownDivision
	}

	districts, err := r.listFor(ctx, &r.districts, provinceCode, r.src.Districts)
	if err != nil {
		return Selection{}, err
	}
	district, ok := domain.FindDivision(districts, districtCode)
	if !ok {
		return Selection{}, ErrUnknownDivision
	}

	wards, err := r.listFor(ctx, &r.wards, districtCode, r.src.Wards)
	if err != nil {
		return Selection{}, err
	}
	ward, ok := domain.FindDivision(wards, wardCode)
	if !ok {
		return Selection{}, ErrUnknownDivision
	}

	return Selection{
		ProvinceCode: province.Code,
		ProvinceName: province.Name,
		DistrictCode: district.Code,
		DistrictName: district.Name,
		WardCode:     ward.Code,
		WardName:     ward.Name,
	}, nil
}

// Wait blocks until in-flight fetches have settled or ctx is done.
func (r *HierarchyResolver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight fetches.
func (r *HierarchyResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range []*tier{&r.districts, &r.wards} {
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
}

func (r *HierarchyResolver) listFor(ctx context.Context, t *tier, parent int, load func(context.Context, int) ([]domain.Division, error)) ([]domain.Division, error) {
	r.mu.Lock()
	if t.parent == parent && !t.loading && t.err == nil {
		list := cloneDivisions(t.items)
		r.mu.Unlock()
		return list, nil
	}
	r.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	list, err := load(fetchCtx, parent)
	if err != nil {
		return nil, &TierError{Tier: t.kind, Parent: parent, Err: err}
	}
	return list, nil
}

// startFetch must be called with r.mu held.
func (r *HierarchyResolver) startFetch(ctx context.Context, t *tier) context.Context {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	t.cancel = cancel
	return fetchCtx
}

func (r *HierarchyResolver) fetch(ctx context.Context, t *tier, tag tierTag, load func(context.Context) ([]domain.Division, error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		list, err := load(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		if !t.matches(tag) {
			r.metrics.add(ctx, countStale, attribute.String("tier", t.kind.String()))
			r.logger.Debug("discarding stale hierarchy response",
				zap.String("tier", t.kind.String()),
				zap.Int("parent", tag.parent),
				zap.Int("current_parent", t.parent),
			)
			return
		}
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
		t.loading = false
		if err != nil {
			t.items = nil
			t.err = &TierError{Tier: t.kind, Parent: tag.parent, Err: err}
			level := zap.WarnLevel
			if errors.Is(err, context.DeadlineExceeded) {
				level = zap.InfoLevel
			}
			r.logger.Check(level, "hierarchy fetch failed").Write(
				zap.String("tier", t.kind.String()),
				zap.Int("parent", tag.parent),
				zap.Error(err),
			)
			return
		}
		t.items = nonNilDivisions(list)
		t.err = nil
	}()
}

func (r *HierarchyResolver) notify(ctx context.Context, sel Selection) {
	r.mu.Lock()
	listeners := append([]func(context.Context, Selection){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, sel)
	}
}

func (r *HierarchyResolver) selectionLocked() Selection {
	sel := Selection{ProvinceCode: r.provinceCode, DistrictCode: r.districtCode, WardCode: r.wardCode}
	if d, ok := domain.FindDivision(r.provinces, r.provinceCode); ok {
		sel.ProvinceName = d.Name
	}
	if d, ok := domain.FindDivision(r.districts.items, r.districtCode); ok {
		sel.DistrictName = d.Name
	}
	if d, ok := domain.FindDivision(r.wards.items, r.wardCode); ok {
		sel.WardName = d.Name
	}
	return sel
}

func cloneDivisions(list []domain.Division) []domain.Division {
	out := make([]domain.Division, len(list))
	copy(out, list)
	return out
}

func nonNilDivisions(list []domain.Division) []domain.Division {
	if list == nil {
		return []domain.Division{}
	}
	return list
}
