package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/yellowcat/checkout/internal/domain"
)

// ErrCartNotFound is returned when no cart is stored for a session key.
var ErrCartNotFound = errors.New("checkout: cart not found")

// CartStore holds the buyer's local cart representation.
type CartStore interface {
	Save(ctx context.Context, cart domain.Cart) error
	Load(ctx context.Context, sessionKey string) (domain.Cart, error)
	Clear(ctx context.Context, sessionKey string) error
}

// MemoryCartStore is a process-local CartStore.
type MemoryCartStore struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
}

// NewMemoryCartStore constructs an empty store.
func NewMemoryCartStore() *MemoryCartStore {
	return &MemoryCartStore{carts: make(map[string]domain.Cart)}
}

// Save implements CartStore.
func (s *MemoryCartStore) Save(_ context.Context, cart domain.Cart) error {
	key := strings.TrimSpace(cart.SessionKey)
	if key == "" {
		return ErrCartNotFound
	}
	cart.SessionKey = key
	cart.Lines = cloneLines(cart.Lines)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[key] = cart
	return nil
}

// Load implements CartStore.
func (s *MemoryCartStore) Load(_ context.Context, sessionKey string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[strings.TrimSpace(sessionKey)]
	if !ok {
		return domain.Cart{}, ErrCartNotFound
	}
	cart.Lines = cloneLines(cart.Lines)
	return cart, nil
}

// Clear implements CartStore. Clearing a missing cart is not an error.
func (s *MemoryCartStore) Clear(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, strings.TrimSpace(sessionKey))
	return nil
}

func cloneLines(lines []domain.CartLine) []domain.CartLine {
	if lines == nil {
		return nil
	}
	out := make([]domain.CartLine, len(lines))
	copy(out, lines)
	return out
}
