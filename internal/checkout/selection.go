package checkout

import (
	"context"
	"slices"
	"sync"

	"qrcheckout/backend/internal/domain"
)

// MemorySelection is a process-local SelectionStore.
type MemorySelection struct {
	mu     sync.Mutex
	cart   []domain.CartLine
	buyNow []domain.CartLine
}

func NewMemorySelection(cart, buyNow []domain.CartLine) *MemorySelection {
	return &MemorySelection{cart: slices.Clone(cart), buyNow: slices.Clone(buyNow)}
}

func (s *MemorySelection) Load(_ context.Context) (domain.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Selection{Cart: slices.Clone(s.cart), BuyNow: slices.Clone(s.buyNow)}, nil
}

func (s *MemorySelection) Clear(_ context.Context, buyNow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buyNow {
		s.buyNow = nil
	} else {
		s.cart = nil
	}
	return nil
}

func (s *MemorySelection) SetBuyNow(lines []domain.CartLine) {
	s.mu.Lock()
	s.buyNow = slices.Clone(lines)
	s.mu.Unlock()
}
