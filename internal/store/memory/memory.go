package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/logger"
	"qrcheckout/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	ordersByID      map[string]*domain.Order
	orderIDByCode   map[string]string
	orderIDByIdem   map[string]string
	settlements     []domain.Settlement
	settlementByKey map[string]int
	coupons         map[string]domain.Coupon
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		ordersByID:      make(map[string]*domain.Order),
		orderIDByCode:   make(map[string]string),
		orderIDByIdem:   make(map[string]string),
		settlements:     make([]domain.Settlement, 0, 64),
		settlementByKey: make(map[string]int),
		coupons:         make(map[string]domain.Coupon),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo coupons and operator accounts for dev mode.
func NewSeeded() *Store {
	s := New()
	for _, c := range []domain.Coupon{
		{Code: "GIAM10", Type: domain.CouponPercent, Value: 10, MaxDiscount: 200_000, Active: true},
		{Code: "FREESHIP50", Type: domain.CouponFlat, Value: 50_000, MinSubtotal: 500_000, Active: true},
		{Code: "HETHAN", Type: domain.CouponFlat, Value: 100_000, Active: false},
	} {
		s.coupons[c.Code] = c
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the dev operator accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_SETTLEMENT_PASSWORD, with fixed dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	botPwd := envOr("SEED_SETTLEMENT_PASSWORD", "settlement123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SETTLEMENT_PASSWORD") == "" {
		logger.S().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SETTLEMENT_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"bank-feed", botPwd, domain.RoleSettlement},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.S().Fatalw("seed_password_hash_failed", "username", u.username, "error", err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" || order.OrderCode == "" || len(order.Items) == 0 || !order.AmountsBalanced() {
		return nil, false, store.ErrInvalidOrder
	}

	if order.IdempotencyKey != "" {
		if id, ok := s.orderIDByIdem[order.IdempotencyKey]; ok {
			return cloneOrder(s.ordersByID[id]), true, nil
		}
	}
	if _, exists := s.orderIDByCode[order.OrderCode]; exists {
		return nil, false, store.ErrDuplicateOrderCode
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, false, store.ErrInvalidOrder
	}

	// Order and items go in together under the write lock.
	saved := cloneOrder(&order)
	for i := range saved.Items {
		saved.Items[i].OrderID = saved.ID
	}
	s.ordersByID[saved.ID] = saved
	s.orderIDByCode[saved.OrderCode] = saved.ID
	if saved.IdempotencyKey != "" {
		s.orderIDByIdem[saved.IdempotencyKey] = saved.ID
	}
	return cloneOrder(saved), false, nil
}

func (s *Store) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByCode(_ context.Context, orderCode string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderIDByCode[orderCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.ordersByID[id]), nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderIDByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.ordersByID[id]), nil
}

func (s *Store) RecordSettlement(_ context.Context, settlement domain.Settlement) (*domain.Settlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settlement.Provider == "" || settlement.ProviderTxnID == "" {
		return nil, false, store.ErrInvalidOrder
	}

	key := settlementKey(settlement.Provider, settlement.ProviderTxnID)
	if idx, ok := s.settlementByKey[key]; ok {
		existing := s.settlements[idx]
		return &existing, true, nil
	}

	if settlement.ID == "" {
		settlement.ID = uuid.NewString()
	}
	if settlement.ReceivedAt.IsZero() {
		settlement.ReceivedAt = time.Now().UTC()
	}

	if settlement.Outcome == domain.SettlementApplied {
		id, ok := s.orderIDByCode[settlement.OrderCode]
		if !ok {
			return nil, false, store.ErrNotFound
		}
		order := s.ordersByID[id]
		if order.PaymentStatus == domain.PaymentStatusUnpaid {
			paidAt := settlement.ReceivedAt
			order.PaymentStatus = domain.PaymentStatusPaid
			order.PaidAt = &paidAt
		} else {
			settlement.Outcome = domain.SettlementAlreadyPaid
		}
	}

	s.settlementByKey[key] = len(s.settlements)
	s.settlements = append(s.settlements, settlement)
	recorded := settlement
	return &recorded, false, nil
}

func (s *Store) ListSettlements(_ context.Context, orderCode string) ([]domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Settlement, 0)
	for _, st := range s.settlements {
		if st.OrderCode == orderCode {
			result = append(result, st)
		}
	}
	return result, nil
}

func (s *Store) FindCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &coupon, nil
}

func (s *Store) PutCoupon(_ context.Context, coupon domain.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	if coupon.Code == "" {
		return store.ErrInvalidOrder
	}
	s.coupons[coupon.Code] = coupon
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidOrder
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleAdmin
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func settlementKey(provider, txnID string) string {
	return provider + "::" + txnID
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.OrderItem, len(src.Items))
	copy(dup.Items, src.Items)
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dup.PaidAt = &paidAt
	}
	return &dup
}
