package store

import (
	"context"
	"errors"

	"qrcheckout/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrDuplicateOrderCode = errors.New("duplicate order code")
)

// SettlementStore is the authoritative record of whether an order code has
// been paid. Reads are side-effect free; RecordSettlement is the only writer
// and only ever moves an order from unpaid to paid.
type SettlementStore interface {
	FindOrderByCode(ctx context.Context, orderCode string) (*domain.Order, error)
	// RecordSettlement stores the settlement once per (provider, providerTxnId).
	// A repeat delivery returns the stored record with duplicate=true and changes nothing.
	// An applied settlement on an already-paid order is stored as already_paid.
	RecordSettlement(ctx context.Context, settlement domain.Settlement) (*domain.Settlement, bool, error)
	ListSettlements(ctx context.Context, orderCode string) ([]domain.Settlement, error)
}

type Repository interface {
	SettlementStore

	// CreateOrder persists the order and its items atomically. An existing
	// idempotency key returns the stored order with duplicate=true.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, bool, error)
	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)

	FindCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	// PutCoupon inserts or replaces a coupon by its upper-cased code.
	PutCoupon(ctx context.Context, coupon domain.Coupon) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
