package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/store"
)

func sampleOrder(id, code, idem string) domain.Order {
	return domain.Order{
		ID:             id,
		OrderCode:      code,
		IdempotencyKey: idem,
		Status:         domain.OrderStatusPending,
		PaymentMethod:  domain.PaymentMethodTransfer,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Items: []domain.OrderItem{
			{OrderID: id, ProductRef: "sku-1", Quantity: 2, UnitPriceSnapshot: 900_000, Subtotal: 1_800_000},
		},
		TotalAmount: 1_800_000,
		ShippingFee: 50_000,
		FinalAmount: 1_850_000,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCreateOrderIsIdempotentByKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, dup, err := s.CreateOrder(ctx, sampleOrder("o-1", "DH01JB3K9Q2ZX4T7PA", "idem-1"))
	if err != nil || dup {
		t.Fatalf("first create: dup=%v err=%v", dup, err)
	}

	second, dup, err := s.CreateOrder(ctx, sampleOrder("o-2", "DH01JB3K9Q2ZX4T7PB", "idem-1"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !dup || second.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got dup=%v id=%s", first.ID, dup, second.ID)
	}
	if _, err := s.FindOrderByCode(ctx, "DH01JB3K9Q2ZX4T7PB"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second order must not be stored, got %v", err)
	}
}

func TestCreateOrderRejectsCodeCollisionAndUnbalancedAmounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, _, err := s.CreateOrder(ctx, sampleOrder("o-1", "DH01JB3K9Q2ZX4T7PA", "")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.CreateOrder(ctx, sampleOrder("o-2", "DH01JB3K9Q2ZX4T7PA", "")); !errors.Is(err, store.ErrDuplicateOrderCode) {
		t.Fatalf("expected ErrDuplicateOrderCode, got %v", err)
	}

	bad := sampleOrder("o-3", "DH01JB3K9Q2ZX4T7PC", "")
	bad.FinalAmount = 1
	if _, _, err := s.CreateOrder(ctx, bad); !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestRecordSettlementIsMonotonicAndDeduplicated(t *testing.T) {
	s := New()
	ctx := context.Background()
	code := "DH01JB3K9Q2ZX4T7PA"
	if _, _, err := s.CreateOrder(ctx, sampleOrder("o-1", code, "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, dup, err := s.RecordSettlement(ctx, domain.Settlement{
		Provider: "vcb", ProviderTxnID: "1001", OrderCode: code, Amount: 1_850_000, Outcome: domain.SettlementApplied,
	})
	if err != nil || dup {
		t.Fatalf("record: dup=%v err=%v", dup, err)
	}
	if applied.Outcome != domain.SettlementApplied {
		t.Fatalf("expected applied, got %s", applied.Outcome)
	}

	order, _ := s.FindOrderByCode(ctx, code)
	if order.PaymentStatus != domain.PaymentStatusPaid || order.PaidAt == nil {
		t.Fatalf("expected paid order, got %+v", order)
	}

	// Same notification again is a no-op.
	_, dup, err = s.RecordSettlement(ctx, domain.Settlement{
		Provider: "vcb", ProviderTxnID: "1001", OrderCode: code, Amount: 1_850_000, Outcome: domain.SettlementApplied,
	})
	if err != nil || !dup {
		t.Fatalf("expected duplicate, dup=%v err=%v", dup, err)
	}

	// A second, different credit never flips the order back or re-applies.
	again, _, err := s.RecordSettlement(ctx, domain.Settlement{
		Provider: "vcb", ProviderTxnID: "1002", OrderCode: code, Amount: 1_850_000, Outcome: domain.SettlementApplied,
	})
	if err != nil {
		t.Fatalf("record second: %v", err)
	}
	if again.Outcome != domain.SettlementAlreadyPaid {
		t.Fatalf("expected already_paid, got %s", again.Outcome)
	}

	list, _ := s.ListSettlements(ctx, code)
	if len(list) != 2 {
		t.Fatalf("expected 2 settlements, got %d", len(list))
	}
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateOrder(ctx, sampleOrder("o-1", "DH01JB3K9Q2ZX4T7PA", "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := s.FindOrderByID(ctx, "o-1")
	got.Items[0].Quantity = 99
	got.PaymentStatus = domain.PaymentStatusPaid

	again, _ := s.FindOrderByID(ctx, "o-1")
	if again.Items[0].Quantity != 2 || again.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("stored order was mutated through a returned copy: %+v", again)
	}
}

func TestFindCouponIsCaseInsensitive(t *testing.T) {
	s := NewSeeded()
	coupon, err := s.FindCoupon(context.Background(), " giam10 ")
	if err != nil {
		t.Fatalf("find coupon: %v", err)
	}
	if coupon.Code != "GIAM10" {
		t.Fatalf("unexpected coupon %+v", coupon)
	}
}
