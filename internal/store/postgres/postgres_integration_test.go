package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("QRCHECKOUT_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set QRCHECKOUT_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func integrationOrder(stamp int64) domain.Order {
	id := fmt.Sprintf("order-it-%d", stamp)
	return domain.Order{
		ID:             id,
		OrderCode:      fmt.Sprintf("DH%016d", stamp%1e16),
		IdempotencyKey: fmt.Sprintf("idem-it-%d", stamp),
		Status:         domain.OrderStatusPending,
		PaymentMethod:  domain.PaymentMethodTransfer,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Customer: domain.CustomerSnapshot{
			FullName: "Tran Thi B", Phone: "0912345678", City: "Ha Noi",
			District: "Hoan Kiem", Ward: "Hang Bac", StreetAddress: "5 Hang Bac",
		},
		Items: []domain.OrderItem{
			{ProductRef: "sku-it-1", Quantity: 2, UnitPriceSnapshot: 900_000, Subtotal: 1_800_000},
		},
		TotalAmount: 1_800_000,
		ShippingFee: 50_000,
		FinalAmount: 1_850_000,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestCreateOrderAndSettleOnce(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	order := integrationOrder(time.Now().UnixNano())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM settlements WHERE order_code = $1`, order.OrderCode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, order.ID)
	})

	created, dup, err := s.CreateOrder(ctx, order)
	if err != nil || dup {
		t.Fatalf("create order: dup=%v err=%v", dup, err)
	}

	again, dup, err := s.CreateOrder(ctx, order)
	if err != nil || !dup || again.ID != created.ID {
		t.Fatalf("expected idempotent replay, dup=%v err=%v", dup, err)
	}

	other := integrationOrder(time.Now().UnixNano())
	other.OrderCode = order.OrderCode
	other.IdempotencyKey = ""
	if _, _, err := s.CreateOrder(ctx, other); !errors.Is(err, store.ErrDuplicateOrderCode) {
		t.Fatalf("expected ErrDuplicateOrderCode, got %v", err)
	}

	txnID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	st, dup, err := s.RecordSettlement(ctx, domain.Settlement{
		Provider: "it-bank", ProviderTxnID: txnID, OrderCode: order.OrderCode,
		Amount: order.FinalAmount, Outcome: domain.SettlementApplied,
	})
	if err != nil || dup || st.Outcome != domain.SettlementApplied {
		t.Fatalf("record settlement: %+v dup=%v err=%v", st, dup, err)
	}

	_, dup, err = s.RecordSettlement(ctx, domain.Settlement{
		Provider: "it-bank", ProviderTxnID: txnID, OrderCode: order.OrderCode,
		Amount: order.FinalAmount, Outcome: domain.SettlementApplied,
	})
	if err != nil || !dup {
		t.Fatalf("expected duplicate settlement, dup=%v err=%v", dup, err)
	}

	paid, err := s.FindOrderByCode(ctx, order.OrderCode)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid || paid.PaidAt == nil {
		t.Fatalf("expected paid order, got %+v", paid)
	}
	if len(paid.Items) != 1 || paid.Items[0].Subtotal != 1_800_000 {
		t.Fatalf("unexpected items %+v", paid.Items)
	}
}
