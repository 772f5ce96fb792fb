package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qrcheckout/backend/internal/cache"
	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/order"
	"qrcheckout/backend/internal/store"
	"qrcheckout/backend/internal/store/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.PaymentSettledEvent
}

func (p *capturePublisher) PublishSettled(_ context.Context, event domain.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

var testConfig = Config{
	BankAccount: "0123456789",
	BankName:    "Vietcombank",
	QRProvider:  "https://qr.sepay.vn",
}

func newTestService(opts ...Option) (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, order.NewAssembler(order.DefaultPricing()), testConfig, opts...), repo
}

func transferRequest(key string) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		IdempotencyKey: key,
		Items: []domain.CartLine{
			{ProductRef: "ao-khoac", ProductName: "Ao khoac", Quantity: 2, UnitPrice: 900_000},
		},
		Customer: domain.CustomerSnapshot{
			FullName:      "Nguyen Van A",
			Phone:         "0901234567",
			City:          "Ho Chi Minh",
			District:      "Quan 1",
			Ward:          "Ben Nghe",
			StreetAddress: "12 Le Loi",
		},
		PaymentMethod: domain.PaymentMethodTransfer,
	}
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func TestCreateOrderRecomputesTamperedTotals(t *testing.T) {
	svc, _ := newTestService()
	req := transferRequest("idem-tamper")
	tampered := decimal.NewFromInt(1)
	req.FinalAmount = &tampered
	req.TotalAmount = &tampered

	resp, err := svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if resp.TotalAmount != 1_800_000 || resp.ShippingFee != 50_000 || resp.FinalAmount != 1_850_000 {
		t.Fatalf("unexpected amounts: %+v", resp)
	}
	if resp.PaymentStatus != domain.PaymentStatusUnpaid || resp.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected state: %s/%s", resp.Status, resp.PaymentStatus)
	}
}

func TestCreateOrderRejectsFractionalAdvisoryAmount(t *testing.T) {
	svc, _ := newTestService()
	req := transferRequest("idem-fraction")
	fraction := decimal.RequireFromString("1850000.50")
	req.FinalAmount = &fraction

	_, err := svc.CreateOrder(context.Background(), req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "finalAmount" {
		t.Fatalf("expected finalAmount validation error, got %v", err)
	}
}

func TestCreateOrderIsIdempotentPerAttempt(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.CreateOrder(ctx, transferRequest("idem-retry"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := svc.CreateOrder(ctx, transferRequest("idem-retry"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.Duplicate || second.OrderCode != first.OrderCode || second.OrderID != first.OrderID {
		t.Fatalf("expected duplicate of %s, got %+v", first.OrderCode, second)
	}
}

func TestCreateOrderRejectsSubmissionInFlight(t *testing.T) {
	locker := cache.NewLocalLocker()
	svc, _ := newTestService(WithSubmissionLocker(locker))
	ctx := context.Background()

	if ok, _ := locker.Acquire(ctx, "idem-busy", time.Minute); !ok {
		t.Fatalf("could not pre-acquire lock")
	}

	_, err := svc.CreateOrder(ctx, transferRequest("idem-busy"))
	if !errors.Is(err, ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}
}

type collidingRepo struct {
	*memory.Store
	collisions int
	attempts   []string
}

func (r *collidingRepo) CreateOrder(ctx context.Context, o domain.Order) (*domain.Order, bool, error) {
	r.attempts = append(r.attempts, o.OrderCode)
	if r.collisions > 0 {
		r.collisions--
		return nil, false, store.ErrDuplicateOrderCode
	}
	return r.Store.CreateOrder(ctx, o)
}

func TestCreateOrderRegeneratesCodeOnCollision(t *testing.T) {
	repo := &collidingRepo{Store: memory.NewSeeded(), collisions: 2}
	svc := New(repo, nil, testConfig)

	resp, err := svc.CreateOrder(context.Background(), transferRequest("idem-collide"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(repo.attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(repo.attempts))
	}
	if repo.attempts[0] == repo.attempts[2] || resp.OrderCode != repo.attempts[2] {
		t.Fatalf("expected a fresh code on retry, attempts=%v resp=%s", repo.attempts, resp.OrderCode)
	}
}

func TestCreateOrderValidatesCoupon(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	req := transferRequest("idem-coupon-bad")
	req.CouponCode = "KHONGCO"
	_, err := svc.CreateOrder(ctx, req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "couponCode" {
		t.Fatalf("expected couponCode validation error, got %v", err)
	}

	req = transferRequest("idem-coupon-ok")
	req.CouponCode = "giam10"
	resp, err := svc.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("create with coupon: %v", err)
	}
	if resp.DiscountAmount != 180_000 || resp.FinalAmount != 1_670_000 {
		t.Fatalf("unexpected discount: %+v", resp)
	}
}

func TestCreateOrderReportsMissingField(t *testing.T) {
	svc, _ := newTestService()
	req := transferRequest("idem-missing")
	req.Customer.Ward = ""

	_, err := svc.CreateOrder(context.Background(), req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "ward" {
		t.Fatalf("expected ward validation error, got %v", err)
	}

	req = transferRequest("idem-empty")
	req.Items = nil
	if _, err := svc.CreateOrder(context.Background(), req); !domain.IsEmptySelection(err) {
		t.Fatalf("expected EmptySelectionError, got %v", err)
	}
}

func TestIssueSessionIsDerivedFromOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, transferRequest("idem-session"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	req := domain.PaymentSessionRequest{
		OrderID:     created.OrderID,
		Amount:      created.FinalAmount,
		OrderCode:   created.OrderCode,
		Description: created.OrderCode,
	}
	session, err := svc.IssueSession(ctx, req)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if session.Amount != created.FinalAmount || session.OrderCode != created.OrderCode {
		t.Fatalf("session does not match order: %+v", session)
	}
	want := "https://qr.sepay.vn/img?acc=0123456789&bank=Vietcombank&amount=1850000&des=" + created.OrderCode
	if session.QRURL != want {
		t.Fatalf("qr url = %s, want %s", session.QRURL, want)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != 10*time.Minute {
		t.Fatalf("expected 10 minute session, got %s", got)
	}

	again, err := svc.IssueSession(ctx, req)
	if err != nil {
		t.Fatalf("reissue session: %v", err)
	}
	if again != session {
		t.Fatalf("reissued session differs: %+v vs %+v", again, session)
	}
}

func TestIssueSessionRejectsWrongState(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	codReq := transferRequest("idem-cod")
	codReq.PaymentMethod = domain.PaymentMethodCOD
	cod, err := svc.CreateOrder(ctx, codReq)
	if err != nil {
		t.Fatalf("create cod order: %v", err)
	}
	if _, err := svc.IssueSession(ctx, domain.PaymentSessionRequest{OrderID: cod.OrderID}); !domain.IsInvalidOrderState(err) {
		t.Fatalf("expected InvalidOrderStateError for cod, got %v", err)
	}

	transfer, err := svc.CreateOrder(ctx, transferRequest("idem-paid"))
	if err != nil {
		t.Fatalf("create transfer order: %v", err)
	}
	if _, err := svc.SettleManually(adminContext(), domain.ManualSettlementRequest{
		OrderCode: transfer.OrderCode,
		Reference: "FT2601",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := svc.IssueSession(ctx, domain.PaymentSessionRequest{OrderID: transfer.OrderID}); !domain.IsInvalidOrderState(err) {
		t.Fatalf("expected InvalidOrderStateError for paid order, got %v", err)
	}
}

func TestIssueSessionRejectsForeignAmountAndExpiry(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, transferRequest("idem-amount"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	_, err = svc.IssueSession(ctx, domain.PaymentSessionRequest{OrderID: created.OrderID, Amount: 1})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}

	later := New(repo, nil, testConfig, WithClock(func() time.Time {
		return time.Now().UTC().Add(11 * time.Minute)
	}))
	_, err = later.IssueSession(ctx, domain.PaymentSessionRequest{OrderID: created.OrderID})
	if !domain.IsExpiredSession(err) {
		t.Fatalf("expected ExpiredSessionError, got %v", err)
	}
}

func TestPaymentStatusIsIdempotentAndMonotonic(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, transferRequest("idem-status"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	for i := 0; i < 5; i++ {
		resp, err := svc.PaymentStatus(ctx, created.OrderCode)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !resp.Success || resp.PaymentStatus != domain.PaymentStatusUnpaid {
			t.Fatalf("expected unpaid, got %+v", resp)
		}
	}

	if _, err := svc.IngestBankTransfer(ctx, domain.BankTransferNotification{
		ID: 9001, Gateway: "Vietcombank", AccountNumber: "0123456789", TransferType: "in",
		TransferAmount: created.FinalAmount, Content: "CT " + created.OrderCode + " thanh toan",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	for i := 0; i < 5; i++ {
		resp, err := svc.PaymentStatus(ctx, created.OrderCode)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if resp.PaymentStatus != domain.PaymentStatusPaid || resp.Order.OrderCode != created.OrderCode {
			t.Fatalf("expected paid, got %+v", resp)
		}
	}
}

func TestPaymentStatusRejectsMalformedAndUnknownCodes(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.PaymentStatus(ctx, "not-a-code"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.PaymentStatus(ctx, "DH01JB3K9Q2ZX4T7PA"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestBankTransferOutcomes(t *testing.T) {
	pub := &capturePublisher{}
	svc, _ := newTestService(WithPublisher(pub))
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, transferRequest("idem-ingest"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	base := domain.BankTransferNotification{
		Gateway:       "Vietcombank",
		AccountNumber: "0123456789",
		TransferType:  "in",
		Content:       "MBVCB.3278.DH" + created.OrderCode[2:] + ".CT",
	}

	cases := []struct {
		name    string
		mutate  func(n *domain.BankTransferNotification)
		outcome domain.SettlementOutcome
	}{
		{"wrong account", func(n *domain.BankTransferNotification) {
			n.ID = 1
			n.AccountNumber = "999"
			n.TransferAmount = created.FinalAmount
		}, domain.SettlementUnmatched},
		{"outgoing", func(n *domain.BankTransferNotification) {
			n.ID = 2
			n.TransferType = "out"
			n.TransferAmount = created.FinalAmount
		}, domain.SettlementUnmatched},
		{"no code", func(n *domain.BankTransferNotification) {
			n.ID = 3
			n.Content = "chuyen tien"
			n.TransferAmount = created.FinalAmount
		}, domain.SettlementUnmatched},
		{"underpaid", func(n *domain.BankTransferNotification) { n.ID = 4; n.TransferAmount = created.FinalAmount - 1 }, domain.SettlementUnderpaid},
		{"exact", func(n *domain.BankTransferNotification) { n.ID = 5; n.TransferAmount = created.FinalAmount }, domain.SettlementApplied},
		{"second credit", func(n *domain.BankTransferNotification) { n.ID = 6; n.TransferAmount = created.FinalAmount }, domain.SettlementAlreadyPaid},
	}

	for _, tc := range cases {
		n := base
		tc.mutate(&n)
		resp, err := svc.IngestBankTransfer(ctx, n)
		if err != nil {
			t.Fatalf("%s: ingest: %v", tc.name, err)
		}
		if resp.Outcome != tc.outcome {
			t.Fatalf("%s: outcome = %s, want %s", tc.name, resp.Outcome, tc.outcome)
		}
	}

	dupe := base
	dupe.ID = 5
	dupe.TransferAmount = created.FinalAmount
	resp, err := svc.IngestBankTransfer(ctx, dupe)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !resp.Duplicate {
		t.Fatalf("expected redelivery to be flagged duplicate")
	}
	if pub.count() != 1 {
		t.Fatalf("expected exactly one settled event, got %d", pub.count())
	}
}

func TestSettleManuallyRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, transferRequest("idem-manual"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	req := domain.ManualSettlementRequest{OrderCode: created.OrderCode, Reference: "FT26001"}

	bot := WithActor(ctx, domain.Actor{Username: "bank-feed", Role: domain.RoleSettlement})
	if _, err := svc.SettleManually(bot, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	resp, err := svc.SettleManually(adminContext(), req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if resp.Outcome != domain.SettlementApplied || resp.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestIngestBankTransferNeverPaysCashOnDeliveryOrder(t *testing.T) {
	pub := &capturePublisher{}
	svc, _ := newTestService(WithPublisher(pub))
	ctx := context.Background()

	req := transferRequest("idem-cod-credit")
	req.PaymentMethod = domain.PaymentMethodCOD
	created, err := svc.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	resp, err := svc.IngestBankTransfer(ctx, domain.BankTransferNotification{
		ID:             41,
		Gateway:        "Vietcombank",
		AccountNumber:  "0123456789",
		TransferType:   "in",
		Content:        "CK " + created.OrderCode,
		TransferAmount: created.FinalAmount,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Outcome != domain.SettlementUnmatched || resp.PaymentStatus == domain.PaymentStatusPaid {
		t.Fatalf("expected unmatched credit, got %+v", resp)
	}

	status, err := svc.PaymentStatus(ctx, created.OrderCode)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("cash on delivery order must stay unpaid, got %s", status.PaymentStatus)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no settled event, got %d", pub.count())
	}

	listed, err := svc.Settlements(adminContext(), created.OrderCode)
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(listed) != 1 || listed[0].Outcome != domain.SettlementUnmatched {
		t.Fatalf("expected the credit to be listed for review, got %+v", listed)
	}
}

// slowLookupRepo holds FindOrderByCode until release is closed, failing
// early only if its own context ends.
type slowLookupRepo struct {
	*memory.Store
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func (r *slowLookupRepo) FindOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	if r.release != nil {
		r.enteredOnce.Do(func() { close(r.entered) })
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Store.FindOrderByCode(ctx, code)
}

func TestPaymentStatusSurvivesFirstCallerLeaving(t *testing.T) {
	repo := &slowLookupRepo{Store: memory.NewSeeded()}
	svc := New(repo, nil, testConfig)

	created, err := svc.CreateOrder(context.Background(), transferRequest("idem-shared-read"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	repo.entered = make(chan struct{})
	repo.release = make(chan struct{})

	leaving, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.PaymentStatus(leaving, created.OrderCode)
		firstErr <- err
	}()
	<-repo.entered

	type result struct {
		resp domain.PaymentStatusResponse
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, err := svc.PaymentStatus(context.Background(), created.OrderCode)
		second <- result{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the leaving caller to see context.Canceled, got %v", err)
	}
	close(repo.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("remaining caller failed: %v", got.err)
	}
	if got.resp.PaymentStatus != domain.PaymentStatusUnpaid || got.resp.Order.OrderCode != created.OrderCode {
		t.Fatalf("unexpected status %+v", got.resp)
	}
}
