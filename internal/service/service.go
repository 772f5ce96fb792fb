package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"qrcheckout/backend/internal/cache"
	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/logger"
	"qrcheckout/backend/internal/order"
	"qrcheckout/backend/internal/payref"
	"qrcheckout/backend/internal/publisher"
	"qrcheckout/backend/internal/store"
)

var (
	ErrSubmissionInFlight = errors.New("an order for this checkout attempt is already being submitted")
	ErrAmountMismatch     = errors.New("amount does not match the order total")
	ErrForbidden          = errors.New("forbidden")
)

const (
	DefaultSessionTTL        = 10 * time.Minute
	DefaultStatusCacheTTL    = 10 * time.Minute
	DefaultSubmissionLockTTL = 30 * time.Second

	statusLookupTimeout = 5 * time.Second

	maxOrderCodeAttempts = 3
)

// transactionDateLayout is the bank feed's local timestamp format (UTC+7).
const transactionDateLayout = "2006-01-02 15:04:05"

var bankFeedZone = time.FixedZone("ICT", 7*60*60)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	BankAccount       string
	BankName          string
	QRProvider        string
	SessionTTL        time.Duration
	StatusCacheTTL    time.Duration
	SubmissionLockTTL time.Duration
}

type Service struct {
	repo        store.Repository
	assembler   *order.Assembler
	statusCache cache.PaymentStatusCache
	locker      cache.SubmissionLocker
	publisher   publisher.SettlementPublisher
	cfg         Config
	statusGroup singleflight.Group
	now         func() time.Time
}

type Option func(*Service)

func WithStatusCache(c cache.PaymentStatusCache) Option {
	return func(s *Service) {
		if c != nil {
			s.statusCache = c
		}
	}
}

func WithSubmissionLocker(l cache.SubmissionLocker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithPublisher(p publisher.SettlementPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, assembler *order.Assembler, cfg Config, opts ...Option) *Service {
	if assembler == nil {
		assembler = order.NewAssembler(order.DefaultPricing())
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = DefaultStatusCacheTTL
	}
	if cfg.SubmissionLockTTL <= 0 {
		cfg.SubmissionLockTTL = DefaultSubmissionLockTTL
	}
	if cfg.QRProvider == "" {
		cfg.QRProvider = payref.DefaultQRProvider
	}

	s := &Service{
		repo:        repo,
		assembler:   assembler,
		statusCache: cache.NoopPaymentStatusCache{},
		locker:      cache.NewLocalLocker(),
		publisher:   publisher.NoopPublisher{},
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder validates, prices and persists a new order. Retries of the same
// checkout attempt (same idempotency key) return the first order.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	input := order.Input{
		Selection:      req.Selection(),
		Customer:       req.Customer,
		Note:           req.Note,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.assembler.Validate(input); err != nil {
		return domain.CreateOrderResponse{}, err
	}

	advisoryFinal, err := advisoryAmounts(req)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}

	if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toCreateOrderResponse(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CreateOrderResponse{}, err
	}

	acquired, err := s.locker.Acquire(ctx, req.IdempotencyKey, s.cfg.SubmissionLockTTL)
	if err != nil {
		// The unique idempotency index still protects us; only log.
		logger.SW("idempotency_key", req.IdempotencyKey).Warnw("submission_lock_unavailable", "error", err)
		acquired = true
	}
	if !acquired {
		return domain.CreateOrderResponse{}, ErrSubmissionInFlight
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), req.IdempotencyKey); err != nil {
			logger.SW("idempotency_key", req.IdempotencyKey).Warnw("submission_lock_release_failed", "error", err)
		}
	}()

	if req.CouponCode = strings.TrimSpace(req.CouponCode); req.CouponCode != "" {
		coupon, err := s.repo.FindCoupon(ctx, req.CouponCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CreateOrderResponse{}, &domain.ValidationError{Field: "couponCode", Reason: "unknown coupon"}
			}
			return domain.CreateOrderResponse{}, err
		}
		if !coupon.Active {
			return domain.CreateOrderResponse{}, &domain.ValidationError{Field: "couponCode", Reason: "coupon is no longer active"}
		}
		input.Coupon = coupon
	}

	assembled, err := s.assembler.Assemble(input)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}
	if advisoryFinal != nil && *advisoryFinal != assembled.FinalAmount {
		logger.SW("order_code", assembled.OrderCode).Warnw("order_amount_mismatch",
			"client_final_amount", *advisoryFinal,
			"final_amount", assembled.FinalAmount,
		)
	}

	var created *domain.Order
	var duplicate bool
	for attempt := 1; ; attempt++ {
		created, duplicate, err = s.repo.CreateOrder(ctx, assembled)
		if !errors.Is(err, store.ErrDuplicateOrderCode) || attempt == maxOrderCodeAttempts {
			break
		}
		logger.SW("order_code", assembled.OrderCode).Warnw("order_code_collision", "attempt", attempt)
		assembled.OrderCode = s.assembler.NewOrderCode()
	}
	if err != nil {
		return domain.CreateOrderResponse{}, fmt.Errorf("create order: %w", err)
	}

	if !duplicate {
		logger.SW("order_code", created.OrderCode).Infow("order_create_success",
			"payment_method", created.PaymentMethod,
			"final_amount", created.FinalAmount,
			"items", len(created.Items),
			"buy_now", req.Selection().IsBuyNow(),
		)
	}
	return toCreateOrderResponse(created, duplicate), nil
}

// IssueSession looks up the order and derives its payment session. The
// request may only echo the order's own code and amount back.
func (s *Service) IssueSession(ctx context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	var (
		o   *domain.Order
		err error
	)
	switch {
	case strings.TrimSpace(req.OrderID) != "":
		o, err = s.repo.FindOrderByID(ctx, strings.TrimSpace(req.OrderID))
	case strings.TrimSpace(req.OrderCode) != "":
		o, err = s.repo.FindOrderByCode(ctx, strings.TrimSpace(req.OrderCode))
	default:
		return domain.PaymentSession{}, &domain.ValidationError{Field: "orderId"}
	}
	if err != nil {
		return domain.PaymentSession{}, err
	}

	if req.OrderCode != "" && req.OrderCode != o.OrderCode {
		return domain.PaymentSession{}, &domain.ValidationError{Field: "orderCode", Reason: "does not match the order"}
	}
	if req.Amount != 0 && req.Amount != o.FinalAmount {
		return domain.PaymentSession{}, ErrAmountMismatch
	}
	if req.Description != "" && req.Description != o.OrderCode {
		return domain.PaymentSession{}, &domain.ValidationError{Field: "description", Reason: "must be the order code"}
	}

	session, err := s.SessionFor(*o)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	logger.SW("order_code", o.OrderCode).Infow("payment_session_issued", "amount", session.Amount, "expires_at", session.ExpiresAt)
	return session, nil
}

// SessionFor derives the payment session from the order alone, so calling
// it again for the same order always yields the same session.
func (s *Service) SessionFor(o domain.Order) (domain.PaymentSession, error) {
	if o.PaymentMethod != domain.PaymentMethodTransfer {
		return domain.PaymentSession{}, &domain.InvalidOrderStateError{OrderCode: o.OrderCode, Reason: "payment method is not transfer"}
	}
	if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.PaymentStatusUnpaid {
		return domain.PaymentSession{}, &domain.InvalidOrderStateError{
			OrderCode: o.OrderCode,
			Reason:    fmt.Sprintf("order is %s/%s, want pending/unpaid", o.Status, o.PaymentStatus),
		}
	}

	session := domain.PaymentSession{
		OrderCode:   o.OrderCode,
		Amount:      o.FinalAmount,
		BankAccount: s.cfg.BankAccount,
		BankName:    s.cfg.BankName,
		QRURL:       payref.BuildQRURL(s.cfg.QRProvider, s.cfg.BankAccount, s.cfg.BankName, o.FinalAmount, o.OrderCode),
		Description: o.OrderCode,
		CreatedAt:   o.CreatedAt,
		ExpiresAt:   o.CreatedAt.Add(s.cfg.SessionTTL),
	}
	if session.Expired(s.now()) {
		return domain.PaymentSession{}, &domain.ExpiredSessionError{OrderCode: o.OrderCode}
	}
	return session, nil
}

// PaymentStatus is the read-only status check behind polling and the manual
// "I have paid" button. Concurrent reads of one code share a single lookup.
func (s *Service) PaymentStatus(ctx context.Context, orderCode string) (domain.PaymentStatusResponse, error) {
	orderCode = strings.TrimSpace(orderCode)
	if err := payref.ValidateOrderCode(orderCode); err != nil {
		return domain.PaymentStatusResponse{}, &domain.ValidationError{Field: "orderCode", Reason: "malformed order code"}
	}

	if cached, ok, err := s.statusCache.Get(ctx, orderCode); err != nil {
		logger.SW("order_code", orderCode).Warnw("payment_status_cache_get_failed", "error", err)
	} else if ok {
		return *cached, nil
	}

	// The shared lookup is detached from any one caller's cancellation.
	flight := s.statusGroup.DoChan(orderCode, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusLookupTimeout)
		defer cancel()
		o, err := s.repo.FindOrderByCode(lookupCtx, orderCode)
		if err != nil {
			return nil, err
		}
		summary := domain.SummarizeOrder(*o)
		return domain.PaymentStatusResponse{
			Success:       true,
			PaymentStatus: o.PaymentStatus,
			Order:         &summary,
		}, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.PaymentStatusResponse{}, ctx.Err()
	case res = <-flight:
	}
	if res.Err != nil {
		return domain.PaymentStatusResponse{}, res.Err
	}

	resp := res.Val.(domain.PaymentStatusResponse)
	summary := *resp.Order
	resp.Order = &summary

	if resp.PaymentStatus == domain.PaymentStatusPaid {
		if err := s.statusCache.Set(ctx, orderCode, &resp, s.cfg.StatusCacheTTL); err != nil {
			logger.SW("order_code", orderCode).Warnw("payment_status_cache_set_failed", "error", err)
		}
	}
	return resp, nil
}

func (s *Service) OrderSummary(ctx context.Context, orderCode string) (domain.OrderSummary, error) {
	orderCode = strings.TrimSpace(orderCode)
	if err := payref.ValidateOrderCode(orderCode); err != nil {
		return domain.OrderSummary{}, &domain.ValidationError{Field: "orderCode", Reason: "malformed order code"}
	}
	o, err := s.repo.FindOrderByCode(ctx, orderCode)
	if err != nil {
		return domain.OrderSummary{}, err
	}
	return domain.SummarizeOrder(*o), nil
}

// IngestBankTransfer records one bank-feed notification. Each (gateway, id)
// pair is processed once; only a full-amount credit to our account carrying
// a known order code marks the order paid.
func (s *Service) IngestBankTransfer(ctx context.Context, n domain.BankTransferNotification) (domain.SettlementResponse, error) {
	if n.ID == 0 {
		return domain.SettlementResponse{}, &domain.ValidationError{Field: "id"}
	}
	gateway := strings.TrimSpace(n.Gateway)
	if gateway == "" {
		return domain.SettlementResponse{}, &domain.ValidationError{Field: "gateway"}
	}

	settlement := domain.Settlement{
		Provider:      gateway,
		ProviderTxnID: fmt.Sprintf("%d", n.ID),
		Amount:        n.TransferAmount,
		AccountNumber: strings.TrimSpace(n.AccountNumber),
		Content:       n.Content,
		Outcome:       domain.SettlementUnmatched,
		ReceivedAt:    parseTransactionDate(n.TransactionDate, s.now()),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		settlement.RecordedBy = actor.Username
	}

	var target *domain.Order
	if strings.EqualFold(strings.TrimSpace(n.TransferType), "in") && s.accountMatches(settlement.AccountNumber) {
		if code, ok := locateOrderCode(n); ok {
			settlement.OrderCode = code
			o, err := s.repo.FindOrderByCode(ctx, code)
			switch {
			case err == nil:
				target = o
			case !errors.Is(err, store.ErrNotFound):
				return domain.SettlementResponse{}, err
			}
		}
	}
	if target != nil && target.PaymentMethod != domain.PaymentMethodTransfer {
		// Kept against the code for operator review, but never applied.
		logger.SW("order_code", target.OrderCode).Warnw("settlement_for_non_transfer_order", "payment_method", target.PaymentMethod)
		target = nil
	}
	if target != nil {
		settlement.Outcome = settlementOutcome(*target, settlement.Amount)
	}

	return s.recordSettlement(ctx, settlement, target)
}

// SettleManually lets an operator mark an order paid after checking the bank
// statement by hand. The caller has already verified the manager PIN.
func (s *Service) SettleManually(ctx context.Context, req domain.ManualSettlementRequest) (domain.SettlementResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SettlementResponse{}, ErrForbidden
	}

	code := strings.TrimSpace(req.OrderCode)
	if err := payref.ValidateOrderCode(code); err != nil {
		return domain.SettlementResponse{}, &domain.ValidationError{Field: "orderCode", Reason: "malformed order code"}
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return domain.SettlementResponse{}, &domain.ValidationError{Field: "reference"}
	}
	if req.Amount < 0 {
		return domain.SettlementResponse{}, &domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	o, err := s.repo.FindOrderByCode(ctx, code)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	if o.PaymentMethod != domain.PaymentMethodTransfer {
		return domain.SettlementResponse{}, &domain.InvalidOrderStateError{OrderCode: code, Reason: "payment method is not transfer"}
	}
	amount := req.Amount
	if amount == 0 {
		amount = o.FinalAmount
	}

	settlement := domain.Settlement{
		Provider:      domain.ProviderManual,
		ProviderTxnID: reference,
		OrderCode:     code,
		Amount:        amount,
		AccountNumber: s.cfg.BankAccount,
		Content:       "manual reconciliation by " + actor.Username,
		Outcome:       settlementOutcome(*o, amount),
		RecordedBy:    actor.Username,
		ReceivedAt:    s.now(),
	}
	return s.recordSettlement(ctx, settlement, o)
}

// Settlements lists every notification recorded against the order code,
// including underpaid and duplicate-credit ones, for operator review.
func (s *Service) Settlements(ctx context.Context, orderCode string) ([]domain.Settlement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	orderCode = strings.TrimSpace(orderCode)
	if err := payref.ValidateOrderCode(orderCode); err != nil {
		return nil, &domain.ValidationError{Field: "orderCode", Reason: "malformed order code"}
	}
	if _, err := s.repo.FindOrderByCode(ctx, orderCode); err != nil {
		return nil, err
	}
	return s.repo.ListSettlements(ctx, orderCode)
}

func (s *Service) recordSettlement(ctx context.Context, settlement domain.Settlement, target *domain.Order) (domain.SettlementResponse, error) {
	recorded, duplicate, err := s.repo.RecordSettlement(ctx, settlement)
	if err != nil {
		return domain.SettlementResponse{}, fmt.Errorf("record settlement: %w", err)
	}

	log := logger.SW(
		"provider", recorded.Provider,
		"provider_txn_id", recorded.ProviderTxnID,
		"order_code", recorded.OrderCode,
	)
	resp := domain.SettlementResponse{
		Outcome:   recorded.Outcome,
		OrderCode: recorded.OrderCode,
		Duplicate: duplicate,
	}
	if target != nil {
		resp.PaymentStatus = target.PaymentStatus
	}
	if recorded.Outcome == domain.SettlementApplied || recorded.Outcome == domain.SettlementAlreadyPaid {
		resp.PaymentStatus = domain.PaymentStatusPaid
	}

	if duplicate {
		log.Infow("settlement_duplicate_ignored", "outcome", recorded.Outcome)
		return resp, nil
	}

	switch recorded.Outcome {
	case domain.SettlementApplied:
		log.Infow("settlement_applied", "amount", recorded.Amount)
		event := domain.PaymentSettledEvent{
			OrderCode:     recorded.OrderCode,
			Amount:        recorded.Amount,
			Provider:      recorded.Provider,
			ProviderTxnID: recorded.ProviderTxnID,
			SettledAt:     recorded.ReceivedAt,
		}
		if target != nil {
			event.FinalAmount = target.FinalAmount
		}
		if err := s.publisher.PublishSettled(ctx, event); err != nil {
			log.Errorw("settlement_publish_failed", "error", err)
		}
	case domain.SettlementUnderpaid:
		log.Warnw("settlement_underpaid", "amount", recorded.Amount)
	case domain.SettlementUnmatched:
		log.Warnw("settlement_unmatched", "amount", recorded.Amount)
	default:
		log.Infow("settlement_recorded", "outcome", recorded.Outcome)
	}
	return resp, nil
}

func (s *Service) accountMatches(account string) bool {
	if s.cfg.BankAccount == "" {
		return true
	}
	return account == s.cfg.BankAccount
}

func settlementOutcome(o domain.Order, amount int64) domain.SettlementOutcome {
	if o.IsPaid() {
		return domain.SettlementAlreadyPaid
	}
	if amount < o.FinalAmount {
		return domain.SettlementUnderpaid
	}
	return domain.SettlementApplied
}

// locateOrderCode prefers the gateway's parsed code, then scans the free-text fields.
func locateOrderCode(n domain.BankTransferNotification) (string, bool) {
	if code := strings.TrimSpace(n.Code); payref.ValidateOrderCode(code) == nil {
		return code, true
	}
	if code, ok := payref.FindOrderCode(n.Content); ok {
		return code, true
	}
	return payref.FindOrderCode(n.Description)
}

func parseTransactionDate(raw string, fallback time.Time) time.Time {
	t, err := time.ParseInLocation(transactionDateLayout, strings.TrimSpace(raw), bankFeedZone)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

func advisoryAmounts(req domain.CreateOrderRequest) (*int64, error) {
	if req.TotalAmount != nil {
		if _, err := payref.VNDFromDecimal(*req.TotalAmount); err != nil {
			return nil, &domain.ValidationError{Field: "totalAmount", Reason: "must be a whole number of dong"}
		}
	}
	if req.FinalAmount == nil {
		return nil, nil
	}
	final, err := payref.VNDFromDecimal(*req.FinalAmount)
	if err != nil {
		return nil, &domain.ValidationError{Field: "finalAmount", Reason: "must be a whole number of dong"}
	}
	return &final, nil
}

func toCreateOrderResponse(o *domain.Order, duplicate bool) domain.CreateOrderResponse {
	return domain.CreateOrderResponse{
		OrderID:        o.ID,
		OrderCode:      o.OrderCode,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		PaymentStatus:  o.PaymentStatus,
		Items:          o.Items,
		TotalAmount:    o.TotalAmount,
		ShippingFee:    o.ShippingFee,
		DiscountAmount: o.DiscountAmount,
		FinalAmount:    o.FinalAmount,
		Duplicate:      duplicate,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
}
