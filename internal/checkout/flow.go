// Package checkout sequences one customer checkout: submit the order, then
// either finish (cash on delivery) or show the transfer QR and wait for the
// reconciliation tracker to see the payment.
package checkout

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/logger"
	"qrcheckout/backend/internal/order"
	"qrcheckout/backend/internal/reconcile"
)

var (
	ErrSubmissionInFlight = errors.New("checkout: order submission already in flight")
	ErrNoPendingPayment   = errors.New("checkout: no transfer payment is pending")
)

// API is the part of the checkout API the flow needs.
type API interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error)
	IssueSession(ctx context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error)
	reconcile.StatusChecker
}

// SelectionStore holds what the customer is buying: the persisted cart and
// an optional buy-now selection.
type SelectionStore interface {
	Load(ctx context.Context) (domain.Selection, error)
	// Clear empties the buy-now selection when buyNow is set, otherwise the cart.
	Clear(ctx context.Context, buyNow bool) error
}

type Navigator interface {
	Redirect(target string)
}

// Details is what the customer filled in on the checkout form.
type Details struct {
	Customer      domain.CustomerSnapshot
	Note          string
	PaymentMethod domain.PaymentMethod
	CouponCode    string
}

type Result struct {
	Order   domain.CreateOrderResponse
	Session *domain.PaymentSession
	Tracker *reconcile.Tracker
}

type Flow struct {
	api        API
	selections SelectionStore
	nav        Navigator
	assembler  *order.Assembler
	reconcile  reconcile.Config
	newKey     func() string

	inFlight atomic.Bool

	mu         sync.Mutex
	attemptKey string
	tracker    *reconcile.Tracker
}

type Option func(*Flow)

func WithReconcileConfig(cfg reconcile.Config) Option {
	return func(f *Flow) { f.reconcile = cfg }
}

func WithPricing(p order.Pricing) Option {
	return func(f *Flow) { f.assembler = order.NewAssembler(p) }
}

func NewFlow(api API, selections SelectionStore, nav Navigator, opts ...Option) *Flow {
	f := &Flow{
		api:        api,
		selections: selections,
		nav:        nav,
		assembler:  order.NewAssembler(order.DefaultPricing()),
		reconcile:  reconcile.DefaultConfig(),
		newKey:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SuccessPath is the success view for an order. Only the order code is
// exposed, never the internal id.
func SuccessPath(orderCode string) string {
	return "/success?order=" + url.QueryEscape(orderCode)
}

// PlaceOrder submits the checkout once. While a submission is running any
// further call fails with ErrSubmissionInFlight without contacting the API.
// The attempt keeps its idempotency key until the order is complete (cash on
// delivery) or its transfer is being tracked, so retrying after any failure,
// including a failed session issue, can never produce a second order. For transfers the returned tracker runs until
// payment, expiry, Close, or cancellation of ctx.
func (f *Flow) PlaceOrder(ctx context.Context, d Details) (Result, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrSubmissionInFlight
	}
	defer f.inFlight.Store(false)

	sel, err := f.selections.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	input := order.Input{
		Selection:     sel,
		Customer:      d.Customer,
		Note:          d.Note,
		PaymentMethod: d.PaymentMethod,
	}
	if err := f.assembler.Validate(input); err != nil {
		return Result{}, err
	}

	req := domain.CreateOrderRequest{
		IdempotencyKey: f.currentAttemptKey(),
		Customer:       d.Customer,
		PaymentMethod:  d.PaymentMethod,
		Note:           strings.TrimSpace(d.Note),
		CouponCode:     strings.TrimSpace(d.CouponCode),
	}
	if sel.IsBuyNow() {
		req.BuyNow = sel.BuyNow
	} else {
		req.Items = sel.Cart
	}
	total, final := f.estimate(sel)
	req.TotalAmount, req.FinalAmount = &total, &final

	created, err := f.api.CreateOrder(ctx, req)
	if err != nil {
		return Result{}, err
	}

	log := logger.SW("order_code", created.OrderCode)
	if created.PaymentMethod != domain.PaymentMethodTransfer {
		f.finishAttempt()
		f.complete(ctx, sel.IsBuyNow(), created.OrderCode)
		return Result{Order: created}, nil
	}

	session, err := f.api.IssueSession(ctx, domain.PaymentSessionRequest{
		OrderID:     created.OrderID,
		Amount:      created.FinalAmount,
		OrderCode:   created.OrderCode,
		Description: created.OrderCode,
	})
	if err != nil {
		return Result{Order: created}, err
	}

	buyNow := sel.IsBuyNow()
	tracker := reconcile.NewTracker(created.OrderCode, f.api, func(domain.PaymentStatusResponse) {
		f.complete(context.WithoutCancel(ctx), buyNow, created.OrderCode)
	}, f.reconcile)

	f.mu.Lock()
	previous := f.tracker
	f.tracker = tracker
	f.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	if err := tracker.Start(ctx); err != nil {
		return Result{Order: created, Session: &session}, err
	}
	f.finishAttempt()
	log.Infow("checkout_awaiting_transfer", "amount", session.Amount, "expires_at", session.ExpiresAt)
	return Result{Order: created, Session: &session, Tracker: tracker}, nil
}

// ConfirmPaid is the "I have paid" action for the pending transfer.
func (f *Flow) ConfirmPaid(ctx context.Context) (domain.PaymentStatusResponse, error) {
	f.mu.Lock()
	tracker := f.tracker
	f.mu.Unlock()
	if tracker == nil {
		return domain.PaymentStatusResponse{}, ErrNoPendingPayment
	}
	return tracker.CheckNow(ctx)
}

// Close abandons the pending transfer view. A payment that lands later is
// still recorded by the server but no longer redirects.
func (f *Flow) Close() {
	f.mu.Lock()
	tracker := f.tracker
	f.mu.Unlock()
	if tracker != nil {
		tracker.Stop()
	}
}

func (f *Flow) complete(ctx context.Context, buyNow bool, orderCode string) {
	if err := f.selections.Clear(ctx, buyNow); err != nil {
		logger.SW("order_code", orderCode).Warnw("checkout_clear_selection_failed", "buy_now", buyNow, "error", err)
	}
	logger.SW("order_code", orderCode).Infow("checkout_completed", "buy_now", buyNow)
	f.nav.Redirect(SuccessPath(orderCode))
}

// estimate prices the selection locally for display. The server ignores
// these values and re-derives every amount.
func (f *Flow) estimate(sel domain.Selection) (decimal.Decimal, decimal.Decimal) {
	var total int64
	for _, line := range sel.Lines() {
		total += line.UnitPrice * int64(line.Quantity)
	}
	shipping := f.assembler.Pricing().ShippingFee(total)
	return decimal.NewFromInt(total), decimal.NewFromInt(total + shipping)
}

func (f *Flow) currentAttemptKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attemptKey == "" {
		f.attemptKey = f.newKey()
	}
	return f.attemptKey
}

func (f *Flow) finishAttempt() {
	f.mu.Lock()
	f.attemptKey = ""
	f.mu.Unlock()
}
