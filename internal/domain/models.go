package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCOD      PaymentMethod = "cod"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCOD || m == PaymentMethodTransfer
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

// CartLine is a priced snapshot of one selected product. The unit price is
// what the customer saw and is never re-read from the catalog afterwards.
type CartLine struct {
	ProductRef        string `json:"productRef"`
	ProductName       string `json:"productName,omitempty"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unitPrice"`
	OriginalUnitPrice *int64 `json:"originalUnitPrice,omitempty"`
	DiscountPercent   *int   `json:"discountPercent,omitempty"`
}

// Selection holds the two places a checkout can draw lines from.
type Selection struct {
	Cart   []CartLine `json:"cart,omitempty"`
	BuyNow []CartLine `json:"buyNow,omitempty"`
}

// Lines applies the buy-now precedence rule: a present buy-now selection
// is used exclusively, even when the cart is not empty.
func (s Selection) Lines() []CartLine {
	if len(s.BuyNow) > 0 {
		return s.BuyNow
	}
	return s.Cart
}

func (s Selection) IsBuyNow() bool {
	return len(s.BuyNow) > 0
}

func (s Selection) IsEmpty() bool {
	return len(s.Lines()) == 0
}

type CustomerSnapshot struct {
	FullName      string `json:"fullName"`
	Phone         string `json:"phone"`
	Email         string `json:"email,omitempty"`
	City          string `json:"city"`
	District      string `json:"district"`
	Ward          string `json:"ward"`
	StreetAddress string `json:"streetAddress"`
}

type OrderItem struct {
	OrderID           string `json:"orderId"`
	ProductRef        string `json:"productRef"`
	ProductName       string `json:"productName,omitempty"`
	Quantity          int    `json:"quantity"`
	UnitPriceSnapshot int64  `json:"unitPriceSnapshot"`
	Subtotal          int64  `json:"subtotal"`
}

type Order struct {
	ID             string           `json:"id"`
	OrderCode      string           `json:"orderCode"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Status         OrderStatus      `json:"status"`
	PaymentMethod  PaymentMethod    `json:"paymentMethod"`
	PaymentStatus  PaymentStatus    `json:"paymentStatus"`
	Customer       CustomerSnapshot `json:"customer"`
	Note           string           `json:"note,omitempty"`
	CouponCode     string           `json:"couponCode,omitempty"`
	Items          []OrderItem      `json:"items"`
	TotalAmount    int64            `json:"totalAmount"`
	ShippingFee    int64            `json:"shippingFee"`
	DiscountAmount int64            `json:"discountAmount"`
	FinalAmount    int64            `json:"finalAmount"`
	CreatedAt      time.Time        `json:"createdAt"`
	PaidAt         *time.Time       `json:"paidAt,omitempty"`
}

// AmountsBalanced reports whether the stored amounts satisfy
// finalAmount == totalAmount + shippingFee - discountAmount.
func (o Order) AmountsBalanced() bool {
	return o.FinalAmount == o.TotalAmount+o.ShippingFee-o.DiscountAmount
}

func (o Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

type CouponType string

const (
	CouponPercent CouponType = "percent"
	CouponFlat    CouponType = "flat"
)

type Coupon struct {
	Code        string     `json:"code"`
	Type        CouponType `json:"type"`
	Value       int64      `json:"value"`
	MinSubtotal int64      `json:"minSubtotal"`
	MaxDiscount int64      `json:"maxDiscount,omitempty"`
	Active      bool       `json:"active"`
}

// PaymentSession is re-derived from the order on every request and never stored.
type PaymentSession struct {
	OrderCode   string    `json:"orderCode"`
	Amount      int64     `json:"amount"`
	BankAccount string    `json:"bankAccount"`
	BankName    string    `json:"bankName"`
	QRURL       string    `json:"qrUrl"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s PaymentSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type CreateOrderRequest struct {
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Items          []CartLine       `json:"items"`
	BuyNow         []CartLine       `json:"buyNow,omitempty"`
	Customer       CustomerSnapshot `json:"customer"`
	PaymentMethod  PaymentMethod    `json:"paymentMethod"`
	Note           string           `json:"note,omitempty"`
	CouponCode     string           `json:"couponCode,omitempty"`
	// Client-computed totals. Advisory only; the server re-derives both.
	TotalAmount *decimal.Decimal `json:"totalAmount,omitempty"`
	FinalAmount *decimal.Decimal `json:"finalAmount,omitempty"`
}

func (r CreateOrderRequest) Selection() Selection {
	return Selection{Cart: r.Items, BuyNow: r.BuyNow}
}

type CreateOrderResponse struct {
	OrderID        string        `json:"orderId"`
	OrderCode      string        `json:"orderCode"`
	Status         OrderStatus   `json:"status"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	PaymentStatus  PaymentStatus `json:"paymentStatus"`
	Items          []OrderItem   `json:"items"`
	TotalAmount    int64         `json:"totalAmount"`
	ShippingFee    int64         `json:"shippingFee"`
	DiscountAmount int64         `json:"discountAmount"`
	FinalAmount    int64         `json:"finalAmount"`
	Duplicate      bool          `json:"duplicate"`
	CreatedAt      string        `json:"createdAt"`
}

type PaymentSessionRequest struct {
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	OrderCode   string `json:"orderCode"`
	Description string `json:"description"`
}

// OrderSummary is the client-facing view of an order. It never carries the internal id.
type OrderSummary struct {
	OrderCode      string        `json:"orderCode"`
	Status         OrderStatus   `json:"status"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	PaymentStatus  PaymentStatus `json:"paymentStatus"`
	TotalAmount    int64         `json:"totalAmount"`
	ShippingFee    int64         `json:"shippingFee"`
	DiscountAmount int64         `json:"discountAmount"`
	FinalAmount    int64         `json:"finalAmount"`
	CreatedAt      time.Time     `json:"createdAt"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
}

func SummarizeOrder(o Order) OrderSummary {
	return OrderSummary{
		OrderCode:      o.OrderCode,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		PaymentStatus:  o.PaymentStatus,
		TotalAmount:    o.TotalAmount,
		ShippingFee:    o.ShippingFee,
		DiscountAmount: o.DiscountAmount,
		FinalAmount:    o.FinalAmount,
		CreatedAt:      o.CreatedAt,
		PaidAt:         o.PaidAt,
	}
}

type PaymentStatusResponse struct {
	Success       bool          `json:"success"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	Order         *OrderSummary `json:"order,omitempty"`
}

type SettlementOutcome string

const (
	SettlementApplied     SettlementOutcome = "applied"
	SettlementAlreadyPaid SettlementOutcome = "already_paid"
	SettlementUnderpaid   SettlementOutcome = "underpaid"
	SettlementUnmatched   SettlementOutcome = "unmatched"
)

const ProviderManual = "manual"

// Settlement records one incoming bank credit. (Provider, ProviderTxnID) is unique.
type Settlement struct {
	ID            string            `json:"id"`
	Provider      string            `json:"provider"`
	ProviderTxnID string            `json:"providerTxnId"`
	OrderCode     string            `json:"orderCode,omitempty"`
	Amount        int64             `json:"amount"`
	AccountNumber string            `json:"accountNumber,omitempty"`
	Content       string            `json:"content,omitempty"`
	Outcome       SettlementOutcome `json:"outcome"`
	RecordedBy    string            `json:"recordedBy,omitempty"`
	ReceivedAt    time.Time         `json:"receivedAt"`
}

// BankTransferNotification is the webhook body sent by the bank-feed gateway.
type BankTransferNotification struct {
	ID              int64  `json:"id"`
	Gateway         string `json:"gateway"`
	TransactionDate string `json:"transactionDate"`
	AccountNumber   string `json:"accountNumber"`
	SubAccount      string `json:"subAccount,omitempty"`
	Code            string `json:"code,omitempty"`
	Content         string `json:"content"`
	TransferType    string `json:"transferType"`
	TransferAmount  int64  `json:"transferAmount"`
	Accumulated     int64  `json:"accumulated,omitempty"`
	ReferenceCode   string `json:"referenceCode,omitempty"`
	Description     string `json:"description,omitempty"`
}

type ManualSettlementRequest struct {
	OrderCode  string `json:"orderCode"`
	Amount     int64  `json:"amount"`
	Reference  string `json:"reference"`
	ManagerPIN string `json:"managerPin"`
}

type SettlementResponse struct {
	Outcome       SettlementOutcome `json:"outcome"`
	OrderCode     string            `json:"orderCode,omitempty"`
	PaymentStatus PaymentStatus     `json:"paymentStatus,omitempty"`
	Duplicate     bool              `json:"duplicate"`
}

// PaymentSettledEvent is published once per order when it transitions to paid.
type PaymentSettledEvent struct {
	OrderCode     string    `json:"orderCode"`
	Amount        int64     `json:"amount"`
	FinalAmount   int64     `json:"finalAmount"`
	Provider      string    `json:"provider"`
	ProviderTxnID string    `json:"providerTxnId"`
	SettledAt     time.Time `json:"settledAt"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

const (
	RoleAdmin      = "admin"
	RoleSettlement = "settlement"
)

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}
