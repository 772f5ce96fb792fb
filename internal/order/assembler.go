package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/payref"
)

const (
	DefaultFreeShippingThreshold int64 = 2_000_000
	DefaultFlatShippingFee       int64 = 50_000
)

type Pricing struct {
	FreeShippingThreshold int64
	FlatShippingFee       int64
}

func DefaultPricing() Pricing {
	return Pricing{
		FreeShippingThreshold: DefaultFreeShippingThreshold,
		FlatShippingFee:       DefaultFlatShippingFee,
	}
}

// ShippingFee is zero once the goods total reaches the threshold, otherwise flat.
func (p Pricing) ShippingFee(totalAmount int64) int64 {
	if totalAmount >= p.FreeShippingThreshold {
		return 0
	}
	return p.FlatShippingFee
}

type Input struct {
	Selection      domain.Selection
	Customer       domain.CustomerSnapshot
	Note           string
	PaymentMethod  domain.PaymentMethod
	IdempotencyKey string
	// Coupon is already resolved by the caller; nil means no discount.
	Coupon *domain.Coupon
}

type Assembler struct {
	pricing Pricing
	now     func() time.Time
	newID   func() string
	newCode func() string
}

func NewAssembler(pricing Pricing) *Assembler {
	if pricing.FreeShippingThreshold <= 0 {
		pricing.FreeShippingThreshold = DefaultFreeShippingThreshold
	}
	if pricing.FlatShippingFee < 0 {
		pricing.FlatShippingFee = DefaultFlatShippingFee
	}
	return &Assembler{
		pricing: pricing,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		newCode: payref.NewOrderCode,
	}
}

func (a *Assembler) Pricing() Pricing {
	return a.pricing
}

// Validate checks the selection first, then each mandatory customer field in
// form order, and reports the first problem found.
func (a *Assembler) Validate(in Input) error {
	lines := in.Selection.Lines()
	if len(lines) == 0 {
		return &domain.EmptySelectionError{}
	}
	for i, line := range lines {
		if strings.TrimSpace(line.ProductRef) == "" {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].productRef", i)}
		}
		if line.Quantity < 1 {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be at least 1"}
		}
		if line.UnitPrice < 0 {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].unitPrice", i), Reason: "must not be negative"}
		}
	}

	c := in.Customer
	required := []struct {
		field string
		value string
	}{
		{"fullName", c.FullName},
		{"phone", c.Phone},
		{"city", c.City},
		{"district", c.District},
		{"ward", c.Ward},
		{"streetAddress", c.StreetAddress},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &domain.ValidationError{Field: r.field}
		}
	}

	if !in.PaymentMethod.Valid() {
		return &domain.ValidationError{Field: "paymentMethod", Reason: "must be cod or transfer"}
	}
	return nil
}

// Assemble validates the input and prices a new pending, unpaid order.
// All amounts are derived from the line snapshots; nothing client-computed is used.
func (a *Assembler) Assemble(in Input) (domain.Order, error) {
	if err := a.Validate(in); err != nil {
		return domain.Order{}, err
	}

	lines := normalizeLines(in.Selection.Lines())
	orderID := a.newID()

	items := make([]domain.OrderItem, 0, len(lines))
	var total int64
	for _, line := range lines {
		subtotal := line.UnitPrice * int64(line.Quantity)
		total += subtotal
		items = append(items, domain.OrderItem{
			OrderID:           orderID,
			ProductRef:        line.ProductRef,
			ProductName:       strings.TrimSpace(line.ProductName),
			Quantity:          line.Quantity,
			UnitPriceSnapshot: line.UnitPrice,
			Subtotal:          subtotal,
		})
	}

	shipping := a.pricing.ShippingFee(total)
	discount := int64(0)
	couponCode := ""
	if in.Coupon != nil {
		discount = CouponDiscount(*in.Coupon, total)
		couponCode = in.Coupon.Code
	}

	return domain.Order{
		ID:             orderID,
		OrderCode:      a.newCode(),
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		Status:         domain.OrderStatusPending,
		PaymentMethod:  in.PaymentMethod,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Customer:       trimCustomer(in.Customer),
		Note:           strings.TrimSpace(in.Note),
		CouponCode:     couponCode,
		Items:          items,
		TotalAmount:    total,
		ShippingFee:    shipping,
		DiscountAmount: discount,
		FinalAmount:    total + shipping - discount,
		CreatedAt:      a.now(),
	}, nil
}

// NewOrderCode mints a replacement code, used when the store reports a collision.
func (a *Assembler) NewOrderCode() string {
	return a.newCode()
}

// CouponDiscount never exceeds the goods total, so finalAmount stays >= shipping.
func CouponDiscount(c domain.Coupon, totalAmount int64) int64 {
	if !c.Active || totalAmount < 1 || totalAmount < c.MinSubtotal {
		return 0
	}

	discount := int64(0)
	switch c.Type {
	case domain.CouponPercent:
		discount = totalAmount * c.Value / 100
	case domain.CouponFlat:
		discount = c.Value
	}
	if c.MaxDiscount > 0 && discount > c.MaxDiscount {
		discount = c.MaxDiscount
	}
	if discount < 0 {
		return 0
	}
	if discount > totalAmount {
		return totalAmount
	}
	return discount
}

// normalizeLines merges repeated lines for the same product at the same
// snapshot price, keeping first-seen order.
func normalizeLines(lines []domain.CartLine) []domain.CartLine {
	type key struct {
		ref   string
		price int64
	}
	index := make(map[key]int, len(lines))
	merged := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		line.ProductRef = strings.TrimSpace(line.ProductRef)
		k := key{ref: line.ProductRef, price: line.UnitPrice}
		if i, ok := index[k]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[k] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func trimCustomer(c domain.CustomerSnapshot) domain.CustomerSnapshot {
	return domain.CustomerSnapshot{
		FullName:      strings.TrimSpace(c.FullName),
		Phone:         strings.TrimSpace(c.Phone),
		Email:         strings.TrimSpace(c.Email),
		City:          strings.TrimSpace(c.City),
		District:      strings.TrimSpace(c.District),
		Ward:          strings.TrimSpace(c.Ward),
		StreetAddress: strings.TrimSpace(c.StreetAddress),
	}
}
