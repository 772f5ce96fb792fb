// Package payref formats VND amounts, mints order codes and builds the
// bank-transfer QR link. The order code is the only key the bank feed
// and the order store share, so its format is fixed.
package payref

import (
	"crypto/rand"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	OrderCodePrefix = "DH"
	OrderCodeLength = len(OrderCodePrefix) + 16

	DefaultQRProvider = "https://qr.sepay.vn"
)

var (
	ErrFractionalAmount = errors.New("vnd amounts must be whole numbers")
	ErrInvalidOrderCode = errors.New("invalid order code")
)

var (
	orderCodePattern = regexp.MustCompile(`^DH[0-9A-HJKMNP-TV-Z]{16}$`)
	orderCodeInText  = regexp.MustCompile(`DH[0-9A-HJKMNP-TV-Z]{16}`)

	vndPrinter = message.NewPrinter(language.Vietnamese)
)

// FormatVND renders an amount with vi-VN grouping, e.g. 1800000 -> "1.800.000 ₫".
func FormatVND(amount int64) string {
	return vndPrinter.Sprintf("%d", amount) + " ₫"
}

// VNDFromDecimal converts a client-supplied amount, rejecting fractional values.
func VNDFromDecimal(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, ErrFractionalAmount
	}
	return d.IntPart(), nil
}

var (
	codeMu      sync.Mutex
	codeEntropy = ulid.Monotonic(rand.Reader, 1)
)

// NewOrderCode returns "DH" followed by the 10-character ULID timestamp and the
// low 6 characters of a monotonic entropy counter. Codes minted in the same
// millisecond differ by one in the counter, so a process never repeats a code.
func NewOrderCode() string {
	codeMu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), codeEntropy)
	codeMu.Unlock()
	if err != nil {
		// Monotonic overflow within one millisecond; a fresh random id is still unique
		// with overwhelming probability and the store rejects the rare duplicate.
		id = ulid.Make()
	}
	s := id.String()
	return OrderCodePrefix + s[:10] + s[20:]
}

func ValidateOrderCode(code string) error {
	if !orderCodePattern.MatchString(code) {
		return ErrInvalidOrderCode
	}
	return nil
}

// FindOrderCode extracts the first order code embedded in a bank transfer
// description. Matching is exact and case-sensitive.
func FindOrderCode(description string) (string, bool) {
	code := orderCodeInText.FindString(description)
	return code, code != ""
}

// BuildQRURL renders the deep link
// <provider>/img?acc=<account>&bank=<bank>&amount=<amount>&des=<memo>.
// Parameter order is fixed so the same inputs always give the same URL.
func BuildQRURL(provider, bankAccount, bankName string, amount int64, memo string) string {
	provider = strings.TrimRight(strings.TrimSpace(provider), "/")
	if provider == "" {
		provider = DefaultQRProvider
	}

	var b strings.Builder
	b.WriteString(provider)
	b.WriteString("/img?acc=")
	b.WriteString(url.QueryEscape(bankAccount))
	b.WriteString("&bank=")
	b.WriteString(url.QueryEscape(bankName))
	b.WriteString("&amount=")
	b.WriteString(strconv.FormatInt(amount, 10))
	b.WriteString("&des=")
	b.WriteString(url.QueryEscape(memo))
	return b.String()
}
