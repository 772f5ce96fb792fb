package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qrcheckout/backend/internal/checkout"
	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/payref"
	"qrcheckout/backend/internal/reconcile"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// parseLine reads "productRef:quantity:unitPrice[:name]".
func parseLine(raw string) (domain.CartLine, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 4)
	if len(parts) < 3 {
		return domain.CartLine{}, fmt.Errorf("item %q: want ref:quantity:unitPrice[:name]", raw)
	}
	ref := strings.TrimSpace(parts[0])
	if ref == "" {
		return domain.CartLine{}, fmt.Errorf("item %q: missing product ref", raw)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || qty < 1 {
		return domain.CartLine{}, fmt.Errorf("item %q: quantity must be a positive integer", raw)
	}
	price, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil || price < 0 {
		return domain.CartLine{}, fmt.Errorf("item %q: unit price must be a non-negative integer", raw)
	}
	line := domain.CartLine{ProductRef: ref, Quantity: qty, UnitPrice: price}
	if len(parts) == 4 {
		line.ProductName = strings.TrimSpace(parts[3])
	}
	return line, nil
}

type printNavigator struct {
	a *app
}

func (n printNavigator) Redirect(target string) {
	n.a.printf("Order complete: %s\n", target)
}

func (a *app) checkoutCmd() *cobra.Command {
	var (
		items    []string
		buyNow   bool
		customer domain.CustomerSnapshot
		details  checkout.Details
		method   string
		window   time.Duration
		poll     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Place an order and wait for its transfer payment",
		Long: `Submit an order for the given items. Cash on delivery orders finish at once.
For bank transfers the QR details are printed and the command waits until the
payment is seen or the payment window closes. Press Enter after paying to
check immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines := make([]domain.CartLine, 0, len(items))
			for _, raw := range items {
				line, err := parseLine(raw)
				if err != nil {
					return err
				}
				lines = append(lines, line)
			}

			var sel *checkout.MemorySelection
			if buyNow {
				sel = checkout.NewMemorySelection(nil, lines)
			} else {
				sel = checkout.NewMemorySelection(lines, nil)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc := reconcile.DefaultConfig()
			rc.Countdown = window
			if poll > 0 {
				rc.PollInterval = poll
			}
			rc.OnCountdown = func(left time.Duration) {
				if left > 0 && left%time.Minute == 0 {
					a.printf("  %s left to pay\n", left)
				}
			}

			details.Customer = customer
			details.PaymentMethod = domain.PaymentMethod(strings.ToLower(method))
			flow := checkout.NewFlow(a.client(), sel, printNavigator{a: a}, checkout.WithReconcileConfig(rc))

			res, err := flow.PlaceOrder(ctx, details)
			if err != nil {
				return err
			}
			o := res.Order
			a.printf("Order %s: %s (goods %s, shipping %s, discount %s)\n",
				o.OrderCode, payref.FormatVND(o.FinalAmount), payref.FormatVND(o.TotalAmount),
				payref.FormatVND(o.ShippingFee), payref.FormatVND(o.DiscountAmount))
			if res.Tracker == nil {
				return nil
			}
			return a.awaitTransfer(ctx, flow, res)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&items, "item", nil, "line as ref:quantity:unitPrice[:name], repeatable")
	f.BoolVar(&buyNow, "buy-now", false, "treat the items as a buy-now selection")
	f.StringVar(&customer.FullName, "name", "", "customer full name")
	f.StringVar(&customer.Phone, "phone", "", "customer phone")
	f.StringVar(&customer.Email, "email", "", "customer email")
	f.StringVar(&customer.City, "city", "", "city or province")
	f.StringVar(&customer.District, "district", "", "district")
	f.StringVar(&customer.Ward, "ward", "", "ward")
	f.StringVar(&customer.StreetAddress, "street", "", "street address")
	f.StringVar(&details.Note, "note", "", "delivery note")
	f.StringVar(&details.CouponCode, "coupon", "", "coupon code")
	f.StringVar(&method, "method", string(domain.PaymentMethodTransfer), "payment method: transfer or cod")
	f.DurationVar(&window, "window", reconcile.DefaultCountdown, "how long to wait for the transfer")
	f.DurationVar(&poll, "poll", reconcile.DefaultPollInterval, "status poll interval")
	_ = f.MarkHidden("poll")
	_ = cmd.MarkFlagRequired("item")

	return cmd
}

func (a *app) awaitTransfer(ctx context.Context, flow *checkout.Flow, res checkout.Result) error {
	s := res.Session
	a.printf("Transfer %s to %s %s with memo %s\n", payref.FormatVND(s.Amount), s.BankName, s.BankAccount, s.Description)
	a.printf("QR: %s\n", s.QRURL)
	a.printf("Pay before %s. Press Enter after paying to check now.\n", s.ExpiresAt.Local().Format("15:04:05"))

	go func() {
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			resp, err := flow.ConfirmPaid(ctx)
			switch {
			case err != nil && domain.IsExpiredSession(err):
				a.printf("Payment window closed and no payment has arrived yet.\n")
			case err != nil:
				a.printf("Check failed: %v\n", err)
			case resp.PaymentStatus != domain.PaymentStatusPaid:
				a.printf("Not received yet.\n")
			}
		}
	}()

	select {
	case <-res.Tracker.Done():
	case <-ctx.Done():
		flow.Close()
	}
	res.Tracker.Wait()

	switch res.Tracker.State() {
	case reconcile.Confirmed:
		return nil
	case reconcile.Expired:
		return fmt.Errorf("payment window for %s closed before the transfer arrived; check later with: qrcheckout status %s", s.OrderCode, s.OrderCode)
	default:
		a.printf("Stopped waiting for %s. The order stays open.\n", s.OrderCode)
		return nil
	}
}
