package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/payref"
	"qrcheckout/backend/internal/reconcile"
)

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <orderCode>",
		Short: "Show the payment status of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().PaymentStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			a.printStatus(resp)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print the raw response")
	return cmd
}

func (a *app) printStatus(resp domain.PaymentStatusResponse) {
	if resp.Order == nil {
		a.printf("Payment: %s\n", resp.PaymentStatus)
		return
	}
	o := resp.Order
	a.printf("Order %s\n", o.OrderCode)
	a.printf("  status:   %s\n", o.Status)
	a.printf("  method:   %s\n", o.PaymentMethod)
	a.printf("  payment:  %s\n", o.PaymentStatus)
	a.printf("  amount:   %s\n", payref.FormatVND(o.FinalAmount))
	if o.PaidAt != nil {
		a.printf("  paid at:  %s\n", o.PaidAt.Local().Format(time.RFC3339))
	}
}

func (a *app) watchCmd() *cobra.Command {
	var (
		once   bool
		window time.Duration
		poll   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <orderCode>",
		Short: "Wait until a transfer order is paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if err := payref.ValidateOrderCode(code); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc := reconcile.DefaultConfig()
			rc.Countdown = window
			if poll > 0 {
				rc.PollInterval = poll
			}
			tracker := reconcile.NewTracker(code, a.client(), func(domain.PaymentStatusResponse) {
				a.printf("Payment received for %s\n", code)
			}, rc)
			if err := tracker.Start(ctx); err != nil {
				return err
			}
			defer tracker.Wait()

			if once {
				defer tracker.Stop()
				resp, err := tracker.CheckNow(ctx)
				if err != nil {
					return err
				}
				if resp.PaymentStatus != domain.PaymentStatusPaid {
					a.printf("Not received yet for %s\n", code)
				}
				return nil
			}

			select {
			case <-tracker.Done():
			case <-ctx.Done():
				tracker.Stop()
			}
			if tracker.State() == reconcile.Expired {
				return fmt.Errorf("no payment for %s within %s", code, window)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&once, "once", false, "check a single time instead of waiting")
	f.DurationVar(&window, "window", reconcile.DefaultCountdown, "how long to wait")
	f.DurationVar(&poll, "poll", reconcile.DefaultPollInterval, "status poll interval")
	_ = f.MarkHidden("poll")
	return cmd
}
