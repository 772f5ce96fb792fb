package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/payref"
)

func (a *app) loginCmd() *cobra.Command {
	var (
		username string
		password string
		save     bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as an operator and print or save the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.client().Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if !save {
				a.printf("%s\n", resp.AccessToken)
				return nil
			}
			a.v.Set("token", resp.AccessToken)
			path := a.configPath()
			if err := a.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			a.printf("Signed in as %s (%s), token saved to %s\n", strings.ToLower(username), resp.Role, path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&username, "username", "u", "", "operator username")
	f.StringVarP(&password, "password", "p", "", "operator password")
	f.BoolVar(&save, "save", false, "store the token in the config file")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) settleCmd() *cobra.Command {
	var req domain.ManualSettlementRequest

	cmd := &cobra.Command{
		Use:   "settle <orderCode>",
		Short: "Mark a transfer order paid after checking the bank statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.OrderCode = args[0]
			resp, err := a.client().SettleManually(cmd.Context(), req)
			if err != nil {
				return err
			}
			switch {
			case resp.Duplicate:
				a.printf("Reference %s was already recorded for %s\n", req.Reference, resp.OrderCode)
			case resp.Outcome == domain.SettlementApplied:
				a.printf("Order %s is now %s\n", resp.OrderCode, resp.PaymentStatus)
			default:
				a.printf("Recorded as %s; order %s is %s\n", resp.Outcome, resp.OrderCode, resp.PaymentStatus)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Int64Var(&req.Amount, "amount", 0, "amount received; 0 means the order total")
	f.StringVar(&req.Reference, "reference", "", "bank statement reference")
	f.StringVar(&req.ManagerPIN, "pin", "", "manager PIN")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func (a *app) settlementsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settlements <orderCode>",
		Short: "List every bank credit recorded against an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.client().Settlements(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				a.printf("No settlements for %s\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tPROVIDER\tREFERENCE\tAMOUNT\tOUTCOME\tBY")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ReceivedAt.Local().Format(time.DateTime), s.Provider, s.ProviderTxnID,
					payref.FormatVND(s.Amount), s.Outcome, s.RecordedBy)
			}
			return tw.Flush()
		},
	}
}
