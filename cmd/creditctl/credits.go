package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/ledger"
)

func (c *cli) auditCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Rederive balances from their transactions and report drift",
		Example: `  # Audit every tenant
  creditctl audit

  # Audit one tenant and fail when drift is found
  creditctl audit --tenant acme`,
		Args: cobra.NoArgs,
		RunE: c.runE(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			reports, err := c.backend.ledger.Audit(ctx, tenantID)
			if err != nil {
				return err
			}

			drifted := 0
			for _, r := range reports {
				if r.Drift {
					drifted++
				}
			}

			if c.opts.jsonOutput {
				if err := c.printJSON(reports); err != nil {
					return err
				}
			} else {
				printAudit(c, reports)
			}

			if drifted > 0 {
				return fmt.Errorf("%d of %d balances drifted from their transaction history", drifted, len(reports))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Only audit this tenant")
	return cmd
}

func printAudit(c *cli, reports []ledger.AuditReport) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TENANT\tPERIOD START\tINCLUDED\tUSED\tPURCHASED\tSTATUS")
	for _, r := range reports {
		status := "ok"
		if r.Drift {
			status = fmt.Sprintf("DRIFT (derived included=%d used=%d purchased=%d)",
				r.Derived.Included, r.Derived.Used, r.Derived.PurchasedCredits)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Balance.TenantID,
			r.Balance.PeriodStart.Format(time.DateOnly),
			r.Balance.Included,
			r.Balance.Used,
			r.Balance.PurchasedCredits,
			status,
		)
	}
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <tenant>",
		Short: "Show the current period balance of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: c.runE(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			b, err := c.backend.ledger.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printBalance(b)
		}),
	}
}

func (c *cli) printBalance(b *domain.CreditBalance) error {
	if c.opts.jsonOutput {
		return c.printJSON(b)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Tenant:\t%s\n", b.TenantID)
	fmt.Fprintf(w, "Period:\t%s to %s\n", b.PeriodStart.Format(time.RFC3339), b.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(w, "Included:\t%d\n", b.Included)
	fmt.Fprintf(w, "Used:\t%d\n", b.Used)
	fmt.Fprintf(w, "Purchased:\t%d\n", b.PurchasedCredits)
	fmt.Fprintf(w, "Available:\t%d\n", b.Available())
	return nil
}

func (c *cli) grantCmd() *cobra.Command {
	var (
		amount int64
		reason string
	)

	cmd := &cobra.Command{
		Use:     "grant <tenant>",
		Short:   "Add included credits to a tenant's current period",
		Example: `  creditctl grant acme --amount 500 --reason "support credit for incident 42"`,
		Args:    cobra.ExactArgs(1),
		RunE: c.runE(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			b, err := c.backend.ledger.Grant(ctx, args[0], amount, reason)
			if err != nil {
				return err
			}
			return c.printBalance(b)
		}),
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "Credits to grant")
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "Recorded on the transaction")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (c *cli) purchaseCmd() *cobra.Command {
	var (
		amount int64
		ref    string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "purchase <tenant>",
		Short: "Record purchased credits for a tenant",
		Long: `Purchased credits survive renewal until they are consumed. Passing --ref
makes the command safe to repeat: a second purchase with the same reference is ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: c.runE(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			b, err := c.backend.ledger.Purchase(ctx, args[0], amount, ref, reason)
			if err != nil {
				return err
			}
			return c.printBalance(b)
		}),
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "Credits purchased")
	cmd.Flags().StringVar(&ref, "ref", "", "External reference, e.g. an invoice id")
	cmd.Flags().StringVar(&reason, "reason", "manual purchase", "Recorded on the transaction")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
