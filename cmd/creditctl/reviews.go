package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/toolmeter/internal/billing"
)

func (c *cli) reviewsCmd() *cobra.Command {
	var (
		limit  int
		failed bool
	)

	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List billing events that could not be applied automatically",
		Long: `Lists billing events the reconciler parked for manual review, usually because
no tenant could be resolved from the event. --failed lists events whose processing
errored instead; those are retried when the provider redelivers them.`,
		Args: cobra.NoArgs,
		RunE: c.runE(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			status := billing.EventNeedsReview
			if failed {
				status = billing.EventFailed
			}

			events, err := c.backend.reviews.ListEvents(ctx, status, limit)
			if err != nil {
				return fmt.Errorf("failed to list %s events: %w", status, err)
			}

			if c.opts.jsonOutput {
				return c.printJSON(events)
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "EVENT\tTYPE\tRECEIVED\tTENANT\tERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ev.ID,
					ev.Type,
					ev.ReceivedAt.Format(time.RFC3339),
					valueOr(ev.TenantID, "-"),
					valueOr(ev.Error, ""),
				)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events to list")
	cmd.Flags().BoolVar(&failed, "failed", false, "List failed events instead")
	return cmd
}

func valueOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
