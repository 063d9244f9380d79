package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: c.runE(func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.context(cmd)
				defer cancel()
				return c.backend.schema.MigrateUp(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: c.runE(func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.context(cmd)
				defer cancel()
				return c.backend.schema.MigrateDown(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: c.runE(func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.context(cmd)
				defer cancel()

				statuses, err := c.backend.schema.MigrationStatuses(ctx)
				if err != nil {
					return err
				}
				if c.opts.jsonOutput {
					return c.printJSON(statuses)
				}

				w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
				defer w.Flush()

				fmt.Fprintln(w, "VERSION\tSOURCE\tAPPLIED AT")
				for _, s := range statuses {
					applied := "pending"
					if s.Applied {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%05d\t%s\t%s\n", s.Version, s.Source, applied)
				}
				return nil
			}),
		},
	)
	return cmd
}
