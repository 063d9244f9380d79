package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/config"
	"github.com/cuongbtq/toolmeter/internal/ledger"
	"github.com/cuongbtq/toolmeter/shared/logger"
	"github.com/cuongbtq/toolmeter/shared/postgresql"
)

type rootOptions struct {
	configPath string
	jsonOutput bool
	timeout    time.Duration
}

// reviewLister reads billing events by status
type reviewLister interface {
	ListEvents(ctx context.Context, status billing.EventStatus, limit int) ([]billing.EventRecord, error)
}

// migrator manages the database schema
type migrator interface {
	MigrateUp(ctx context.Context) error
	MigrateDown(ctx context.Context) error
	MigrationStatuses(ctx context.Context) ([]postgresql.MigrationStatus, error)
}

// backend is what the subcommands operate on
type backend struct {
	ledger  *ledger.Ledger
	reviews reviewLister
	schema  migrator
	close   func()
}

type opener func(opts *rootOptions) (*backend, error)

// cli carries the state shared by every subcommand of one invocation
type cli struct {
	opts    rootOptions
	open    opener
	backend *backend
	out     io.Writer
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	defaultConfigPath := os.Getenv("CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}

	root := &cobra.Command{
		Use:   "creditctl",
		Short: "Operate the credit ledger and billing reconciliation",
		Long: `creditctl inspects and corrects tenant credit balances, lists billing
events that need manual review, and manages the database schema.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.out = cmd.OutOrStdout()
			b, err := c.open(&c.opts)
			if err != nil {
				return err
			}
			c.backend = b
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.backend != nil && c.backend.close != nil {
				c.backend.close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&c.opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&c.opts.jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().DurationVar(&c.opts.timeout, "timeout", 30*time.Second, "Deadline for the whole command")

	root.AddCommand(
		c.auditCmd(),
		c.balanceCmd(),
		c.grantCmd(),
		c.purchaseCmd(),
		c.reviewsCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.opts.timeout)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openBackend connects to PostgreSQL using the service configuration
func openBackend(opts *rootOptions) (*backend, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	loggerCfg := cfg.LoggerConfig()
	// stdout carries command output
	loggerCfg.Output = "stderr"
	loggerCfg.Format = "console"
	appLogger, err := logger.New(loggerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := postgresql.NewClient(cfg.PostgresConfig(), appLogger.Logger)
	if err != nil {
		appLogger.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &backend{
		ledger:  ledger.NewLedger(ledger.NewPostgresStore(dbClient.GetDB()), appLogger.Logger),
		reviews: billing.NewPostgresStore(dbClient.GetDB()),
		schema:  dbClient,
		close: func() {
			dbClient.Close()
			appLogger.Close()
		},
	}, nil
}

// runE releases the backend when a command fails, since cobra skips post-run hooks on error
func (c *cli) runE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil && c.backend != nil && c.backend.close != nil {
			c.backend.close()
			c.backend = nil
		}
		return err
	}
}
