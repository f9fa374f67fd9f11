package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/walletcore/internal/app"
	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operate the wallet ledger: schema, reconciliation and scheduled jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(subscriptionsCmd())
	rootCmd.AddCommand(invoicesCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(webhooksCmd())
	rootCmd.AddCommand(idempotencyCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logger.NewWithConfig(logger.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.RFC3339,
		Pretty:     true,
		Service:    "walletctl",
		Output:     os.Stderr,
	})
}

// withApp loads configuration, assembles the engine and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pg, err := store.NewPostgres(cmd.Context(), cfg.DBSource)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every balance against its ledger entries",
		Long: `Reconcile walks all wallets and transfers and reports:
  - wallets whose stored balance differs from the sum of their entries
  - transfers whose entries do not follow the one or two entry rule

Exits non-zero when any problem is found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Service.Ledger().Reconcile(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("ledger out of balance: %d mismatches, %d transfer issues",
						len(report.Mismatches), len(report.Issues))
				}
				return nil
			})
		},
	}
}

func subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "subscriptions", Short: "Recurring merchant charges"}

	var limit int
	due := &cobra.Command{
		Use:   "process-due",
		Short: "Charge every active subscription whose period has come",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				sum, err := a.Service.ProcessDueSubscriptions(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	due.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum subscriptions to charge")
	cmd.AddCommand(due)
	return cmd
}

func invoicesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invoices", Short: "Invoices and autopay"}

	var limit int
	due := &cobra.Command{
		Use:   "process-due",
		Short: "Pay due invoices covered by an autopay mandate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				sum, err := a.Service.ProcessDueInvoices(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	due.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum invoices to pay")
	cmd.AddCommand(due)
	return cmd
}

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Payment requests"}
	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Mark pending requests past their expiry as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Service.ExpireDue(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"expired": n})
			})
		},
	})
	return cmd
}

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhooks", Short: "Webhook delivery"}

	var batch, cycles int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending webhooks until the outbox is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				stats, err := a.Webhooks.Drain(ctx, batch, cycles)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
	drain.Flags().IntVar(&batch, "batch", 50, "Deliveries claimed per pass")
	drain.Flags().IntVar(&cycles, "cycles", 20, "Maximum passes")
	cmd.AddCommand(drain)
	return cmd
}

func idempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "idempotency", Short: "Idempotency keys"}

	var ttl time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete settled keys older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if ttl == 0 {
					ttl = a.Config.IdempotencyTTL
				}
				n, err := a.Guard.Purge(ctx, a.Store, ttl)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"purged": n, "ttl": ttl.String()})
			})
		},
	}
	purge.Flags().DurationVar(&ttl, "ttl", 0, "Retention window (default IDEMPOTENCY_TTL)")
	cmd.AddCommand(purge)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		kyc      int
		merchant bool
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [owner]",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(cfg.JWTSecret, domain.Actor{ID: args[0], KYCLevel: kyc, Merchant: merchant}, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&kyc, "kyc", 1, "KYC level claim")
	cmd.Flags().BoolVar(&merchant, "merchant", false, "Mark the owner as a merchant")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
