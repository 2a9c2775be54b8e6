// Command coopd serves the cooperative ledger API and its maintenance tasks.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/config"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flags are the options every command shares.
type flags struct {
	configPath string
	dev        bool
}

// loadConfig reads the config file and environment; --dev switches logging
// to the development format.
func (f *flags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dev {
		cfg.Log = logging.DevelopmentConfig()
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	var shared flags
	root := &cobra.Command{
		Use:           "coopd",
		Short:         "Housing cooperative ledger: loans, wallets, payments and charges",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&shared.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&shared.dev, "dev", false, "human-readable debug logging")

	root.AddCommand(serveCmd(&shared))
	root.AddCommand(migrateCmd(&shared))
	root.AddCommand(tokenCmd(&shared))
	root.AddCommand(scheduleCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd(shared *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func migrateCmd(shared *flags) *cobra.Command {
	var only string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema of every tenant database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			registry, err := tenancy.NewRegistry(cfg.Tenants,
				tenancy.DSNOpener(cfg.Database.Driver, cfg.Database.DSN), logger)
			if err != nil {
				return err
			}
			defer registry.Close()

			targets := registry.Tenants()
			if only != "" {
				t, err := registry.Lookup(only)
				if err != nil {
					return err
				}
				targets = []*tenancy.Tenant{t}
			}
			for _, t := range targets {
				// Opening a store brings its schema up to date.
				if _, err := registry.Store(t); err != nil {
					return err
				}
				logger.Info("tenant migrated", zap.String("tenant", t.Slug))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&only, "tenant", "", "migrate a single tenant")
	return cmd
}

func tokenCmd(shared *flags) *cobra.Command {
	var (
		subject, role, tenant, member string
		ttl                           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.loadConfig()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Auth.TTL = ttl
			}
			authn, err := auth.New(cfg.Auth)
			if err != nil {
				return err
			}
			memberID := uuid.Nil
			if member != "" {
				if memberID, err = uuid.Parse(member); err != nil {
					return fmt.Errorf("invalid --member: %w", err)
				}
			}
			token, err := authn.Issue(subject, auth.Role(role), memberID, tenant)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "user id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "admin or member")
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant slug")
	cmd.Flags().StringVar(&member, "member", "", "member id carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.ttl)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var amount, rate, method, start string
	var months int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the amortization table of a loan",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := decimal.NewFromString(amount)
			if err != nil || !principal.IsPositive() {
				return fmt.Errorf("--amount must be a positive number")
			}
			annual, err := decimal.NewFromString(rate)
			if err != nil || annual.IsNegative() {
				return fmt.Errorf("--rate must be a non-negative percentage")
			}
			if months <= 0 {
				return fmt.Errorf("--months must be greater than zero")
			}
			from := time.Now().UTC()
			if start != "" {
				if from, err = time.Parse("2006-01-02", start); err != nil {
					return fmt.Errorf("--start must be YYYY-MM-DD: %w", err)
				}
			}

			product := models.LoanProduct{InterestRate: annual, InterestMethod: models.InterestMethod(method)}
			interest := product.CalculateInterest(principal, months)
			loan := &models.Loan{
				Amount:          principal,
				InterestRate:    annual,
				DurationMonths:  months,
				MonthlyPayment:  product.CalculateMonthlyPayment(principal, months),
				InterestAmount:  interest,
				TotalAmount:     principal.Add(interest),
				ApplicationDate: from,
			}
			printSchedule(cmd, loan, ledger.BuildSchedule(loan, nil))
			return nil
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "principal")
	cmd.Flags().StringVar(&rate, "rate", "", "annual interest rate in percent")
	cmd.Flags().IntVar(&months, "months", 12, "tenure in months")
	cmd.Flags().StringVar(&method, "method", string(models.InterestReducingBalance), "reducing_balance or flat")
	cmd.Flags().StringVar(&start, "start", "", "first day of the loan (YYYY-MM-DD)")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("rate")
	return cmd
}

func printSchedule(cmd *cobra.Command, loan *models.Loan, rows []ledger.Installment) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Monthly payment: %s  Total interest: %s  Total repayable: %s\n\n",
		loan.MonthlyPayment.StringFixed(2), loan.InterestAmount.StringFixed(2), loan.TotalAmount.StringFixed(2))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tDue\tPayment\tPrincipal\tInterest\tBalance\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t\n", r.Number, r.DueDate.Format("2006-01-02"),
			r.Payment.StringFixed(2), r.Principal.StringFixed(2), r.Interest.StringFixed(2), r.Balance.StringFixed(2))
	}
	tw.Flush()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "coopd", Version)
		},
	}
}
