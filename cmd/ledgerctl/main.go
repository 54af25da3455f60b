package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
	output  string
	logger  = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Administer the trade activity ledger",
	Long: `ledgerctl talks directly to the ledger database. It verifies the hash
chain, checks subject lifecycles, appends events and manages risk scores.

Configuration is shared with ledgerd (configs/ledgerd.yaml); flags and
environment variables such as DATABASE_URL take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("ledgerd")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var cfgNotFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &cfgNotFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}

		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledgerd.yaml)")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL (overrides database.url)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable development logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	_ = viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))

	viper.SetDefault("ledger.append_attempts", ledger.DefaultAppendAttempts)
	viper.SetDefault("risk.activity_maturity", risk.DefaultActivityMaturity)
	viper.SetDefault("risk.external_url", "")
	viper.SetDefault("risk.external_timeout", "5s")
	viper.SetDefault("verify.record_tamper", true)
	viper.SetDefault("recalc.redis_key", recalc.DefaultDeadLetterKey)
	viper.SetDefault("auth.issuer", "tradeledger")
	viper.SetDefault("auth.token_ttl", "1h")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(riskCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── wiring ───────────────────────────────────────────────────────────────────

// core is the set of services a command needs, built on the configured database.
type core struct {
	pool       *pgxpool.Pool
	store      ledger.Store
	risk       *risk.Service
	recorder   *recorder.Recorder
	dispatcher *recalc.Dispatcher
}

func (c *core) Close() {
	c.pool.Close()
}

func openCore(ctx context.Context) (*core, error) {
	dbURL := viper.GetString("database.url")
	if dbURL == "" {
		return nil, errors.New("database url required (--database-url, DATABASE_URL or database.url)")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := ledger.NewPostgresStore(pool, logger)
	ledgerSvc := ledger.NewService(store, viper.GetInt("ledger.append_attempts"), logger)

	var external risk.ExternalSource
	if u := viper.GetString("risk.external_url"); u != "" {
		external = risk.NewHTTPExternalSource(u, viper.GetDuration("risk.external_timeout"))
	}
	riskSvc := risk.NewService(
		risk.NewLedgerSignals(store, external, viper.GetInt("risk.activity_maturity")),
		risk.NewPostgresScoreStore(pool),
		logger,
	)

	// The CLI never starts the worker pool: bulk recomputation runs inline
	// and appends recompute synchronously below.
	d := recalc.NewDispatcher(recalc.Config{}, riskSvc, nil, logger)
	rec := recorder.New(ledgerSvc, lifecycle.NewValidator(), riskSvc, &inlineRecompute{risk: riskSvc}, logger)

	return &core{pool: pool, store: store, risk: riskSvc, recorder: rec, dispatcher: d}, nil
}

// inlineRecompute recomputes triggered scores before the command exits.
type inlineRecompute struct {
	risk *risk.Service
}

func (n *inlineRecompute) Notify(e *ledger.Entry) {
	reason, users, ok := recalc.Trigger(e)
	if !ok {
		return
	}
	for _, u := range users {
		if _, err := n.risk.Recompute(context.Background(), u, reason); err != nil {
			fmt.Fprintf(os.Stderr, "warning: recompute risk for user %d: %v\n", u, err)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
