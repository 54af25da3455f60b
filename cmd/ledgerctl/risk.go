package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/tradeledger/internal/identity"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Inspect and recompute counterparty risk scores",
}

func init() {
	riskCmd.AddCommand(riskGetCmd)
	riskCmd.AddCommand(riskRecomputeCmd)
	riskCmd.AddCommand(riskDeadLettersCmd)
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func printScore(rs *risk.RiskScore) error {
	if output == "json" {
		return printJSON(rs)
	}
	fmt.Printf("User:      %d\n", rs.SubjectID)
	fmt.Printf("Score:     %s (%s)\n", rs.Score.StringFixed(2), rs.Category)
	fmt.Printf("Reason:    %s\n", rs.Reason)
	fmt.Printf("Updated:   %s\n", rs.LastUpdated.Format(time.RFC3339))
	for _, line := range rs.Rationale {
		fmt.Printf("  - %s\n", line)
	}
	return nil
}

var riskGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Show a user's stored risk score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		rs, err := c.recorder.GetRiskScore(ctx, id)
		if err != nil {
			return err
		}
		return printScore(rs)
	},
}

var (
	recomputeAll    bool
	recomputeReason string
)

var riskRecomputeCmd = &cobra.Command{
	Use:   "recompute [user-id]",
	Short: "Recompute one user's score, or every known user's with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if recomputeAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if recomputeAll {
			res, err := c.dispatcher.RecomputeAll(ctx)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(res)
			}
			fmt.Printf("recomputed %d user(s), %d failed\n", res.Recomputed, len(res.Failed))
			for id, msg := range res.Failed {
				fmt.Printf("  user %d: %s\n", id, msg)
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d recomputation(s) failed", len(res.Failed))
			}
			return nil
		}

		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		rs, err := c.recorder.RecomputeRiskScore(ctx, id, recomputeReason)
		if err != nil {
			return err
		}
		return printScore(rs)
	},
}

func init() {
	riskRecomputeCmd.Flags().BoolVar(&recomputeAll, "all", false, "Recompute every known user")
	riskRecomputeCmd.Flags().StringVar(&recomputeReason, "reason", "MANUAL", "Reason recorded on the score")
}

var deadLetterLimit int64

var riskDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List recomputations that exhausted their attempts",
	Long: `dead-letters reads the Redis list ledgerd pushes failed recompute jobs
onto. It requires recalc.redis_url (or RECALC_REDIS_URL).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		u := viper.GetString("recalc.redis_url")
		if u == "" {
			return fmt.Errorf("recalc.redis_url is not configured; dead letters are only logged")
		}
		opts, err := redis.ParseURL(u)
		if err != nil {
			return fmt.Errorf("parse recalc.redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close() //nolint:errcheck

		jobs, err := recalc.NewRedisSink(rdb, viper.GetString("recalc.redis_key"), logger).Recent(cmd.Context(), deadLetterLimit)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("no dead letters")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tUSER\tREASON\tATTEMPTS\tENQUEUED\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
				j.ID, j.UserID, j.Reason, j.Attempts, j.EnqueuedAt.Format(time.RFC3339), j.LastError)
		}
		return w.Flush()
	},
}

func init() {
	riskDeadLettersCmd.Flags().Int64Var(&deadLetterLimit, "limit", 50, "Maximum number of dead letters to show")
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token <actor-id> <role>",
	Short: "Issue a service token for the ledgerd HTTP API",
	Long: `token signs a bearer token with auth.token_secret. The token carries the
actor id and role ledgerd records on every entry the caller appends.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		role, ok := lifecycle.ParseRole(args[1])
		if !ok {
			return fmt.Errorf("unknown role %q", args[1])
		}
		tokens, err := identity.NewTokenIssuer(
			viper.GetString("auth.token_secret"),
			viper.GetString("auth.issuer"),
			viper.GetDuration("auth.token_ttl"),
		)
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(id, role)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
