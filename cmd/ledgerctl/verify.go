package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifySubjectType string
	verifySubjectID   string
	verifyExhaustive  bool
	verifyRecord      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the hash chain and report tampering",
	Long: `verify recomputes every entry hash and checks each link of the chain.

Without flags the whole ledger is checked and the pass stops at the first
divergence. --exhaustive lists every divergent entry. --record runs an
audit: every newly found divergence is recorded as a TAMPER_DETECTED entry.

  ledgerctl verify
  ledgerctl verify --subject-type DOCUMENT --subject-id 42
  ledgerctl verify --record`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifySubjectType, "subject-type", "", "Restrict to one subject type (with --subject-id)")
	verifyCmd.Flags().StringVar(&verifySubjectID, "subject-id", "", "Restrict to one subject's entries")
	verifyCmd.Flags().BoolVar(&verifyExhaustive, "exhaustive", false, "Report every divergence instead of stopping at the first")
	verifyCmd.Flags().BoolVar(&verifyRecord, "record", false, "Audit the whole ledger and record tamper scars")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var rep *ledger.Report
	var scars []*ledger.Entry
	if verifyRecord {
		if verifySubjectID != "" {
			return fmt.Errorf("--record audits the whole ledger; drop --subject-id")
		}
		res, err := c.recorder.Audit(ctx, viper.GetBool("verify.record_tamper"))
		if err != nil {
			return err
		}
		rep, scars = res.Report, res.Scars
	} else {
		var scope ledger.Scope
		if verifySubjectID != "" {
			id := verifySubjectID
			scope.SubjectID = &id
			if verifySubjectType != "" {
				st, err := ledger.ParseSubjectType(verifySubjectType)
				if err != nil {
					return err
				}
				scope.SubjectType = st
			}
		}
		mode := ledger.StopAtFirst
		if verifyExhaustive {
			mode = ledger.Exhaustive
		}
		rep, err = c.recorder.VerifyChain(ctx, scope, mode)
		if err != nil {
			return err
		}
	}

	if output == "json" {
		if err := printJSON(map[string]any{"report": rep, "scars": scars}); err != nil {
			return err
		}
	} else {
		fmt.Println(rep.Summary())
		if len(rep.Failures) > 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY\tKIND\tEXPECTED\tACTUAL")
			for _, f := range rep.Failures {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.EntryID, f.Kind, f.Expected, f.Actual)
			}
			w.Flush()
		}
		for _, s := range scars {
			fmt.Printf("recorded scar #%d\n", s.ID)
		}
	}

	if !rep.Valid {
		return fmt.Errorf("ledger integrity check failed")
	}
	return nil
}

// ── lifecycle ────────────────────────────────────────────────────────────────

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle <subject-type> <subject-id>",
	Short: "Check a subject's recorded history against its lifecycle",
	Example: `  ledgerctl lifecycle DOCUMENT 42
  ledgerctl lifecycle TRADE 7 -o json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := ledger.ParseSubjectType(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.recorder.ValidateLifecycle(ctx, st, args[1])
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(res)
		}

		if res.IsValid {
			fmt.Printf("%s %s: lifecycle valid\n", st, args[1])
			return nil
		}
		fmt.Printf("%s %s: lifecycle INVALID\n", st, args[1])
		if len(res.MissingStages) > 0 {
			fmt.Printf("  missing:    %v\n", res.MissingStages)
		}
		if len(res.DuplicateActions) > 0 {
			fmt.Printf("  duplicates: %v\n", res.DuplicateActions)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ENTRY\tACTION\tKIND\tDETAIL")
		for _, v := range res.Violations {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", v.EntryID, v.Action, v.Kind, v.Detail)
		}
		return w.Flush()
	},
}
