package main

import (
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"github.com/spf13/cobra"
)

var (
	appendSubjectID      string
	appendActorID        int64
	appendRole           string
	appendCounterparties []int64
	appendMetadata       string
)

var appendCmd = &cobra.Command{
	Use:   "append <subject-type> <action>",
	Short: "Record a lifecycle event on the ledger",
	Long: `append checks the event against the subject's lifecycle and, if it is a
legal next step, chains it onto the ledger. Qualifying events recompute the
counterparties' risk scores before the command exits.

Omit --actor to record a system event.

  ledgerctl append DOCUMENT ISSUED --subject-id 42 --actor 7 --role EXPORTER --counterparties 7,8
  ledgerctl append DOCUMENT VERIFIED --subject-id 42 --actor 9 --role AUDITOR --metadata '{"result":"PASS"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := ledger.ParseSubjectType(args[0])
		if err != nil {
			return err
		}
		action, err := ledger.ParseAction(args[1])
		if err != nil {
			return err
		}
		role, ok := lifecycle.ParseRole(appendRole)
		if !ok {
			return fmt.Errorf("unknown role %q", appendRole)
		}

		ev := recorder.Event{
			SubjectType:    st,
			Action:         action,
			ActorRole:      role,
			Counterparties: appendCounterparties,
		}
		if appendSubjectID != "" {
			id := appendSubjectID
			ev.SubjectID = &id
		}
		if cmd.Flags().Changed("actor") {
			ev.ActorID = ledger.Actor(appendActorID)
		}
		if appendMetadata != "" {
			if err := json.Unmarshal([]byte(appendMetadata), &ev.Metadata); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
		}

		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		entry, err := c.recorder.AppendEntry(ctx, ev)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(entry)
		}
		fmt.Printf("appended entry #%d\n", entry.ID)
		fmt.Printf("  previous: %s\n", entry.PreviousHash)
		fmt.Printf("  hash:     %s\n", entry.EntryHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendSubjectID, "subject-id", "", "Subject id (required unless SYSTEM)")
	appendCmd.Flags().Int64Var(&appendActorID, "actor", 0, "Acting user id")
	appendCmd.Flags().StringVar(&appendRole, "role", "", "Actor role: EXPORTER, IMPORTER, AUDITOR or ADMIN")
	appendCmd.Flags().Int64SliceVar(&appendCounterparties, "counterparties", nil, "User ids whose risk the event concerns")
	appendCmd.Flags().StringVar(&appendMetadata, "metadata", "", "Entry metadata as a JSON object")
}
