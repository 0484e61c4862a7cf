package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-sync/internal/config"
	"github.com/tonimelisma/icloud-sync/internal/ledger"
)

// conflictIDPrefixLen is the number of characters to show for the conflict
// ID in table output. 8 chars is sufficient for uniqueness in typical use.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display all unresolved conflicts recorded in the local ledger: same-path
standoffs and kind mismatches detected during reconciliation (spec §7).

Use 'icloud-sync resolve' to resolve a conflict.`,
		RunE: runConflicts,
	}
}

type conflictJSON struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	ConflictType string `json:"conflict_type"`
	DetectedAt   string `json:"detected_at"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := ledger.Open(cmd.Context(), config.DefaultLedgerPath(), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	conflicts, err := store.ListUnresolvedConflicts()
	if err != nil {
		return err
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	if cc.JSON {
		return printConflictsJSON(conflicts)
	}

	printConflictsTable(conflicts)

	return nil
}

func printConflictsJSON(conflicts []ledger.Conflict) error {
	items := make([]conflictJSON, len(conflicts))
	for i := range conflicts {
		c := &conflicts[i]
		items[i] = conflictJSON{
			ID:           c.ID,
			Path:         c.Path,
			ConflictType: c.ConflictType,
			DetectedAt:   c.DetectedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(conflicts []ledger.Conflict) {
	headers := []string{"ID", "PATH", "TYPE", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		idPrefix := c.ID
		if len(idPrefix) > conflictIDPrefixLen {
			idPrefix = idPrefix[:conflictIDPrefixLen]
		}

		rows[i] = []string{idPrefix, c.Path, c.ConflictType, formatTime(c.DetectedAt)}
	}

	printTable(os.Stdout, headers, rows)
}
