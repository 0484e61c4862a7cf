package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-sync/internal/config"
	"github.com/tonimelisma/icloud-sync/internal/ledger"
)

var validResolutions = map[string]bool{
	"keep_local":  true,
	"keep_remote": true,
	"keep_both":   true,
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <keep_local|keep_remote|keep_both>",
		Short: "Resolve a recorded sync conflict",
		Long: `Mark a conflict resolved, recording one of three strategies (spec §7):

  keep_local   record that the local copy is kept
  keep_remote  record that the remote copy is kept
  keep_both    record that both copies are kept

The strategy is stored on the conflict's ledger row and the row is marked
resolved. No local or remote file is changed and no reconciliation is run.

conflict-id may be the full ledger ID or an unambiguous prefix, as shown by
'icloud-sync conflicts'.`,
		Args: cobra.ExactArgs(2),
		RunE: runResolve,
	}

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	idArg, resolution := args[0], args[1]

	if !validResolutions[resolution] {
		return fmt.Errorf("resolve: unknown strategy %q (want keep_local, keep_remote, or keep_both)", resolution)
	}

	store, err := ledger.Open(cmd.Context(), config.DefaultLedgerPath(), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	id, err := resolveConflictID(store, idArg)
	if err != nil {
		return err
	}

	if err := store.ResolveConflict(id, resolution); err != nil {
		return err
	}

	cc.Statusf("Conflict %s marked resolved (%s).\n", id, resolution)

	return nil
}

// resolveConflictID expands a possibly-truncated conflict ID into the full
// ledger ID, erroring on no match or an ambiguous prefix.
func resolveConflictID(store *ledger.Store, idArg string) (string, error) {
	conflicts, err := store.ListUnresolvedConflicts()
	if err != nil {
		return "", err
	}

	var matches []string

	for _, c := range conflicts {
		if c.ID == idArg || strings.HasPrefix(c.ID, idArg) {
			matches = append(matches, c.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("resolve: no unresolved conflict matches %q", idArg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("resolve: %q matches %d conflicts, be more specific", idArg, len(matches))
	}
}
