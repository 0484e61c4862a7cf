package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-sync/internal/config"
	"github.com/tonimelisma/icloud-sync/internal/ledger"
	"github.com/tonimelisma/icloud-sync/internal/lockfile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the sync daemon is running and recent activity",
		Long: `Report whether a sync daemon holds the single-instance lock, and
summarize the dead-letter and unresolved-conflict counts recorded in the
local ledger.`,
		RunE: runStatus,
	}
}

type statusOutput struct {
	Running             bool   `json:"running"`
	PID                 int    `json:"pid,omitempty"`
	Directory           string `json:"directory"`
	DeadLetters         int    `json:"dead_letters"`
	UnresolvedConflicts int    `json:"unresolved_conflicts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	out := statusOutput{Directory: cc.Cfg.Directory}

	if pid, err := lockfile.ReadPID(config.DefaultLockFile()); err == nil {
		out.Running = true
		out.PID = pid
	}

	store, err := ledger.Open(cmd.Context(), config.DefaultLedgerPath(), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	deadLetters, err := store.ListDeadLetters()
	if err != nil {
		return err
	}

	out.DeadLetters = len(deadLetters)

	conflicts, err := store.ListUnresolvedConflicts()
	if err != nil {
		return err
	}

	out.UnresolvedConflicts = len(conflicts)

	if cc.JSON {
		return printStatusJSON(out)
	}

	printStatusText(out, deadLetters, conflicts)

	return nil
}

func printStatusJSON(out statusOutput) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(out statusOutput, deadLetters []ledger.DeadLetter, conflicts []ledger.Conflict) {
	if out.Running {
		fmt.Printf("Daemon: running (pid %d)\n", out.PID)
	} else {
		fmt.Println("Daemon: not running")
	}

	fmt.Printf("Directory: %s\n", out.Directory)
	fmt.Printf("Dead letters: %d\n", out.DeadLetters)
	fmt.Printf("Unresolved conflicts: %d\n", out.UnresolvedConflicts)

	if len(deadLetters) > 0 {
		fmt.Println("\nRecent dead letters:")

		sort.Slice(deadLetters, func(i, j int) bool {
			return deadLetters[i].CreatedAt.After(deadLetters[j].CreatedAt)
		})

		headers := []string{"ACTION", "SIDE", "PATH", "ERROR", "AT"}
		rows := make([][]string, 0, len(deadLetters))

		for _, d := range deadLetters {
			rows = append(rows, []string{d.ActionType, d.Side, d.Path, d.Error, formatTime(d.CreatedAt)})
		}

		printTable(os.Stdout, headers, rows)
	}

	if len(conflicts) > 0 {
		fmt.Println("\nUnresolved conflicts: run 'icloud-sync conflicts' for details.")
	}
}
