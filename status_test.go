package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-sync/internal/ledger"
)

func TestPrintStatusJSON(t *testing.T) {
	t.Parallel()

	out := statusOutput{Running: true, PID: 1234, Directory: "/home/user/iCloud", DeadLetters: 2, UnresolvedConflicts: 1}

	stdout := captureStdout(t, func() {
		require.NoError(t, printStatusJSON(out))
	})

	assert.Contains(t, stdout, `"running": true`)
	assert.Contains(t, stdout, `"pid": 1234`)
	assert.Contains(t, stdout, `"dead_letters": 2`)
	assert.Contains(t, stdout, `"unresolved_conflicts": 1`)
}

func TestPrintStatusText_NotRunningNoIssues(t *testing.T) {
	t.Parallel()

	out := statusOutput{Running: false, Directory: "/home/user/iCloud"}

	stdout := captureStdout(t, func() {
		printStatusText(out, nil, nil)
	})

	assert.Contains(t, stdout, "Daemon: not running")
	assert.Contains(t, stdout, "/home/user/iCloud")
	assert.NotContains(t, stdout, "Recent dead letters")
	assert.NotContains(t, stdout, "Unresolved conflicts: run")
}

func TestPrintStatusText_RunningWithDeadLettersAndConflicts(t *testing.T) {
	t.Parallel()

	out := statusOutput{Running: true, PID: 42, Directory: "/home/user/iCloud", DeadLetters: 2, UnresolvedConflicts: 1}

	deadLetters := []ledger.DeadLetter{
		{ActionType: "upload_file", Side: "remote", Path: "a.txt", Error: "forbidden", CreatedAt: time.Now().Add(-time.Hour)},
		{ActionType: "delete_node", Side: "local", Path: "b.txt", Error: "denied", CreatedAt: time.Now()},
	}
	conflicts := []ledger.Conflict{{ID: "c1", Path: "x.txt", ConflictType: "standoff", DetectedAt: time.Now()}}

	stdout := captureStdout(t, func() {
		printStatusText(out, deadLetters, conflicts)
	})

	assert.Contains(t, stdout, "Daemon: running (pid 42)")
	assert.Contains(t, stdout, "Recent dead letters:")
	assert.Contains(t, stdout, "a.txt")
	assert.Contains(t, stdout, "b.txt")
	assert.Contains(t, stdout, "Unresolved conflicts: run 'icloud-sync conflicts' for details.")
}
