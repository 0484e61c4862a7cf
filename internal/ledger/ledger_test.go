package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory Store with migrations applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestOpen_AppliesMigrations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	assert.NotNil(t, store.db)

	// The migration created all three tables; a query against each must not
	// error even with zero rows.
	_, err := store.ListDeadLetters()
	require.NoError(t, err)

	_, err = store.ListUnresolvedConflicts()
	require.NoError(t, err)
}

func TestRecordDeadLetter_ListDeadLetters(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.RecordDeadLetter("upload_file", "remote", "a.txt", "403 forbidden"))
	require.NoError(t, store.RecordDeadLetter("delete_node", "local", "b.txt", "permission denied"))

	out, err := store.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Newest first.
	assert.Equal(t, "delete_node", out[0].ActionType)
	assert.Equal(t, "local", out[0].Side)
	assert.Equal(t, "b.txt", out[0].Path)
	assert.Equal(t, "permission denied", out[0].Error)
	assert.NotEmpty(t, out[0].ID)
	assert.WithinDuration(t, time.Now(), out[0].CreatedAt, 5*time.Second)

	assert.Equal(t, "upload_file", out[1].ActionType)
}

func TestListDeadLetters_EmptyIsNilNotError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	out, err := store.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRecordConflict_ListUnresolvedConflicts(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.RecordConflict("docs/report.docx", "standoff"))
	require.NoError(t, store.RecordConflict("docs/notes.txt", "kind_mismatch"))

	out, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Oldest first.
	assert.Equal(t, "docs/report.docx", out[0].Path)
	assert.Equal(t, "standoff", out[0].ConflictType)
	assert.False(t, out[0].Resolved)
	assert.Empty(t, out[0].Resolution)

	assert.Equal(t, "docs/notes.txt", out[1].Path)
}

func TestResolveConflict_MarksResolvedAndExcludesFromUnresolvedList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.RecordConflict("docs/report.docx", "standoff"))

	unresolved, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	id := unresolved[0].ID
	require.NoError(t, store.ResolveConflict(id, "keep_local"))

	unresolved, err = store.ListUnresolvedConflicts()
	require.NoError(t, err)
	assert.Empty(t, unresolved, "a resolved conflict must no longer appear in the unresolved list")
}

func TestResolveConflict_UnknownIDReturnsError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	err := store.ResolveConflict("does-not-exist", "keep_remote")
	assert.Error(t, err)
}

func TestRecordRefreshCycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	started := time.Now().Add(-2 * time.Second)
	require.NoError(t, store.RecordRefreshCycle(started, 1500*time.Millisecond, "success", ""))
	require.NoError(t, store.RecordRefreshCycle(started, 0, "integrity_mismatch", "declared 10, counted 8"))

	// Store has no reader for refresh_history yet; assert indirectly via a
	// raw query against the table FullRefresh writes to.
	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM refresh_history`).Scan(&count))
	assert.Equal(t, 2, count)

	var outcome, detail string
	require.NoError(t, store.db.QueryRow(
		`SELECT outcome, detail FROM refresh_history ORDER BY rowid DESC LIMIT 1`,
	).Scan(&outcome, &detail))
	assert.Equal(t, "integrity_mismatch", outcome)
	assert.Equal(t, "declared 10, counted 8", detail)
}
