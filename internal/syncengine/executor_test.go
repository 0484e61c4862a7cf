package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-sync/internal/remote"
	"github.com/tonimelisma/icloud-sync/internal/remote/icloudclient"
)

// fakeExecClient is a scriptable remote.Client for exercising the Executor
// in isolation: every mutating call records what it was asked to do and,
// optionally, fails a configured number of times before succeeding.
type fakeExecClient struct {
	mu sync.Mutex

	nextHandle int64

	uploaded     map[string][]byte
	createdNames []string
	deleted      []string
	moved        []struct{ handle, newParent, newName string }

	failUploadsRemaining int32
	failUploadErr        error
}

func newFakeExecClient() *fakeExecClient {
	return &fakeExecClient{uploaded: make(map[string][]byte)}
}

func (f *fakeExecClient) ListRoot(ctx context.Context) (remote.RootInfo, error) {
	return remote.RootInfo{}, nil
}

func (f *fakeExecClient) ListFolder(ctx context.Context, handle string) ([]remote.Entry, error) {
	return nil, nil
}

func (f *fakeExecClient) Download(ctx context.Context, handle string, w io.Writer) error {
	f.mu.Lock()
	data := f.uploaded[handle]
	f.mu.Unlock()

	_, err := w.Write(data)

	return err
}

func (f *fakeExecClient) Upload(ctx context.Context, parentHandle, name string, r io.Reader, size int64, mtime time.Time) (string, error) {
	if atomic.LoadInt32(&f.failUploadsRemaining) > 0 {
		atomic.AddInt32(&f.failUploadsRemaining, -1)
		return "", f.failUploadErr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextHandle++
	handle := "h" + string(rune('0'+f.nextHandle))
	f.uploaded[handle] = data
	f.createdNames = append(f.createdNames, name)

	return handle, nil
}

func (f *fakeExecClient) CreateFolder(ctx context.Context, parentHandle, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextHandle++
	f.createdNames = append(f.createdNames, name)

	return "folder-h" + string(rune('0'+f.nextHandle)), nil
}

func (f *fakeExecClient) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, handle)

	return nil
}

func (f *fakeExecClient) Move(ctx context.Context, handle, newParentHandle, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.moved = append(f.moved, struct{ handle, newParent, newName string }{handle, newParentHandle, newName})

	return nil
}

func newTestExecutor(t *testing.T, client remote.Client, root string) *Executor {
	t.Helper()

	e := NewExecutor(client, root, NewReplica(), NewReplica(), NewSuppressionSet(), nil, 4,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(e.Stop)

	return e
}

func TestExecutor_UploadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("payload"), 0o644))

	client := newFakeExecClient()
	e := newTestExecutor(t, client, dir)

	plan := &Plan{Actions: []Action{{Type: ActionUploadFile, Side: SideRemote, Path: "a.txt", Kind: KindFile}}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	assert.Contains(t, client.createdNames, "a.txt")
	assert.NotNil(t, e.remoteRep.Get("a.txt"))
}

func TestExecutor_DownloadFile_WritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	client := newFakeExecClient()
	client.uploaded["existing-handle"] = []byte("remote content")

	e := newTestExecutor(t, client, dir)
	e.setHandle("b.txt", "existing-handle")

	plan := &Plan{Actions: []Action{{
		Type: ActionDownloadFile, Side: SideLocal, Path: "b.txt", Kind: KindFile,
		Size: 14, MTime: NowTruncated(),
	}}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	data, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	_, err = os.Stat(filepath.Join(dir, "b.txt.partial"))
	assert.True(t, os.IsNotExist(err), "partial file must not remain after a successful download")
}

func TestExecutor_CreateFolder_BothSides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	client := newFakeExecClient()
	e := newTestExecutor(t, client, dir)

	plan := &Plan{Actions: []Action{
		{Type: ActionCreateFolder, Side: SideLocal, Path: "newdir", Kind: KindFolder},
		{Type: ActionCreateFolder, Side: SideRemote, Path: "newdir", Kind: KindFolder},
	}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	info, err := os.Stat(filepath.Join(dir, "newdir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NotNil(t, e.remoteRep.Get("newdir"))
}

func TestExecutor_DeleteNode_BothSides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("x"), 0o644))

	client := newFakeExecClient()
	e := newTestExecutor(t, client, dir)
	e.setHandle("c.txt", "remote-handle")
	e.remoteRep.Insert(Node{Path: "c.txt", Kind: KindFile})

	plan := &Plan{Actions: []Action{
		{Type: ActionDeleteNode, Side: SideLocal, Path: "c.txt", Kind: KindFile},
		{Type: ActionDeleteNode, Side: SideRemote, Path: "c.txt", Kind: KindFile},
	}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	_, err := os.Stat(filepath.Join(dir, "c.txt"))
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, client.deleted, "remote-handle")
	assert.Nil(t, e.remoteRep.Get("c.txt"))
}

func TestExecutor_MoveNode_Local(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0o644))

	client := newFakeExecClient()
	e := newTestExecutor(t, client, dir)
	e.local.Insert(Node{Path: "old.txt", Kind: KindFile})

	plan := &Plan{Actions: []Action{{Type: ActionMoveNode, Side: SideLocal, Path: "old.txt", To: "new.txt", Kind: KindFile}}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	_, err := os.Stat(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Nil(t, e.local.Get("old.txt"))
}

func TestExecutor_RetriesTransientErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	client := newFakeExecClient()
	client.failUploadsRemaining = 1
	client.failUploadErr = icloudclient.ErrThrottled

	e := newTestExecutor(t, client, dir)

	plan := &Plan{Actions: []Action{{Type: ActionUploadFile, Side: SideRemote, Path: "a.txt", Kind: KindFile}}}

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))

	assert.GreaterOrEqual(t, time.Since(start), executorBaseBackoff)
	assert.NotNil(t, e.remoteRep.Get("a.txt"))
}

func TestExecutor_TerminalErrorIsDeadLetteredNotRetried(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	client := newFakeExecClient()
	client.failUploadsRemaining = 99
	client.failUploadErr = icloudclient.ErrForbidden

	e := newTestExecutor(t, client, dir)

	plan := &Plan{Actions: []Action{{Type: ActionUploadFile, Side: SideRemote, Path: "a.txt", Kind: KindFile}}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))
	assert.Nil(t, e.remoteRep.Get("a.txt"), "a skip-tier error must not update the replica")
}

func TestExecutor_RemoteMutationsSerializedNotConcurrent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	client := &concurrencyCheckingClient{fakeExecClient: newFakeExecClient()}
	e := newTestExecutor(t, client, dir)

	plan := &Plan{Actions: []Action{
		{Type: ActionUploadFile, Side: SideRemote, Path: "a.txt", Kind: KindFile},
		{Type: ActionUploadFile, Side: SideRemote, Path: "b.txt", Kind: KindFile},
		{Type: ActionUploadFile, Side: SideRemote, Path: "c.txt", Kind: KindFile},
	}}

	require.NoError(t, e.Execute(context.Background(), plan, defaultDebouncePeriod))
	assert.False(t, client.sawConcurrency.Load(), "remote-mutating calls must never overlap")
}

// concurrencyCheckingClient wraps fakeExecClient's Upload to detect any
// overlap between calls, proving the Executor's serialized-worker invariant.
type concurrencyCheckingClient struct {
	*fakeExecClient

	inFlight       atomic.Int32
	sawConcurrency atomic.Bool
}

func (c *concurrencyCheckingClient) Upload(ctx context.Context, parentHandle, name string, r io.Reader, size int64, mtime time.Time) (string, error) {
	if c.inFlight.Add(1) > 1 {
		c.sawConcurrency.Store(true)
	}
	defer c.inFlight.Add(-1)

	time.Sleep(5 * time.Millisecond)

	return c.fakeExecClient.Upload(ctx, parentHandle, name, r, size, mtime)
}
