package syncengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/icloud-sync/internal/ledger"
	"github.com/tonimelisma/icloud-sync/internal/remote"
)

const (
	defaultMaxRetries    = 3
	executorBaseBackoff  = 500 * time.Millisecond
	executorMaxBackoff   = 10 * time.Second
)

// Executor applies an ordered Plan against the live local and remote
// Replicas. Remote-mutating actions are serialized onto a single
// persistent worker (width 1) for the Executor's entire lifetime — this
// is an external correctness invariant (the remote service rejects
// concurrent mutations with ZONE_BUSY), not merely an optimization.
// Remote reads and local-only actions run on an elastic pool bounded by
// maxWorkers.
type Executor struct {
	client      remote.Client
	localRoot   string
	local       *Replica
	remoteRep   *Replica
	suppression *SuppressionSet
	ledger      *ledger.Store
	maxWorkers  int
	logger      *slog.Logger

	remoteHandles map[string]string // path -> remote handle, tracked alongside Replica

	serialQueue chan func(context.Context) error
	serialDone  chan struct{}
	serialWG    sync.WaitGroup
	mu          sync.Mutex
}

// NewExecutor constructs an Executor and starts its serialized remote-write
// worker. Call Stop to shut it down.
func NewExecutor(client remote.Client, localRoot string, local, remoteRep *Replica, suppression *SuppressionSet, store *ledger.Store, maxWorkers int, logger *slog.Logger) *Executor {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxScanWorkers
	}

	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		client:        client,
		localRoot:     localRoot,
		local:         local,
		remoteRep:     remoteRep,
		suppression:   suppression,
		ledger:        store,
		maxWorkers:    maxWorkers,
		logger:        logger,
		remoteHandles: make(map[string]string),
		serialQueue:   make(chan func(context.Context) error, 256),
		serialDone:    make(chan struct{}),
	}

	e.serialWG.Add(1)

	go e.runSerial()

	return e
}

func (e *Executor) runSerial() {
	defer e.serialWG.Done()

	for {
		select {
		case fn, ok := <-e.serialQueue:
			if !ok {
				return
			}

			if err := fn(context.Background()); err != nil {
				e.logger.Error("executor: serialized remote action failed", slog.Any("err", err))
			}
		case <-e.serialDone:
			return
		}
	}
}

// Stop signals the serialized worker to exit and waits for it; queued
// actions that have not started by then are not run. Safe to call once.
func (e *Executor) Stop() {
	close(e.serialDone)
	e.serialWG.Wait()
}

// quiescenceMargin is the margin added to the suppression window beyond the
// debounce period, so trailing watcher events triggered by our own write
// are reliably absorbed.
const quiescenceMargin = 2 * time.Second

// Execute applies plan in four ordered phases — moves, deletes, folder
// creations, everything else — matching the Plan ordering invariant from
// spec §4.E. Failures are classified per spec §7: retryable actions are
// retried with backoff, terminal ones are dead-lettered, and the run
// continues; only a ctx cancellation aborts the remaining phases.
func (e *Executor) Execute(ctx context.Context, plan *Plan, debouncePeriod time.Duration) error {
	phases := [][]Action{{}, {}, {}, {}}
	for _, a := range plan.Actions {
		phases[orderRank(a)] = append(phases[orderRank(a)], a)
	}

	for _, phase := range phases {
		if err := e.runPhase(ctx, phase, debouncePeriod); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}

// runPhase executes one ordering phase, batching by path depth so that a
// shallower/child-first dependency within the phase is still honored on
// the elastic pool (which otherwise offers no ordering guarantee).
func (e *Executor) runPhase(ctx context.Context, actions []Action, debouncePeriod time.Duration) error {
	if len(actions) == 0 {
		return nil
	}

	depthAsc := actions[0].Type == ActionCreateFolder
	depthOrder := groupByDepth(actions, depthAsc)

	for _, batch := range depthOrder {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxWorkers)

		for _, a := range batch {
			action := a

			if isRemoteMutating(action) {
				done := make(chan error, 1)
				e.enqueueSerial(func(sctx context.Context) error {
					done <- e.runWithRetry(sctx, action, debouncePeriod)
					return nil
				})

				g.Go(func() error {
					select {
					case <-done:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})

				continue
			}

			g.Go(func() error {
				_ = e.runWithRetry(gctx, action, debouncePeriod)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}

	return nil
}

func (e *Executor) enqueueSerial(fn func(context.Context) error) {
	e.serialQueue <- fn
}

// groupByDepth buckets actions by path depth. If asc, shallowest depth runs
// first (folder creates); otherwise deepest first (deletes).
func groupByDepth(actions []Action, asc bool) [][]Action {
	byDepth := make(map[int][]Action)
	for _, a := range actions {
		d := pathDepth(a.Path)
		byDepth[d] = append(byDepth[d], a)
	}

	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}

	sort.Ints(depths)
	if !asc {
		sort.Sort(sort.Reverse(sort.IntSlice(depths)))
	}

	out := make([][]Action, 0, len(depths))
	for _, d := range depths {
		out = append(out, byDepth[d])
	}

	return out
}

func isRemoteMutating(a Action) bool {
	if a.Side != SideRemote {
		return false
	}

	switch a.Type {
	case ActionCreateFolder, ActionDeleteNode, ActionUploadFile, ActionMoveNode:
		return true
	default:
		return false
	}
}

// runWithRetry executes a single action with bounded retry/backoff on
// transient failures, dead-lettering on exhaustion or terminal error.
func (e *Executor) runWithRetry(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	var lastErr error

	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		err := e.runOnce(ctx, a, debouncePeriod)
		if err == nil {
			return nil
		}

		lastErr = err
		tier := classifyError(err)

		switch tier {
		case ErrorFatal:
			e.logger.Error("executor: fatal error, aborting action", slog.String("path", a.Path), slog.Any("err", err))
			return err
		case ErrorSkip:
			e.deadLetter(a, err)
			return nil
		default: // ErrorRetryable
			backoff := executorBaseBackoff << attempt
			if backoff > executorMaxBackoff {
				backoff = executorMaxBackoff
			}

			e.logger.Warn("executor: retrying action", slog.String("path", a.Path), slog.Int("attempt", attempt), slog.Any("err", err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	e.deadLetter(a, lastErr)

	return nil
}

func (e *Executor) deadLetter(a Action, err error) {
	e.logger.Error("executor: action dead-lettered after exhausting retries",
		slog.String("type", a.Type.String()), slog.String("path", a.Path), slog.Any("err", err))

	if e.ledger != nil {
		if lerr := e.ledger.RecordDeadLetter(a.Type.String(), a.Side.String(), a.Path, err.Error()); lerr != nil {
			e.logger.Error("executor: failed to record dead letter", slog.Any("err", lerr))
		}
	}
}

func (e *Executor) localPath(p string) string {
	return filepath.Join(e.localRoot, filepath.FromSlash(p))
}

func (e *Executor) suppressionWindow(debouncePeriod time.Duration) time.Duration {
	return debouncePeriod + quiescenceMargin
}

// runOnce dispatches a to the concrete per-type handler and, on success,
// updates the live Replica to reflect it.
func (e *Executor) runOnce(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	switch a.Type {
	case ActionCreateFolder:
		return e.execCreateFolder(ctx, a, debouncePeriod)
	case ActionDeleteNode:
		return e.execDelete(ctx, a, debouncePeriod)
	case ActionUploadFile:
		return e.execUpload(ctx, a)
	case ActionDownloadFile:
		return e.execDownload(ctx, a, debouncePeriod)
	case ActionMoveNode:
		return e.execMove(ctx, a, debouncePeriod)
	case ActionSetMTime:
		return e.execSetMTime(ctx, a, debouncePeriod)
	default:
		return fmt.Errorf("executor: unknown action type %v", a.Type)
	}
}

func (e *Executor) execCreateFolder(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	if a.Side == SideLocal {
		e.suppression.Add(a.Path, e.suppressionWindow(debouncePeriod))

		if err := os.MkdirAll(e.localPath(a.Path), 0o755); err != nil {
			return fmt.Errorf("creating local folder %q: %w", a.Path, err)
		}

		e.local.Insert(Node{Path: a.Path, Kind: KindFolder})

		return nil
	}

	parentHandle := e.parentHandle(a.Path)

	handle, err := e.client.CreateFolder(ctx, parentHandle, filepath.Base(a.Path))
	if err != nil {
		return fmt.Errorf("creating remote folder %q: %w", a.Path, err)
	}

	e.setHandle(a.Path, handle)
	e.remoteRep.Insert(Node{Path: a.Path, Kind: KindFolder, Handle: handle})

	return nil
}

func (e *Executor) execDelete(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	if a.Side == SideLocal {
		e.suppression.Add(a.Path, e.suppressionWindow(debouncePeriod))

		full := e.localPath(a.Path)
		if a.Kind == KindFolder {
			if err := os.RemoveAll(full); err != nil {
				return fmt.Errorf("deleting local folder %q: %w", a.Path, err)
			}
		} else if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting local file %q: %w", a.Path, err)
		}

		e.local.Remove(a.Path)

		return nil
	}

	handle := e.handleFor(a.Path)
	if handle == "" {
		return nil // already gone
	}

	if err := e.client.Delete(ctx, handle); err != nil {
		return fmt.Errorf("deleting remote %q: %w", a.Path, err)
	}

	e.clearHandle(a.Path)
	e.remoteRep.Remove(a.Path)

	return nil
}

func (e *Executor) execUpload(ctx context.Context, a Action) error {
	full := e.localPath(a.Path)

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("opening %q for upload: %w", a.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat-ing %q for upload: %w", a.Path, err)
	}

	parentHandle := e.parentHandle(a.Path)
	uploadMTime := RoundUpToSeconds(info.ModTime())

	handle, err := e.client.Upload(ctx, parentHandle, filepath.Base(a.Path), f, info.Size(), uploadMTime)
	if err != nil {
		return fmt.Errorf("uploading %q: %w", a.Path, err)
	}

	e.setHandle(a.Path, handle)
	e.remoteRep.Insert(Node{Path: a.Path, Kind: KindFile, Size: info.Size(), MTime: uploadMTime, Handle: handle})

	return nil
}

// execDownload downloads to a .partial sibling and atomically renames it
// into place, so a crash mid-transfer never leaves a half-written file at
// the final path.
func (e *Executor) execDownload(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	e.suppression.Add(a.Path, e.suppressionWindow(debouncePeriod))

	full := e.localPath(a.Path)
	partial := full + ".partial"

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", a.Path, err)
	}

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("creating partial file for %q: %w", a.Path, err)
	}

	handle := e.handleFor(a.Path)

	if dlErr := e.client.Download(ctx, handle, out); dlErr != nil {
		out.Close()
		os.Remove(partial)

		return fmt.Errorf("downloading %q: %w", a.Path, dlErr)
	}

	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("closing partial file for %q: %w", a.Path, err)
	}

	if err := os.Rename(partial, full); err != nil {
		return fmt.Errorf("renaming partial file into place for %q: %w", a.Path, err)
	}

	if err := os.Chtimes(full, a.MTime, a.MTime); err != nil {
		e.logger.Warn("executor: failed to set mtime after download", slog.String("path", a.Path), slog.Any("err", err))
	}

	e.local.Insert(Node{Path: a.Path, Kind: KindFile, Size: a.Size, MTime: a.MTime})

	return nil
}

func (e *Executor) execMove(ctx context.Context, a Action, debouncePeriod time.Duration) error {
	if a.Side == SideLocal {
		e.suppression.Add(a.Path, e.suppressionWindow(debouncePeriod))
		e.suppression.Add(a.To, e.suppressionWindow(debouncePeriod))

		dst := e.localPath(a.To)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating destination parent for move to %q: %w", a.To, err)
		}

		if err := os.Rename(e.localPath(a.Path), dst); err != nil {
			return fmt.Errorf("moving local %q to %q: %w", a.Path, a.To, err)
		}

		e.local.Move(a.Path, a.To)

		return nil
	}

	handle := e.handleFor(a.Path)

	newParent := e.parentHandle(a.To)
	if err := e.client.Move(ctx, handle, newParent, filepath.Base(a.To)); err != nil {
		return fmt.Errorf("moving remote %q to %q: %w", a.Path, a.To, err)
	}

	e.moveHandle(a.Path, a.To)
	e.remoteRep.Move(a.Path, a.To)

	return nil
}

func (e *Executor) execSetMTime(_ context.Context, a Action, debouncePeriod time.Duration) error {
	if a.Side != SideLocal {
		// Remote mtime is set implicitly by Upload; nothing more to do.
		return nil
	}

	e.suppression.Add(a.Path, e.suppressionWindow(debouncePeriod))

	full := e.localPath(a.Path)
	if err := os.Chtimes(full, a.MTime, a.MTime); err != nil {
		return fmt.Errorf("setting mtime on %q: %w", a.Path, err)
	}

	if n := e.local.Get(a.Path); n != nil {
		n.MTime = a.MTime
		e.local.Insert(*n)
	}

	return nil
}

func (e *Executor) parentHandle(p string) string {
	parent := filepath.Dir(filepath.FromSlash(p))
	if parent == "." || parent == "/" {
		return ""
	}

	return e.handleFor(NormalizePath(parent))
}

func (e *Executor) handleFor(p string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.remoteHandles[p]
}

func (e *Executor) setHandle(p, handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.remoteHandles[p] = handle
}

func (e *Executor) clearHandle(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.remoteHandles, p)
}

func (e *Executor) moveHandle(from, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.remoteHandles[from]; ok {
		delete(e.remoteHandles, from)
		e.remoteHandles[to] = h
	}
}

// SyncHandles rebuilds the path -> remote handle map from a freshly scanned
// remote Replica snapshot. Called after every scan (Bootstrap, FullRefresh)
// so parentHandle/handleFor can resolve nodes the Executor itself never
// created or moved.
func (e *Executor) SyncHandles(nodes []Node) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, n := range nodes {
		if n.Handle != "" {
			e.remoteHandles[n.Path] = n.Handle
		}
	}
}

var _ io.Writer = (*os.File)(nil)
