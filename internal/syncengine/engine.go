package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/icloud-sync/internal/ledger"
	"github.com/tonimelisma/icloud-sync/internal/remote"
)

// EngineConfig bundles everything SyncEngine needs to run a sync cycle.
type EngineConfig struct {
	SyncRoot       string
	Client         remote.Client
	Filter         *Filter
	MaxWorkers     int
	DebouncePeriod time.Duration
	SnapshotDir    string // empty disables state-snapshot dumps
	Ledger         *ledger.Store
	Logger         *slog.Logger
}

// SyncEngine owns the live Replicas and wires the Scanners, Reconciler,
// Executor, and Watcher together into the Bootstrap operation and the
// DrainWatcher/CheapChangeCheck/FullRefresh operations the Scheduler drives.
type SyncEngine struct {
	cfg EngineConfig

	mu          sync.RWMutex
	local       *Replica
	remoteRep   *Replica
	declaredCnt int
	trashCount  int

	suppression *SuppressionSet
	reconciler  *Reconciler
	executor    *Executor
	watcher     *Watcher

	logger *slog.Logger
}

var _ schedulerEngine = (*SyncEngine)(nil)

// NewSyncEngine constructs a SyncEngine with empty live Replicas. Call
// Bootstrap before starting the Scheduler to perform the initial scan and
// reconciliation (spec §2 "Data flow").
func NewSyncEngine(cfg EngineConfig) *SyncEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	local := NewReplica()
	remoteRep := NewReplica()
	suppression := NewSuppressionSet()

	e := &SyncEngine{
		cfg:         cfg,
		local:       local,
		remoteRep:   remoteRep,
		suppression: suppression,
		reconciler:  NewReconciler(logger, cfg.Ledger),
		logger:      logger,
	}

	e.executor = NewExecutor(cfg.Client, cfg.SyncRoot, local, remoteRep, suppression, cfg.Ledger, cfg.MaxWorkers, logger)

	return e
}

// Bootstrap performs the initial local and remote scans and executes the
// cross-side convergence plan, establishing the steady-state Replicas.
func (e *SyncEngine) Bootstrap(ctx context.Context) error {
	localScanner := NewLocalScanner(e.cfg.SyncRoot, e.cfg.Filter, e.logger)
	remoteScanner := NewRemoteScanner(e.cfg.Client, e.cfg.Filter, e.cfg.MaxWorkers, e.logger)

	localResult, err := localScanner.FullScan()
	if err != nil {
		return fmt.Errorf("initial local scan: %w", err)
	}

	remoteResult, err := remoteScanner.FullScan(ctx)
	if err != nil {
		return fmt.Errorf("initial remote scan: %w", err)
	}

	e.mu.Lock()
	e.local = localResult
	e.remoteRep = remoteResult.Replica
	e.declaredCnt = remoteResult.DeclaredFileCount
	e.trashCount = remoteResult.TrashCount
	e.mu.Unlock()

	e.executor = NewExecutor(e.cfg.Client, e.cfg.SyncRoot, e.local, e.remoteRep, e.suppression, e.cfg.Ledger, e.cfg.MaxWorkers, e.logger)
	e.executor.SyncHandles(e.remoteRep.Snapshot())

	plan := e.reconciler.ReconcileCrossSide(e.local, e.remoteRep)

	e.dumpSnapshot("local-after", e.local.Snapshot())
	e.dumpSnapshot("remote-after", e.remoteRep.Snapshot())

	if plan.IsEmpty() {
		return nil
	}

	return e.executor.Execute(ctx, plan, e.cfg.DebouncePeriod)
}

// BootstrapPlan performs the same local and remote scans as Bootstrap and
// returns the resulting cross-side plan without executing it or mutating
// the engine's live Replicas. Used by the CLI's --dry-run mode.
func (e *SyncEngine) BootstrapPlan(ctx context.Context) (*Plan, error) {
	localScanner := NewLocalScanner(e.cfg.SyncRoot, e.cfg.Filter, e.logger)
	remoteScanner := NewRemoteScanner(e.cfg.Client, e.cfg.Filter, e.cfg.MaxWorkers, e.logger)

	local, err := localScanner.FullScan()
	if err != nil {
		return nil, fmt.Errorf("local scan: %w", err)
	}

	remoteResult, err := remoteScanner.FullScan(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote scan: %w", err)
	}

	return e.reconciler.ReconcileCrossSide(local, remoteResult.Replica), nil
}

// StartWatcher wires a Watcher over the sync root into this Engine's
// suppression set and filter, and begins consuming raw filesystem events.
func (e *SyncEngine) StartWatcher(fsw FsWatcher, stop <-chan struct{}) error {
	e.watcher = NewWatcher(e.cfg.SyncRoot, e.cfg.Filter, e.suppression, fsw, e.cfg.DebouncePeriod, e.logger)
	return e.watcher.Start(stop)
}

// DrainWatcher consumes any pending released ChangeRecord batches and
// reconciles them against the live replicas. It is non-blocking: with no
// pending records it returns immediately.
func (e *SyncEngine) DrainWatcher(ctx context.Context) error {
	if e.watcher == nil {
		return nil
	}

	for {
		select {
		case batch := <-e.watcher.Records():
			if err := e.applyLocalChanges(ctx, batch); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// applyLocalChanges folds a batch of watcher records into the live local
// Replica, then runs the full cross-side reconciler over both live
// Replicas; the reconcile is not limited to the paths in the batch.
func (e *SyncEngine) applyLocalChanges(ctx context.Context, batch []ChangeRecord) error {
	e.mu.Lock()
	for _, r := range batch {
		switch r.Kind {
		case RecordDelete:
			e.local.Remove(r.Path)
		case RecordMove:
			e.local.Move(r.From, r.Path)
		case RecordUpsert:
			kind := KindFile
			if r.IsDir {
				kind = KindFolder
			}

			e.local.Insert(Node{Path: r.Path, Kind: kind, Size: r.Size, MTime: r.MTime})
		}
	}
	e.mu.Unlock()

	plan := e.reconciler.ReconcileCrossSide(e.local, e.remoteRep)
	if plan.IsEmpty() {
		return nil
	}

	return e.executor.Execute(ctx, plan, e.cfg.DebouncePeriod)
}

// CheapChangeCheck fetches the remote root's declared counters and compares
// them against the values recorded at the last successful full refresh.
func (e *SyncEngine) CheapChangeCheck(ctx context.Context) (bool, error) {
	scanner := NewRemoteScanner(e.cfg.Client, e.cfg.Filter, e.cfg.MaxWorkers, e.logger)

	declared, trash, err := scanner.CheapChangeCheck(ctx)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	changed := declared != e.declaredCnt || trash != e.trashCount
	e.mu.RUnlock()

	return changed, nil
}

// FullRefresh builds a fresh remote candidate, detects same-side moves
// against the live remote Replica, executes the resulting plan (which also
// updates the local side where needed), then reconciles whatever remains
// cross-side. On integrity-gate failure the candidate is discarded and the
// live Replica is left untouched, per spec §4.C.
//
// Every cycle dumps the five state snapshots spec §6 requires for forensic
// diffing: local-before/remote-before (state entering the cycle),
// remote-candidate (the freshly scanned tree, before same-side reconcile
// runs against it), and local-after/remote-after (state once the cycle
// settles, dumped via defer so a mid-cycle error still leaves a record). The
// same defer records the cycle's outcome and wall time to refresh_history
// (spec §3's supplemented sync-cycle history), when a ledger is configured.
func (e *SyncEngine) FullRefresh(ctx context.Context) (err error) {
	scanner := NewRemoteScanner(e.cfg.Client, e.cfg.Filter, e.cfg.MaxWorkers, e.logger)

	startedAt := time.Now()

	e.mu.RLock()
	liveRemote := e.remoteRep
	localBefore := e.local.Snapshot()
	remoteBefore := liveRemote.Snapshot()
	e.mu.RUnlock()

	e.dumpSnapshot("local-before", localBefore)
	e.dumpSnapshot("remote-before", remoteBefore)

	defer func() {
		e.mu.RLock()
		localAfter := e.local.Snapshot()
		remoteAfter := e.remoteRep.Snapshot()
		e.mu.RUnlock()

		e.dumpSnapshot("local-after", localAfter)
		e.dumpSnapshot("remote-after", remoteAfter)

		if e.cfg.Ledger == nil {
			return
		}

		outcome, detail := "ok", ""
		if err != nil {
			outcome, detail = "error", err.Error()
		}

		if rerr := e.cfg.Ledger.RecordRefreshCycle(startedAt, time.Since(startedAt), outcome, detail); rerr != nil {
			e.logger.Warn("refresh: recording refresh cycle failed", slog.Any("error", rerr))
		}
	}()

	result, err := scanner.FullScan(ctx)
	if err != nil {
		return err
	}

	e.dumpSnapshot("remote-candidate", result.Replica.Snapshot())

	samePlan := e.reconciler.ReconcileSameSide(liveRemote, result.Replica, SideRemote)

	e.mu.Lock()
	e.remoteRep = result.Replica
	e.declaredCnt = result.DeclaredFileCount
	e.trashCount = result.TrashCount
	e.mu.Unlock()

	e.executor.remoteRep = e.remoteRep
	e.executor.SyncHandles(e.remoteRep.Snapshot())

	if !samePlan.IsEmpty() {
		// Mirror the remote-side delta onto local before the final
		// cross-side pass, so a remote rename becomes a local rename too
		// instead of a spurious delete+download.
		mirrored := mirrorToLocal(samePlan)
		if err := e.executor.Execute(ctx, mirrored, e.cfg.DebouncePeriod); err != nil {
			return err
		}
	}

	plan := e.reconciler.ReconcileCrossSide(e.local, e.remoteRep)
	if plan.IsEmpty() {
		return nil
	}

	return e.executor.Execute(ctx, plan, e.cfg.DebouncePeriod)
}

// mirrorToLocal converts a remote same-side plan into the equivalent local
// actions (a remote move becomes a local move, a remote delete becomes a
// local delete, a remote create becomes a local download), so both
// replicas move in lockstep rather than relying on a second reconcile pass
// to notice the remote side already has the new path.
func mirrorToLocal(p *Plan) *Plan {
	out := &Plan{}

	for _, a := range p.Actions {
		switch a.Type {
		case ActionMoveNode:
			out.Actions = append(out.Actions, Action{Type: ActionMoveNode, Side: SideLocal, Path: a.Path, To: a.To, Kind: a.Kind})
		case ActionDeleteNode:
			out.Actions = append(out.Actions, Action{Type: ActionDeleteNode, Side: SideLocal, Path: a.Path, Kind: a.Kind})
		case ActionCreateFolder:
			out.Actions = append(out.Actions, Action{Type: ActionCreateFolder, Side: SideLocal, Path: a.Path, Kind: KindFolder})
		case ActionUploadFile, ActionDownloadFile:
			out.Actions = append(out.Actions, Action{Type: ActionDownloadFile, Side: SideLocal, Path: a.Path, Kind: KindFile, Size: a.Size, MTime: a.MTime})
		}
	}

	return out
}

// Close stops the executor's serialized worker.
func (e *SyncEngine) Close() {
	e.executor.Stop()
}

// LocalSnapshot and RemoteSnapshot expose read-only Replica snapshots for
// the status CLI command.
func (e *SyncEngine) LocalSnapshot() []Node {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.local.Snapshot()
}

func (e *SyncEngine) RemoteSnapshot() []Node {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.remoteRep.Snapshot()
}
