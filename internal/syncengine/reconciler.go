package syncengine

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/tonimelisma/icloud-sync/internal/ledger"
)

// Reconciler computes diffs between Replicas and emits ordered Plans, per
// spec §4.E. Its only mutable state is an optional ledger.Store used to
// record standoffs and kind-mismatches for "icloud-sync conflicts"/"resolve"
// (spec §7); a nil store (e.g. in tests) just skips recording.
type Reconciler struct {
	logger *slog.Logger
	ledger *ledger.Store
}

// NewReconciler constructs a Reconciler. store may be nil, in which case
// detected conflicts are logged but not recorded.
func NewReconciler(logger *slog.Logger, store *ledger.Store) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{logger: logger, ledger: store}
}

// ReconcileSameSide detects renames/moves between a previously-live Replica
// and a freshly scanned candidate on the *same* side, then emits Delete and
// Create/transfer actions for everything else that changed. A unique
// (size, mtime, kind) match between a vanished path and an appeared path is
// reported as a single MoveNode rather than delete+create.
func (r *Reconciler) ReconcileSameSide(live, candidate *Replica, side Side) *Plan {
	liveSnap := live.Snapshot()
	candSnap := candidate.Snapshot()

	liveByPath := snapshotIndex(liveSnap)
	candByPath := snapshotIndex(candSnap)

	var vanished, appeared []Node

	for p, n := range liveByPath {
		if _, ok := candByPath[p]; !ok {
			vanished = append(vanished, n)
		}
	}

	for p, n := range candByPath {
		if _, ok := liveByPath[p]; !ok {
			appeared = append(appeared, n)
		}
	}

	moved := make(map[string]bool) // vanished path -> matched
	moves := r.matchMoves(vanished, appeared, moved, side)

	plan := &Plan{}
	plan.Actions = append(plan.Actions, moves...)

	for _, n := range vanished {
		if moved[n.Path] {
			continue
		}

		plan.Actions = append(plan.Actions, Action{Type: ActionDeleteNode, Side: side, Path: n.Path, Kind: n.Kind})
	}

	for _, n := range appeared {
		if isMoveDestination(n.Path, moves) {
			continue
		}

		if n.Kind == KindFolder {
			plan.Actions = append(plan.Actions, Action{Type: ActionCreateFolder, Side: side, Path: n.Path, Kind: KindFolder})
			continue
		}

		at := ActionUploadFile
		if side == SideLocal {
			at = ActionDownloadFile
		}

		plan.Actions = append(plan.Actions, Action{Type: at, Side: side, Path: n.Path, Kind: KindFile, Size: n.Size, MTime: n.MTime})
	}

	r.order(plan)

	return plan
}

// matchMoves pairs each vanished Node with a unique (size, mtime, kind)
// match among appeared Nodes. A key matched by more than one vanished or
// appeared node is treated as ambiguous and left to delete+create, per the
// "unique match only" rule in spec §4.E.
func (r *Reconciler) matchMoves(vanished, appeared []Node, moved map[string]bool, side Side) []Action {
	type key struct {
		size  int64
		mtime int64
		kind  Kind
	}

	vanByKey := make(map[key][]Node)
	for _, n := range vanished {
		k := key{n.Size, n.MTime.Unix(), n.Kind}
		vanByKey[k] = append(vanByKey[k], n)
	}

	appByKey := make(map[key][]Node)
	for _, n := range appeared {
		k := key{n.Size, n.MTime.Unix(), n.Kind}
		appByKey[k] = append(appByKey[k], n)
	}

	var moves []Action

	for k, vans := range vanByKey {
		apps, ok := appByKey[k]
		if !ok || len(vans) != 1 || len(apps) != 1 {
			continue
		}

		from, to := vans[0], apps[0]
		if from.Path == to.Path {
			continue
		}

		moved[from.Path] = true
		moves = append(moves, Action{Type: ActionMoveNode, Side: side, Path: from.Path, To: to.Path, Kind: from.Kind})
	}

	return moves
}

func isMoveDestination(p string, moves []Action) bool {
	for _, m := range moves {
		if m.To == p {
			return true
		}
	}

	return false
}

// ReconcileCrossSide diffs local and remote Replicas and emits the
// bidirectional convergence plan per spec §4.E's cross-side rules.
func (r *Reconciler) ReconcileCrossSide(local, remote *Replica) *Plan {
	localSnap := snapshotIndex(local.Snapshot())
	remoteSnap := snapshotIndex(remote.Snapshot())

	allPaths := make(map[string]bool, len(localSnap)+len(remoteSnap))
	for p := range localSnap {
		allPaths[p] = true
	}

	for p := range remoteSnap {
		allPaths[p] = true
	}

	plan := &Plan{}

	for p := range allPaths {
		ln, lok := localSnap[p]
		rn, rok := remoteSnap[p]

		switch {
		case lok && !rok:
			plan.Actions = append(plan.Actions, r.createOnOtherSide(ln, SideRemote)...)
		case rok && !lok:
			plan.Actions = append(plan.Actions, r.createOnOtherSide(rn, SideLocal)...)
		case ln.Kind != rn.Kind:
			r.logger.Warn("reconciler: kind mismatch, skipping", slog.String("path", p),
				slog.String("local_kind", ln.Kind.String()), slog.String("remote_kind", rn.Kind.String()))
			r.recordConflict(p, "kind_mismatch")
		case ln.Kind == KindFolder:
			// both folders: nothing to do at this level, children handled by
			// their own entries in allPaths.
		default:
			if a, ok := r.diffFiles(ln, rn); ok {
				plan.Actions = append(plan.Actions, a)
			}
		}
	}

	r.order(plan)

	return plan
}

// createOnOtherSide emits the action(s) needed to bring n (present only on
// its own side) into existence on the opposite side.
func (r *Reconciler) createOnOtherSide(n Node, target Side) []Action {
	if n.Kind == KindFolder {
		return []Action{{Type: ActionCreateFolder, Side: target, Path: n.Path, Kind: KindFolder}}
	}

	at := ActionDownloadFile
	if target == SideRemote {
		at = ActionUploadFile
	}

	return []Action{{Type: at, Side: target, Path: n.Path, Kind: KindFile, Size: n.Size, MTime: n.MTime}}
}

// diffFiles applies the file comparison matrix: equal, standoff, or
// newer-wins. Returns ok=false when no action is needed (equal).
func (r *Reconciler) diffFiles(local, remote Node) (Action, bool) {
	sameMTime := mtimeEqual(local.MTime, remote.MTime)

	switch {
	case sameMTime && local.Size == remote.Size:
		return Action{}, false
	case sameMTime && local.Size != remote.Size:
		r.logger.Warn("reconciler: standoff (equal mtime, different size)",
			slog.String("path", local.Path), slog.Int64("local_size", local.Size), slog.Int64("remote_size", remote.Size))
		r.recordConflict(local.Path, "standoff")

		return Action{}, false
	case local.MTime.After(remote.MTime):
		return Action{Type: ActionUploadFile, Side: SideRemote, Path: local.Path, Kind: KindFile, Size: local.Size, MTime: local.MTime}, true
	default:
		return Action{Type: ActionDownloadFile, Side: SideLocal, Path: remote.Path, Kind: KindFile, Size: remote.Size, MTime: remote.MTime}, true
	}
}

// recordConflict appends a conflict row for an operator to later resolve via
// "icloud-sync resolve" (spec §7). Recording failures are logged, not
// propagated: a failed write to the ledger must never block reconciliation.
func (r *Reconciler) recordConflict(path, conflictType string) {
	if r.ledger == nil {
		return
	}

	if err := r.ledger.RecordConflict(path, conflictType); err != nil {
		r.logger.Warn("reconciler: recording conflict failed", slog.String("path", path), slog.Any("error", err))
	}
}

func snapshotIndex(nodes []Node) map[string]Node {
	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.Path] = n
	}

	return m
}

// pathDepth returns the number of path segments, used to order folder
// creations shallowest-first and deletions deepest-first.
func pathDepth(p string) int {
	if p == "" {
		return 0
	}

	return strings.Count(p, "/") + 1
}

// order sorts plan.Actions to satisfy spec §4.E's ordering invariant:
// folder creations precede actions on their contents; child deletions
// precede parent deletions; moves precede creations that might reuse a
// freed path.
func (r *Reconciler) order(plan *Plan) {
	sort.SliceStable(plan.Actions, func(i, j int) bool {
		a, b := plan.Actions[i], plan.Actions[j]

		ra, rb := orderRank(a), orderRank(b)
		if ra != rb {
			return ra < rb
		}

		switch a.Type {
		case ActionCreateFolder:
			if pathDepth(a.Path) != pathDepth(b.Path) {
				return pathDepth(a.Path) < pathDepth(b.Path)
			}
		case ActionDeleteNode:
			if pathDepth(a.Path) != pathDepth(b.Path) {
				return pathDepth(a.Path) > pathDepth(b.Path)
			}
		}

		return a.Path < b.Path
	})
}

// orderRank assigns a coarse phase number: moves, then deletes, then folder
// creations, then everything else (uploads/downloads/set-mtime).
func orderRank(a Action) int {
	switch a.Type {
	case ActionMoveNode:
		return 0
	case ActionDeleteNode:
		return 1
	case ActionCreateFolder:
		return 2
	default:
		return 3
	}
}
