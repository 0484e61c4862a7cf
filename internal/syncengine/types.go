// Package syncengine implements the bidirectional synchronization core:
// the in-memory replica model, the local and remote scanners, the
// reconciler that diffs two replicas into an ordered plan, the action
// executor, the filesystem watcher, and the scheduler that ties them
// together.
package syncengine

import (
	"time"
)

// Kind distinguishes a folder Node from a file Node.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}

	return "file"
}

// Node represents a single entity — a file or folder — on one side of the
// sync. Path is POSIX-normalized (forward slashes) and relative to the sync
// root. MTime is truncated to whole seconds; the remote side rounds up on
// write, so comparisons tolerate a 1-second delta (see mtimeEqual).
type Node struct {
	Path   string
	Kind   Kind
	Size   int64
	MTime  time.Time
	Handle string // opaque remote identifier; empty for local-only nodes

	// ChildCount is the remote-declared child count for folders, as reported
	// by the listing. Nothing reads it: the integrity gate compares only the
	// root's declared file count. Zero for files and for locally-scanned
	// folders.
	ChildCount int
}

// NowTruncated returns the current time truncated to whole seconds, matching
// the resolution the remote side stores.
func NowTruncated() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// TruncateToSeconds drops sub-second precision, matching remote storage
// resolution.
func TruncateToSeconds(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// RoundUpToSeconds is what the remote side does to a local mtime on upload:
// it rounds up to the next whole second rather than truncating.
func RoundUpToSeconds(t time.Time) time.Time {
	u := t.UTC()
	if u.Nanosecond() == 0 {
		return u.Truncate(time.Second)
	}

	return u.Truncate(time.Second).Add(time.Second)
}

// mtimeTolerance is the equality window used whenever two Node mtimes are
// compared. It absorbs the truncate-vs-round-up asymmetry between local and
// remote timestamp storage.
const mtimeTolerance = time.Second

// mtimeEqual reports whether a and b are equal within mtimeTolerance.
func mtimeEqual(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}

	return d <= mtimeTolerance
}

// ActionType enumerates the kinds of mutation a Plan can contain.
type ActionType int

const (
	ActionCreateFolder ActionType = iota
	ActionDeleteNode
	ActionUploadFile
	ActionDownloadFile
	ActionMoveNode
	ActionSetMTime
)

func (t ActionType) String() string {
	switch t {
	case ActionCreateFolder:
		return "create_folder"
	case ActionDeleteNode:
		return "delete"
	case ActionUploadFile:
		return "upload"
	case ActionDownloadFile:
		return "download"
	case ActionMoveNode:
		return "move"
	case ActionSetMTime:
		return "set_mtime"
	default:
		return "unknown"
	}
}

// Side identifies which replica an Action targets.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}

	return "local"
}

// Action is a single unit of work in a Plan. Not every field applies to
// every ActionType; see the Plan ordering rules in Reconciler for which
// fields are populated for which type.
type Action struct {
	Type  ActionType
	Side  Side
	Path  string
	To    string // destination path, MoveNode only
	Kind  Kind
	Size  int64
	MTime time.Time
}

// Plan is an ordered sequence of Actions produced by the Reconciler. Order
// matters: folder creations precede actions on their contents; child
// deletions precede parent deletions; moves precede creations that might
// reuse a freed path. See Reconciler.order.
type Plan struct {
	Actions []Action
}

// TotalActions returns the number of actions in the plan.
func (p *Plan) TotalActions() int {
	return len(p.Actions)
}

// IsEmpty reports whether the plan has no actions.
func (p *Plan) IsEmpty() bool {
	return len(p.Actions) == 0
}
