// Package remote defines the narrow capability set the synchronization
// core needs from an iCloud Drive session. Authentication, cookie
// persistence, and 2FA are entirely inside the concrete implementation in
// icloudclient; the core only ever sees this interface.
package remote

import (
	"context"
	"io"
	"time"
)

// ItemKind mirrors the remote item kinds the core understands. Kinds it
// does not understand (e.g. application bundles reported as app_library)
// are surfaced as KindOther and always skipped by the scanner.
type ItemKind int

const (
	KindFile ItemKind = iota
	KindFolder
	KindOther
)

// Entry is a single child returned by ListFolder.
type Entry struct {
	Name            string
	Kind            ItemKind
	Size            int64
	MTime           time.Time
	Handle          string
	DeclaredChildren int // folders only
}

// RootInfo is returned by ListRoot: the root handle plus the two
// integrity/change-indicator counters used by the Remote Scanner's
// integrity gate and cheap change-check (spec §4.C).
type RootInfo struct {
	Handle           string
	DeclaredFileCount int
	TrashCount       int
}

// Client is the capability set consumed by the syncengine package. It is
// defined here, in the consuming side's module, per the accept-interfaces
// convention; icloudclient.Client satisfies it.
type Client interface {
	ListRoot(ctx context.Context) (RootInfo, error)
	ListFolder(ctx context.Context, handle string) ([]Entry, error)
	Download(ctx context.Context, handle string, w io.Writer) error
	Upload(ctx context.Context, parentHandle, name string, r io.Reader, size int64, mtime time.Time) (handle string, err error)
	CreateFolder(ctx context.Context, parentHandle, name string) (handle string, err error)
	Delete(ctx context.Context, handle string) error
	Move(ctx context.Context, handle, newParentHandle, newName string) error
}
