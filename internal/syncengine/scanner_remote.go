package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/icloud-sync/internal/remote"
)

// defaultMaxScanWorkers bounds the remote BFS worker pool when the caller
// does not override it (CLI --max-workers).
const defaultMaxScanWorkers = 32

// RemoteScanner walks the remote tree in parallel, producing a fresh
// candidate Replica, and applies the integrity gate from spec §4.C.
type RemoteScanner struct {
	client     remote.Client
	filter     *Filter
	maxWorkers int
	logger     *slog.Logger
}

// NewRemoteScanner constructs a RemoteScanner. maxWorkers <= 0 uses the
// default of 32.
func NewRemoteScanner(client remote.Client, filter *Filter, maxWorkers int, logger *slog.Logger) *RemoteScanner {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxScanWorkers
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteScanner{client: client, filter: filter, maxWorkers: maxWorkers, logger: logger}
}

// ScanResult bundles a freshly scanned candidate Replica with the root
// counters needed by the integrity gate and the cheap change-check.
type ScanResult struct {
	Replica           *Replica
	DeclaredFileCount int
	TrashCount        int
	RootHandle        string
}

// FullScan performs a full parallel BFS of the remote tree and applies the
// integrity gate. On mismatch it returns ErrRefreshInconsistent and a nil
// result; the caller must discard any partial state (the candidate Replica
// built here is never exposed to the caller on failure).
func (s *RemoteScanner) FullScan(ctx context.Context) (*ScanResult, error) {
	root, err := s.client.ListRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote root: %w", err)
	}

	candidate := NewReplica()
	candidate.TrashCount = root.TrashCount

	// g itself is unbounded: walkFolder recurses by spawning a g.Go task per
	// child subfolder from within an already-running task, and errgroup's own
	// SetLimit would block that nested Go call while the parent still holds a
	// slot, deadlocking once maxWorkers folders are simultaneously recursing.
	// Concurrency is bounded instead by sem, acquired around the ListFolder
	// call and released before any recursive walkFolder call, so a listing
	// goroutine never holds a slot while it waits for its children's slots.
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.maxWorkers)

	s.walkFolder(g, gctx, sem, candidate, root.Handle, "")

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scanning remote tree: %w", err)
	}

	counted := candidate.CountFiles()
	if counted != root.DeclaredFileCount {
		s.logger.Warn("remote scan: integrity gate failed",
			slog.Int("declared", root.DeclaredFileCount), slog.Int("counted", counted))

		return nil, ErrRefreshInconsistent
	}

	return &ScanResult{
		Replica:           candidate,
		DeclaredFileCount: root.DeclaredFileCount,
		TrashCount:        root.TrashCount,
		RootHandle:        root.Handle,
	}, nil
}

// walkFolder submits one errgroup task per child subfolder. File entries
// are recorded inline on the calling goroutine, matching the spec's "submit
// one task per child subfolder; file entries are recorded inline" rule.
// sem bounds how many ListFolder calls run concurrently; it is acquired only
// around the listing itself and released before recursing, so a folder never
// holds a slot while its children wait for theirs (see FullScan's comment).
func (s *RemoteScanner) walkFolder(g *errgroup.Group, ctx context.Context, sem chan struct{}, candidate *Replica, handle, relPath string) {
	g.Go(func() error {
		type pendingFolder struct {
			handle, path string
		}

		var childFolders []pendingFolder

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		entries, err := s.client.ListFolder(ctx, handle)
		<-sem

		if err != nil {
			return fmt.Errorf("listing folder %q: %w", relPath, err)
		}

		for _, e := range entries {
			childPath := path.Join(relPath, e.Name)
			childPath = NormalizePath(childPath)

			if !s.filter.Accept(childPath) {
				continue
			}

			switch e.Kind {
			case remote.KindFolder:
				candidate.Insert(Node{
					Path:       childPath,
					Kind:       KindFolder,
					Handle:     e.Handle,
					ChildCount: e.DeclaredChildren,
				})
				childFolders = append(childFolders, pendingFolder{handle: e.Handle, path: childPath})
			case remote.KindFile:
				candidate.Insert(Node{
					Path:   childPath,
					Kind:   KindFile,
					Size:   e.Size,
					MTime:  TruncateToSeconds(e.MTime),
					Handle: e.Handle,
				})
			default:
				// app_library and other kinds are skipped entirely (§4.C).
				s.logger.Debug("remote scan: skipping unrecognized kind", slog.String("path", childPath))
			}
		}

		// Recurse only after this task's own semaphore slot is released
		// above, so these nested g.Go calls never wait behind a slot this
		// same goroutine is holding.
		for _, cf := range childFolders {
			s.walkFolder(g, ctx, sem, candidate, cf.handle, cf.path)
		}

		return nil
	})
}

// CheapChangeCheck fetches only the root folder's declared counts, for the
// Scheduler's lightweight poll between full refreshes.
func (s *RemoteScanner) CheapChangeCheck(ctx context.Context) (declaredFileCount, trashCount int, err error) {
	root, err := s.client.ListRoot(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("checking remote root: %w", err)
	}

	return root.DeclaredFileCount, root.TrashCount, nil
}
