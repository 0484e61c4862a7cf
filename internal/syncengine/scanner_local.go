package syncengine

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalScanner performs a recursive walk of the sync root, producing a
// Replica of the local side. Symlinks are never followed; the Path Filter
// prunes subtrees; per-entry permission errors are logged and skipped
// rather than failing the whole scan.
type LocalScanner struct {
	root   string
	filter *Filter
	logger *slog.Logger
}

// NewLocalScanner constructs a LocalScanner rooted at root.
func NewLocalScanner(root string, filter *Filter, logger *slog.Logger) *LocalScanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalScanner{root: root, filter: filter, logger: logger}
}

// FullScan walks the local tree and returns a freshly built Replica.
func (s *LocalScanner) FullScan() (*Replica, error) {
	replica := NewReplica()

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsPermission(walkErr) {
				s.logger.Warn("local scan: permission denied, skipping", slog.String("path", p))
				return nil
			}

			return fmt.Errorf("walking %q: %w", p, walkErr)
		}

		if p == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path for %q: %w", p, err)
		}

		rel = NormalizePath(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if !s.filter.Accept(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsPermission(err) {
				s.logger.Warn("local scan: permission denied stat-ing, skipping", slog.String("path", p))
				return nil
			}

			return fmt.Errorf("stat-ing %q: %w", p, err)
		}

		if d.IsDir() {
			replica.Insert(Node{Path: rel, Kind: KindFolder})
			return nil
		}

		replica.Insert(Node{
			Path:  rel,
			Kind:  KindFile,
			Size:  info.Size(),
			MTime: TruncateToSeconds(info.ModTime()),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning local tree: %w", err)
	}

	return replica, nil
}
