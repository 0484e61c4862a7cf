package syncengine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// dumpSnapshot writes a single named plain-text tree dump per spec §6, one
// line per Node: "<kind>\t<size>\t<mtime-unix-utc>\t<path>", sorted by path.
// A no-op when SnapshotDir is unset. FullRefresh calls this five times per
// cycle with the names local-before, remote-before, remote-candidate,
// local-after, remote-after, for forensic diffing of a refresh.
func (e *SyncEngine) dumpSnapshot(name string, nodes []Node) {
	if e.cfg.SnapshotDir == "" {
		return
	}

	if err := os.MkdirAll(e.cfg.SnapshotDir, 0o755); err != nil {
		e.logger.Warn("snapshot: failed to create directory", "err", err)
		return
	}

	writeSnapshotFile(filepath.Join(e.cfg.SnapshotDir, name), nodes, e.logger)
}

func writeSnapshotFile(path string, nodes []Node, logger interface {
	Warn(msg string, args ...any)
}) {
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("snapshot: failed to create file", "path", path, "err", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", n.Kind.String(), n.Size, n.MTime.Unix(), n.Path)
	}
}
