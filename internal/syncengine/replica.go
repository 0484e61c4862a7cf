package syncengine

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tonimelisma/icloud-sync/pkg/nfcpath"
)

// Replica is a thread-safe indexed tree of Nodes for one side of the sync
// (local or remote). The primary index is a flat map from relative path to
// Node; parent/child relationships are derived from path prefixes rather
// than pointers, which makes moves an atomic rewrite of affected keys and
// lets iteration hold a single lock for a stable snapshot.
//
// A Replica accumulates no history: it always reflects the most recently
// observed state. Candidate replicas built by a Scanner are private,
// unlocked Replica values until they are committed via Engine's swap.
type Replica struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	// TrashCount is a change-indicator only (§3): the remote side's count of
	// items currently in trash. It is not a list of paths.
	TrashCount int
}

// NewReplica returns an empty Replica.
func NewReplica() *Replica {
	return &Replica{nodes: make(map[string]*Node)}
}

// NormalizePath converts path separators to forward slashes and applies
// Unicode NFC normalization, so that a path that only differs by
// normalization form (common after macOS renames) is not treated as a
// distinct path.
func NormalizePath(p string) string {
	p = filepath_ToSlash(p)
	return nfcpath.Normalize(p)
}

func filepath_ToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Get returns the Node at path, or nil if absent.
func (r *Replica) Get(p string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[p]
	if !ok {
		return nil
	}

	cp := *n

	return &cp
}

// Insert adds or replaces the Node at node.Path.
func (r *Replica) Insert(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := node
	r.nodes[node.Path] = &cp
}

// Remove deletes the Node at p and, if it is a folder, every descendant.
func (r *Replica) Remove(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(p)
}

func (r *Replica) removeLocked(p string) {
	delete(r.nodes, p)

	prefix := p + "/"
	for k := range r.nodes {
		if strings.HasPrefix(k, prefix) {
			delete(r.nodes, k)
		}
	}
}

// Move renames from to to, rewriting the paths of from's entire subtree if
// from is a folder. It is the caller's responsibility to ensure `to` does
// not already exist.
func (r *Replica) Move(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[from]
	if !ok {
		return
	}

	prefix := from + "/"

	var descendants []string

	for k := range r.nodes {
		if strings.HasPrefix(k, prefix) {
			descendants = append(descendants, k)
		}
	}

	delete(r.nodes, from)
	moved := *n
	moved.Path = to
	r.nodes[to] = &moved

	for _, d := range descendants {
		child := r.nodes[d]
		rel := strings.TrimPrefix(d, prefix)
		newPath := path.Join(to, rel)
		delete(r.nodes, d)
		cp := *child
		cp.Path = newPath
		r.nodes[newPath] = &cp
	}
}

// CountFiles returns the number of file Nodes in the Replica.
func (r *Replica) CountFiles() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, node := range r.nodes {
		if node.Kind == KindFile {
			n++
		}
	}

	return n
}

// Snapshot returns a path-sorted, point-in-time copy of every Node. Safe to
// iterate without holding the Replica's lock afterward.
func (r *Replica) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Len returns the total number of Nodes (files and folders).
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}
