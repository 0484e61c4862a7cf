package syncengine

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher is the minimal filesystem-notification source the Watcher
// needs. fsnotifyWatcher is the concrete implementation; tests inject a
// fake to drive the debounce/coalescing state machine deterministically.
type FsWatcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(path string) error
	Close() error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

// NewFsnotifyWatcher wraps a real fsnotify.Watcher.
func NewFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }
func (f *fsnotifyWatcher) Add(path string) error         { return f.w.Add(path) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }

// RecordKind enumerates the coalesced record kinds the Watcher emits.
type RecordKind int

const (
	RecordUpsert RecordKind = iota
	RecordDelete
	RecordMove
)

// ChangeRecord is a single coalesced, filtered, path-sorted change emitted
// by the Watcher after its debounce window for that path elapses.
type ChangeRecord struct {
	Kind  RecordKind
	Path  string
	From  string // RecordMove only
	Size  int64
	MTime time.Time
	IsDir bool
}

// bucketState is the per-path debounce state machine (§4.G).
type bucketState int

const (
	stateNone bucketState = iota
	stateUpsert
	stateDelete
	stateMovePartial
)

type bucket struct {
	state bucketState
	timer *time.Timer
	from  string // set when state == stateMovePartial (rename source)
}

const defaultDebouncePeriod = 10 * time.Second

// Watcher turns raw filesystem events into debounced, coalesced, filtered
// ChangeRecord batches, honoring the SuppressionSet so the Executor's own
// mutations do not feed back into the Reconciler (spec §4.G).
type Watcher struct {
	root           string
	filter         *Filter
	suppression    *SuppressionSet
	debouncePeriod time.Duration
	fsw            FsWatcher
	logger         *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	pendingRenameFrom []string // FIFO of unmatched rename sources, awaiting a paired create

	out chan []ChangeRecord
}

// NewWatcher constructs a Watcher over root using fsw as its raw event
// source. debouncePeriod is floored to 10s per spec §4.G.
func NewWatcher(root string, filter *Filter, suppression *SuppressionSet, fsw FsWatcher, debouncePeriod time.Duration, logger *slog.Logger) *Watcher {
	if debouncePeriod < defaultDebouncePeriod {
		debouncePeriod = defaultDebouncePeriod
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		root:           root,
		filter:         filter,
		suppression:    suppression,
		debouncePeriod: debouncePeriod,
		fsw:            fsw,
		logger:         logger,
		buckets:        make(map[string]*bucket),
		out:            make(chan []ChangeRecord, 16),
	}
}

// Records returns the channel of released, coalesced batches.
func (w *Watcher) Records() <-chan []ChangeRecord { return w.out }

// Start registers the root subtree with the underlying watcher and begins
// consuming raw events until stop is closed.
func (w *Watcher) Start(stop <-chan struct{}) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}

	go w.run(stop)

	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // permission errors are logged elsewhere, not fatal to watch setup
		}

		if d.IsDir() {
			if addErr := w.fsw.Add(p); addErr != nil {
				w.logger.Warn("watcher: failed to watch directory", slog.String("path", p), slog.Any("err", addErr))
			}
		}

		return nil
	})
}

func (w *Watcher) run(stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.fsw.Events():
			if !ok {
				return
			}

			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors():
			if !ok {
				return
			}

			w.logger.Warn("watcher: error from event source", slog.Any("err", err))
		case <-stop:
			_ = w.fsw.Close()
			return
		}
	}
}

func (w *Watcher) relPath(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return NormalizePath(p)
	}

	return NormalizePath(rel)
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel := w.relPath(ev.Name)

	if w.suppression.Contains(rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Op&fsnotify.Remove != 0:
		w.transition(rel, stateDelete, "")
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a Rename for the source path; the destination
		// arrives as a separate Create. Queue the source for pairing.
		w.pendingRenameFrom = append(w.pendingRenameFrom, rel)
		w.transition(rel, stateMovePartial, "")
	case ev.Op&fsnotify.Create != 0:
		if from, ok := w.popPendingRename(); ok {
			w.clearBucket(from)
			w.transition(rel, stateMovePartial, from)
			return
		}

		w.transition(rel, stateUpsert, "")

		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		w.transition(rel, stateUpsert, "")
	}
}

func (w *Watcher) popPendingRename() (string, bool) {
	if len(w.pendingRenameFrom) == 0 {
		return "", false
	}

	from := w.pendingRenameFrom[0]
	w.pendingRenameFrom = w.pendingRenameFrom[1:]

	return from, true
}

// transition applies the coalescing rules for path's bucket and (re)arms
// its debounce timer.
func (w *Watcher) transition(path string, next bucketState, from string) {
	b, ok := w.buckets[path]
	if !ok {
		b = &bucket{}
		w.buckets[path] = b
	}

	switch {
	case b.state == stateUpsert && next == stateDelete:
		// create-then-delete-before-release cancels out entirely (§4.G).
		if b.timer != nil {
			b.timer.Stop()
		}

		delete(w.buckets, path)

		return
	case next == stateMovePartial:
		b.state = stateMovePartial
		b.from = from
	default:
		b.state = next
	}

	if b.timer != nil {
		b.timer.Stop()
	}

	p := path

	b.timer = time.AfterFunc(w.debouncePeriod, func() { w.release(p) })
}

func (w *Watcher) clearBucket(path string) {
	if b, ok := w.buckets[path]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}

		delete(w.buckets, path)
	}
}

// release fires when a path's debounce window has elapsed with no further
// events. It filters the path, builds the ChangeRecord (statting the path
// if still present), and emits it as a one-record batch via emitBatch.
func (w *Watcher) release(path string) {
	w.mu.Lock()
	b, ok := w.buckets[path]
	if ok {
		delete(w.buckets, path)
	}
	w.mu.Unlock()

	if !ok {
		return
	}

	if !w.filter.Accept(path) {
		return
	}

	var rec ChangeRecord

	switch b.state {
	case stateDelete:
		rec = ChangeRecord{Kind: RecordDelete, Path: path}
	case stateMovePartial:
		rec = ChangeRecord{Kind: RecordMove, Path: path, From: b.from}
	case stateUpsert:
		full := filepath.Join(w.root, filepath.FromSlash(path))

		info, err := os.Stat(full)
		if err != nil {
			// Vanished between event and release; treat as a delete.
			rec = ChangeRecord{Kind: RecordDelete, Path: path}
			break
		}

		rec = ChangeRecord{Kind: RecordUpsert, Path: path, Size: info.Size(), MTime: TruncateToSeconds(info.ModTime()), IsDir: info.IsDir()}
	default:
		return
	}

	w.emitBatch([]ChangeRecord{rec})
}

// emitBatch delivers a path-sorted batch, non-blocking so a slow consumer
// cannot stall the event loop indefinitely.
func (w *Watcher) emitBatch(recs []ChangeRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })

	select {
	case w.out <- recs:
	default:
		w.logger.Warn("watcher: output channel full, dropping batch", slog.Int("count", len(recs)))
	}
}
