package fs

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/bus"
	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	pollInterval   = 500 * time.Millisecond
	debounceWindow = 100 * time.Millisecond
)

// fileState is one snapshot entry: directories snapshot their children,
// files snapshot themselves.
type fileState struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// watcher polls one path for a single connection and publishes fs_event
// frames addressed to it.
type watcher struct {
	connID  string
	target  string
	relPath string
	bus     *bus.Bus
	log     *zap.Logger

	stop     chan struct{}
	lastSeen map[string]fileState
	lastEmit map[string]time.Time
}

func newWatcher(connID, target, relPath string, b *bus.Bus, log *zap.Logger) *watcher {
	w := &watcher{
		connID:   connID,
		target:   target,
		relPath:  relPath,
		bus:      b,
		log:      log,
		stop:     make(chan struct{}),
		lastEmit: make(map[string]time.Time),
	}
	w.lastSeen = w.snapshot()
	return w
}

func (w *watcher) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stop:
			return
		}
	}
}

// snapshot stats the watched path. For a directory the children are the
// snapshot keys; for a file the path itself is the only key.
func (w *watcher) snapshot() map[string]fileState {
	states := make(map[string]fileState)
	info, err := os.Stat(w.target)
	if err != nil {
		return states
	}
	if !info.IsDir() {
		states[w.relPath] = fileState{modTime: info.ModTime(), size: info.Size()}
		return states
	}
	states[w.relPath] = fileState{isDir: true}
	entries, err := os.ReadDir(w.target)
	if err != nil {
		return states
	}
	for _, entry := range entries {
		childInfo, err := entry.Info()
		if err != nil {
			continue
		}
		key := w.relPath + "/" + entry.Name()
		if w.relPath == "." {
			key = entry.Name()
		}
		states[key] = fileState{
			modTime: childInfo.ModTime(),
			size:    childInfo.Size(),
			isDir:   childInfo.IsDir(),
		}
	}
	return states
}

func (w *watcher) poll() {
	current := w.snapshot()
	for path, state := range current {
		prev, existed := w.lastSeen[path]
		switch {
		case !existed:
			w.emit(path, "created")
		case !state.isDir && (state.modTime != prev.modTime || state.size != prev.size):
			w.emit(path, "modified")
		}
	}
	for path := range w.lastSeen {
		if _, still := current[path]; !still {
			w.emit(path, "deleted")
		}
	}
	w.lastSeen = current
}

// emit publishes one fs_event, suppressing repeats within the debounce
// window for the same path.
func (w *watcher) emit(path, kind string) {
	now := time.Now()
	if last, ok := w.lastEmit[path]; ok && now.Sub(last) < debounceWindow {
		return
	}
	w.lastEmit[path] = now
	w.bus.Publish(bus.Event{
		Type:   "fs_event",
		ConnID: w.connID,
		Data:   map[string]any{"path": filepath.ToSlash(path), "kind": kind},
	})
}

// watcherSet tracks watchers per connection with a per-connection cap.
type watcherSet struct {
	bus *bus.Bus
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]map[string]*watcher
}

func newWatcherSet(b *bus.Bus, log *zap.Logger) *watcherSet {
	return &watcherSet{bus: b, log: log, conns: make(map[string]map[string]*watcher)}
}

func (s *watcherSet) add(connID, target, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPath := s.conns[connID]
	if byPath == nil {
		byPath = make(map[string]*watcher)
		s.conns[connID] = byPath
	}
	if _, exists := byPath[target]; exists {
		return nil
	}
	if len(byPath) >= maxWatchersPerConn {
		return ws.Errf(ws.KindConflict, "watcher limit reached (%d)", maxWatchersPerConn)
	}
	w := newWatcher(connID, target, relPath, s.bus, s.log)
	byPath[target] = w
	go w.run()
	return nil
}

func (s *watcherSet) remove(connID, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.conns[connID][target]; ok {
		close(w.stop)
		delete(s.conns[connID], target)
	}
}

func (s *watcherSet) dropConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.conns[connID] {
		close(w.stop)
	}
	delete(s.conns, connID)
}

func (s *watcherSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for connID, byPath := range s.conns {
		for _, w := range byPath {
			close(w.stop)
		}
		delete(s.conns, connID)
	}
}

func (s *watcherSet) count(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[connID])
}
