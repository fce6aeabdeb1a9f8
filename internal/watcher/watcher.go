package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/getfinn/bridge/internal/logging"
)

const (
	defaultDebounce     = 500 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

// Watcher reports changes to a fixed set of files, such as the OAuth token
// and credentials files. The files don't need to exist yet.
//
// fsnotify watches the parent directories; a polling loop runs as backup
// for directories that can't be watched. Bursts of changes are debounced
// into a single callback.
type Watcher struct {
	files        map[string]struct{}
	dirs         []string
	onChange     func()
	debounce     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	fsWatcher    *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	stamps map[string]fileStamp

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the backup polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher for paths. onChange is called from a background
// goroutine after changes settle.
func New(paths []string, onChange func(), opts ...Option) *Watcher {
	w := &Watcher{
		files:        make(map[string]struct{}),
		onChange:     onChange,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
		stamps:       make(map[string]fileStamp),
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrDiscard(w.logger).With(logging.Component("watcher"))

	seen := make(map[string]bool)
	for _, path := range paths {
		if path == "" {
			continue
		}
		path = filepath.Clean(path)
		w.files[path] = struct{}{}
		if dir := filepath.Dir(path); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	w.stamps = w.snapshot()
	w.mu.Unlock()

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("⚠️ fsnotify unavailable, using poll-only mode", logging.Error(err))
	} else {
		w.fsWatcher = fsWatcher
		for _, dir := range w.dirs {
			if err := fsWatcher.Add(dir); err != nil {
				w.logger.Debug("cannot watch directory, polling it", slog.String("dir", dir), logging.Error(err))
			}
		}
		w.wg.Add(1)
		go w.fsnotifyLoop()
	}

	w.wg.Add(1)
	go w.pollLoop()

	w.logger.Info("🔍 Credential watcher started", slog.Int("files", len(w.files)))
}

// Stop stops the watcher and cancels any pending callback. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.fsWatcher != nil {
			w.fsWatcher.Close()
		}
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.wg.Wait()
		w.logger.Info("🛑 Credential watcher stopped")
	})
}

func (w *Watcher) fsnotifyLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scheduleChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("⚠️ fsnotify error", logging.Error(err))
		}
	}
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.pollForChanges()
		}
	}
}

func (w *Watcher) pollForChanges() {
	current := w.snapshot()

	w.mu.Lock()
	changed := false
	for path, stamp := range current {
		if w.stamps[path] != stamp {
			changed = true
			break
		}
	}
	w.stamps = current
	w.mu.Unlock()

	if changed {
		w.scheduleChange()
	}
}

// scheduleChange (re)starts the debounce timer.
func (w *Watcher) scheduleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopChan:
		return
	default:
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	w.stamps = w.snapshot()
	w.mu.Unlock()

	select {
	case <-w.stopChan:
		return
	default:
	}

	w.logger.Debug("credential files changed")
	if w.onChange != nil {
		w.onChange()
	}
}

func (w *Watcher) snapshot() map[string]fileStamp {
	stamps := make(map[string]fileStamp, len(w.files))
	for path := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			stamps[path] = fileStamp{}
			continue
		}
		stamps[path] = fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}
	}
	return stamps
}
