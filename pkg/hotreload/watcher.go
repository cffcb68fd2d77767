package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyLoader loads policies from a path.
type PolicyLoader interface {
	LoadFromPath(path string) error
	Validate(path string) error
}

// FileLister is implemented by loaders whose set of watched files can
// change after a reload.
type FileLister interface {
	Files() []string
}

// PolicyWatcher watches policy files for changes and triggers reloads.
//
// Files are watched through their parent directories so that editors that
// replace a file by renaming over it are seen.
type PolicyWatcher struct {
	loader     PolicyLoader
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	mu         sync.RWMutex
	files      map[string]struct{}
	dirs       map[string]struct{}
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the policy watcher.
type WatcherConfig struct {
	Files    []string
	Loader   PolicyLoader
	Debounce time.Duration // Debounce period for rapid changes
	OnChange func(path string, err error)
}

// NewPolicyWatcher creates a new policy watcher.
func NewPolicyWatcher(config WatcherConfig) (*PolicyWatcher, error) {
	if len(config.Files) == 0 {
		return nil, fmt.Errorf("at least one policy file is required")
	}

	if config.Loader == nil {
		return nil, fmt.Errorf("policy loader is required")
	}

	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	w := &PolicyWatcher{
		loader:     config.Loader,
		debounce:   debounce,
		onChange:   config.OnChange,
		files:      make(map[string]struct{}),
		dirs:       make(map[string]struct{}),
		reloadChan: make(chan string, 1),
	}
	for _, f := range config.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", f, err)
		}
		w.files[abs] = struct{}{}
	}
	return w, nil
}

// Start begins watching for policy file changes.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	w.mu.Lock()
	err = w.watchDirsLocked()
	w.mu.Unlock()
	if err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}

	// Start the event processing goroutine
	go w.processEvents(ctx)

	// Start the reload goroutine
	go w.processReloads(ctx)

	return nil
}

// watchDirsLocked adds a watch for the directory of every watched file.
func (w *PolicyWatcher) watchDirsLocked() error {
	for f := range w.files {
		dir := filepath.Dir(f)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = struct{}{}
	}
	return nil
}

// setFiles replaces the watched file set after a successful reload.
func (w *PolicyWatcher) setFiles(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := make(map[string]struct{}, len(files))
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			next[abs] = struct{}{}
		}
	}
	w.files = next
	if err := w.watchDirsLocked(); err != nil {
		w.recordError(fmt.Sprintf("watching directory: %v", err))
	}
}

func (w *PolicyWatcher) isWatched(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.files[abs]
	return ok
}

// Files returns the watched files.
func (w *PolicyWatcher) Files() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// processEvents handles fsnotify events. Changes to any watched file are
// collapsed into one reload once the debounce period has passed.
func (w *PolicyWatcher) processEvents(ctx context.Context) {
	var (
		pending    string
		lastChange time.Time
	)
	ticker := time.NewTicker(max(w.debounce/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only process write, create and rename events for policy files
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && w.isWatched(event.Name) {
				pending = event.Name
				lastChange = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if pending != "" && time.Since(lastChange) >= w.debounce {
				select {
				case w.reloadChan <- pending:
				default:
					// A reload is already queued and will read the latest files.
				}
				pending = ""
			}

		case <-ctx.Done():
			return
		}
	}
}

// processReloads handles reload requests.
func (w *PolicyWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

// handleReload processes a reload triggered by a change to path.
func (w *PolicyWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	// Validate before applying
	if err := w.loader.Validate(path); err != nil {
		w.recordError(fmt.Sprintf("invalid policy %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	// Load the new policy
	if err := w.loader.LoadFromPath(path); err != nil {
		w.recordError(fmt.Sprintf("loading policy %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	if fl, ok := w.loader.(FileLister); ok {
		w.setFiles(fl.Files())
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

// recordError records an error in stats.
func (w *PolicyWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *PolicyWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload without waiting for a file change.
func (w *PolicyWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	files := w.Files()
	if len(files) == 0 {
		return fmt.Errorf("no files watched")
	}
	select {
	case w.reloadChan <- files[0]:
		return nil
	default:
		return fmt.Errorf("reload already pending")
	}
}
