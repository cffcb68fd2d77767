package hotreload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentsh/loadguard/internal/config"
)

// Reloadable represents something that can be reloaded atomically.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// Swap atomically swaps the value and returns the old one.
func (r *Reloadable[T]) Swap(new *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value.Swap(new)
	r.version.Add(1)
	return old
}

// Version returns the current version number (incremented on each swap).
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}

// Manager keeps a guard's blacklist in sync with its config file.
type Manager struct {
	reloader *ConfigReloader
	watcher  *PolicyWatcher
	logger   *slog.Logger
	running  atomic.Bool
}

// NewManager wires a watcher for cfg's files to target.
func NewManager(cfg *config.Config, target PolicySetter, logger *slog.Logger) (*Manager, error) {
	reloader, err := NewConfigReloader(cfg, target, logger)
	if err != nil {
		return nil, err
	}
	m := &Manager{reloader: reloader, logger: reloader.logger}
	m.watcher, err = NewPolicyWatcher(WatcherConfig{
		Files:    reloader.Files(),
		Loader:   reloader,
		Debounce: cfg.DebounceDuration(),
		OnChange: m.onChange,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) onChange(path string, err error) {
	if err != nil {
		m.logger.Error("policy reload failed, keeping current blacklist", "file", path, "error", err)
	}
}

// Start starts watching.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reload manager already running")
	}
	if err := m.watcher.Start(ctx); err != nil {
		m.running.Store(false)
		return fmt.Errorf("starting policy watcher: %w", err)
	}
	m.logger.Debug("watching policy files", "files", m.watcher.Files())
	return nil
}

// Stop stops watching.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := m.watcher.Stop(); err != nil {
		return fmt.Errorf("stopping policy watcher: %w", err)
	}
	return nil
}

// TriggerReload reloads without waiting for a file change.
func (m *Manager) TriggerReload() error {
	return m.watcher.TriggerReload()
}

// Config returns the most recently applied config.
func (m *Manager) Config() *config.Config {
	return m.reloader.Config()
}

// ManagerStatus reports reload activity.
type ManagerStatus struct {
	Running       bool         `json:"running"`
	ConfigVersion int64        `json:"config_version"`
	Files         []string     `json:"files"`
	WatcherStats  WatcherStats `json:"watcher_stats"`
}

// Status returns the current status.
func (m *Manager) Status() ManagerStatus {
	return ManagerStatus{
		Running:       m.running.Load(),
		ConfigVersion: m.reloader.current.Version(),
		Files:         m.watcher.Files(),
		WatcherStats:  m.watcher.Stats(),
	}
}
