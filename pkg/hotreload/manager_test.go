package hotreload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/agentsh/loadguard/internal/config"
)

func TestReloadable(t *testing.T) {
	initial := "initial"
	r := NewReloadable(&initial)

	t.Run("Get", func(t *testing.T) {
		got := r.Get()
		if got == nil || *got != "initial" {
			t.Errorf("Get() = %v, want initial", got)
		}
	})

	t.Run("Swap", func(t *testing.T) {
		newValue := "updated"
		old := r.Swap(&newValue)

		if old == nil || *old != "initial" {
			t.Errorf("Swap() returned %v, want initial", old)
		}

		got := r.Get()
		if got == nil || *got != "updated" {
			t.Errorf("Get() after Swap = %v, want updated", got)
		}
	})

	t.Run("Version", func(t *testing.T) {
		if v := r.Version(); v != 1 {
			t.Errorf("Version() = %d, want 1 (after one swap)", v)
		}
	})
}

type fakeTarget struct {
	mu     sync.Mutex
	names  [][]string
	err    error
	called chan struct{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{called: make(chan struct{}, 16)}
}

func (f *fakeTarget) SetPolicy(names []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.names = append(f.names, names)
	f.called <- struct{}{}
	return len(names), nil
}

func (f *fakeTarget) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.names) == 0 {
		return nil
	}
	return f.names[len(f.names)-1]
}

func writeConfig(t *testing.T, dir, body string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "loadguard.yml")
	writeFile(t, path, body)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestConfigReloader(t *testing.T) {
	t.Setenv(config.EnvBlacklist, "")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "list.txt"), "listed.dll\n")
	cfg := writeConfig(t, dir, "blacklist: [a.dll]\nblacklist_files: [list.txt]\n")
	target := newFakeTarget()

	r, err := NewConfigReloader(cfg, target, nil)
	if err != nil {
		t.Fatalf("NewConfigReloader: %v", err)
	}
	want := []string{cfg.Path(), filepath.Join(dir, "list.txt")}
	if got := r.Files(); !slices.Equal(got, want) {
		t.Errorf("Files() = %v, want %v", got, want)
	}

	writeFile(t, cfg.Path(), "blacklist: [b.dll]\nblacklist_files: [list.txt]\n")
	if err := r.Validate(cfg.Path()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.LoadFromPath(cfg.Path()); err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if got := target.last(); !slices.Equal(got, []string{"b.dll", "listed.dll"}) {
		t.Errorf("policy = %v", got)
	}
	if r.Config().Blacklist[0] != "b.dll" {
		t.Errorf("Config() not swapped: %v", r.Config().Blacklist)
	}

	// A broken list file keeps the previous policy.
	writeFile(t, cfg.Path(), "blacklist_files: [missing.txt]\n")
	if err := r.Validate(cfg.Path()); err == nil {
		t.Error("expected validation error for missing list file")
	}

	target.err = errors.New("detached")
	writeFile(t, cfg.Path(), "blacklist: [c.dll]\n")
	if err := r.LoadFromPath(cfg.Path()); err == nil {
		t.Error("expected error from target")
	}
	if r.Config().Blacklist[0] != "b.dll" {
		t.Error("config swapped despite failed apply")
	}
}

func TestNewConfigReloader_RequiresFile(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte("blacklist: [a.dll]\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if _, err := NewConfigReloader(cfg, newFakeTarget(), nil); err == nil {
		t.Error("expected error for config without a file")
	}
}

func TestManager_ReloadsOnListFileChange(t *testing.T) {
	t.Setenv(config.EnvBlacklist, "")
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	writeFile(t, list, "one.dll\n")
	cfg := writeConfig(t, dir, "blacklist_files: [list.txt]\nwatch:\n  enabled: true\n  debounce: 50ms\n")
	target := newFakeTarget()

	m, err := NewManager(cfg, target, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := os.WriteFile(list, []byte("one.dll\ntwo.dll\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-target.called:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	if got := target.last(); !slices.Equal(got, []string{"one.dll", "two.dll"}) {
		t.Errorf("policy = %v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Status().WatcherStats.ReloadsSuccess == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := m.Status()
	if !st.Running || st.ConfigVersion != 1 || st.WatcherStats.ReloadsSuccess != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	if len(st.Files) != 2 {
		t.Errorf("Files = %v, want config and list file", st.Files)
	}

	if err := m.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if m.Status().Running {
		t.Error("manager still running after Stop")
	}
}
