// Package guard owns the load interception lifecycle of one process.
//
// A Guard is created once per process, attached when the component is
// loaded and detached when it is unloaded:
//
//	Uninitialized --Attach--> Installed --Detach--> Uninstalled
//
// Failures never propagate to the host process. They are logged and
// counted, and the process keeps running without protection.
package guard

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentsh/loadguard/internal/blacklist"
	"github.com/agentsh/loadguard/internal/intercept"
	"github.com/agentsh/loadguard/internal/metrics"
	"github.com/agentsh/loadguard/internal/trampoline"
)

// ErrDetached is returned by SetPolicy after Detach.
var ErrDetached = errors.New("guard detached")

// State is the lifecycle state of a Guard.
type State int32

const (
	Uninitialized State = iota
	Installed
	Uninstalled
)

func (s State) String() string {
	switch s {
	case Installed:
		return "installed"
	case Uninstalled:
		return "uninstalled"
	default:
		return "uninitialized"
	}
}

// Module is an opened system module.
type Module interface {
	Name() string
	// Proc returns the address of an exported function.
	Proc(name string) (uintptr, error)
	Release() error
}

// Platform is the set of OS services the guard depends on.
type Platform interface {
	// IsHelperProcess reports whether this process is a helper invocation
	// of the patching tooling, in which case nothing is intercepted.
	IsHelperProcess() bool
	OpenModule(name string) (Module, error)
	Patcher() intercept.Patcher
	LastError() trampoline.LastError
	Caller() trampoline.Caller
	// Callback turns a trampoline function into a native code address.
	Callback(fn any) (uintptr, error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Guard) {
		if c != nil {
			g.metrics = c
		}
	}
}

// WithModules overrides the target modules.
func WithModules(modules []string) Option {
	return func(g *Guard) {
		if len(modules) > 0 {
			g.modules = append([]string(nil), modules...)
		}
	}
}

// WithMatchMode sets how blacklisted names are compared.
func WithMatchMode(m blacklist.MatchMode) Option {
	return func(g *Guard) {
		g.match = m
	}
}

// Guard is the process-scoped interception context. Every trampoline it
// creates captures its store; nothing is looked up through globals.
type Guard struct {
	platform Platform
	logger   *slog.Logger
	metrics  *metrics.Collector
	modules  []string
	match    blacklist.MatchMode
	store    *blacklist.Store

	// mu serializes Attach, Detach and SetPolicy. Trampolines never take
	// it.
	mu          sync.Mutex
	state       atomic.Int32
	attachID    string
	opened      []Module
	table       *intercept.Table
	trampolines []*trampoline.Trampoline
}

// New creates a guard in the Uninitialized state with an empty blacklist.
func New(p Platform, opts ...Option) *Guard {
	g := &Guard{
		platform: p,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:  metrics.New(),
		modules:  append([]string(nil), trampoline.DefaultModules...),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.store = blacklist.NewStore(g.match)
	return g
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Metrics returns the guard's collector.
func (g *Guard) Metrics() *metrics.Collector {
	return g.metrics
}

// WriteStats writes the guard's counters in Prometheus text format.
func (g *Guard) WriteStats(w io.Writer) error {
	return g.metrics.WriteText(w)
}

// Store returns the guard's blacklist.
func (g *Guard) Store() *blacklist.Store {
	return g.store
}

// SetPolicy replaces the blacklist wholesale and returns the number of
// names now blacklisted.
func (g *Guard) SetPolicy(list []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.State() == Uninstalled {
		return 0, ErrDetached
	}
	n := g.store.Replace(list)
	g.metrics.IncPolicyReplacement(n)
	g.logger.Debug("blacklist replaced", "names", n)
	return n, nil
}

// Attach resolves the loader entry points and installs the trampolines in
// one transaction. It only acts in the Uninitialized state.
func (g *Guard) Attach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.recoverPanic("attach")

	if s := g.State(); s != Uninitialized {
		g.logger.Debug("attach ignored", "state", s.String())
		return
	}
	if g.platform.IsHelperProcess() {
		g.logger.Debug("helper process, interception disabled")
		return
	}

	attachID := uuid.NewString()
	log := g.logger.With("attach_id", attachID)

	var (
		b          intercept.Builder
		opened     []Module
		tramps     []*trampoline.Trampoline
		unresolved int
	)
	for _, name := range g.modules {
		mod, err := g.platform.OpenModule(name)
		if err != nil {
			log.Warn("module not available", "module", name, "error", err)
			continue
		}
		opened = append(opened, mod)

		for _, e := range trampoline.EntryPoints {
			addr, err := mod.Proc(e.Name)
			if err != nil {
				addr = 0
			}
			rec := b.Add(name, e.Name, addr)
			if addr == 0 {
				unresolved++
				log.Debug("entry point not resolved", "entry", rec.String(), "error", err)
				continue
			}
			if shared := rec.SharedWith(); shared != nil {
				log.Debug("entry point shares its address", "entry", rec.String(), "with", shared.String())
				continue
			}
			tr, detour, err := g.buildTrampoline(e, rec)
			if err != nil {
				log.Warn("trampoline not created", "entry", rec.String(), "error", err)
				continue
			}
			rec.Detour = detour
			tramps = append(tramps, tr)
		}
	}
	if len(opened) == 0 {
		log.Warn("no target module could be opened, interception disabled")
		return
	}

	g.attachID = attachID
	g.opened = opened
	g.trampolines = tramps
	g.table = b.Build()
	g.metrics.AddUnresolved(unresolved)

	if err := g.table.InstallAll(g.platform.Patcher()); err != nil {
		g.metrics.IncInstallFailure()
		log.Error("error attaching interception", "error", err)
	} else if g.table.Installed() {
		g.metrics.SetInstalled(len(tramps))
		log.Info("interception installed", "entry_points", len(tramps), "unresolved", unresolved)
	}
	g.state.Store(int32(Installed))
}

func (g *Guard) buildTrampoline(e trampoline.EntryPoint, rec *intercept.Record) (*trampoline.Trampoline, uintptr, error) {
	tr, err := trampoline.New(trampoline.Config{
		Entry:    e,
		Store:    g.store,
		Errors:   g.platform.LastError(),
		Caller:   g.platform.Caller(),
		Target:   rec,
		Recorder: g.metrics,
		Slot:     g.metrics.Slot(rec.Module, rec.Entry),
	})
	if err != nil {
		return nil, 0, err
	}
	detour, err := g.platform.Callback(tr.Func())
	if err != nil {
		return nil, 0, fmt.Errorf("create callback: %w", err)
	}
	return tr, detour, nil
}

// Detach removes the trampolines in one transaction, releases the modules
// and clears the blacklist. It only acts in the Installed state.
func (g *Guard) Detach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.recoverPanic("detach")

	if g.State() != Installed {
		return
	}
	log := g.logger.With("attach_id", g.attachID)

	if err := g.table.UninstallAll(g.platform.Patcher()); err != nil {
		g.metrics.IncUninstallFailure()
		log.Error("error detaching interception", "error", err)
	} else {
		g.metrics.SetInstalled(0)
	}
	for _, mod := range g.opened {
		if err := mod.Release(); err != nil {
			log.Warn("release module", "module", mod.Name(), "error", err)
		}
	}
	g.opened = nil
	g.store.Clear()
	g.state.Store(int32(Uninstalled))
	log.Info("interception detached")
}

func (g *Guard) recoverPanic(op string) {
	if r := recover(); r != nil {
		g.logger.Error("recovered panic", "op", op, "panic", fmt.Sprint(r))
	}
}

// EntryStatus describes one intercepted entry point.
type EntryStatus struct {
	Module    string `json:"module"`
	Entry     string `json:"entry"`
	Resolved  bool   `json:"resolved"`
	Installed bool   `json:"installed"`
	// SharedWith names the entry whose redirection also covers this one.
	SharedWith string `json:"shared_with,omitempty"`
}

// Status is a snapshot of the guard for reporting.
type Status struct {
	State     string        `json:"state"`
	AttachID  string        `json:"attach_id,omitempty"`
	Match     string        `json:"match"`
	Blacklist []string      `json:"blacklist"`
	Entries   []EntryStatus `json:"entries,omitempty"`
}

// Status returns a snapshot of the guard.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{
		State:     g.State().String(),
		AttachID:  g.attachID,
		Match:     g.store.Mode().String(),
		Blacklist: g.store.Names(),
	}
	if g.table != nil {
		for _, r := range g.table.Records() {
			e := EntryStatus{
				Module:    r.Module,
				Entry:     r.Entry,
				Resolved:  r.Resolved(),
				Installed: r.Redirected(),
			}
			if shared := r.SharedWith(); shared != nil {
				e.SharedWith = shared.String()
			}
			st.Entries = append(st.Entries, e)
		}
	}
	return st
}
