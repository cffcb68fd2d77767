// Package intercepttest provides an in-memory patching facility for tests.
package intercepttest

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

var (
	ErrNoTransaction   = errors.New("no open transaction")
	ErrTransactionOpen = errors.New("transaction already open")
	ErrDoubleHook      = errors.New("entry point already redirected")
	ErrHookNotFound    = errors.New("redirection not found")
)

type op struct {
	target *uintptr
	addr   uintptr
	detour uintptr
	remove bool
}

// Facility models live code as a routing table: a call to an entry address
// lands on routes[addr] if present, otherwise on the address itself.
// It satisfies intercept.Patcher.
type Facility struct {
	mu       sync.Mutex
	open     bool
	pending  []op
	routes   map[uintptr]uintptr
	forwards map[uintptr]uintptr
	nextFwd  uintptr

	// Forwarding makes Commit rewrite each attached target to a distinct
	// forwarding address, the way a facility that relocates function
	// prologues does. Original maps it back.
	Forwarding bool

	// FailBegin, FailCommit and FailAttach inject errors. FailAttach is
	// keyed by entry address.
	FailBegin  error
	FailCommit error
	FailAttach map[uintptr]error

	Commits int
	Aborts  int
}

// NewFacility returns an empty facility.
func NewFacility() *Facility {
	return &Facility{
		routes:   make(map[uintptr]uintptr),
		forwards: make(map[uintptr]uintptr),
		nextFwd:  0xF000_0000,
	}
}

func (f *Facility) Begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBegin != nil {
		return f.FailBegin
	}
	if f.open {
		return ErrTransactionOpen
	}
	f.open = true
	f.pending = nil
	return nil
}

func (f *Facility) Attach(target *uintptr, detour uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNoTransaction
	}
	addr := *target
	if err := f.FailAttach[addr]; err != nil {
		return err
	}
	if _, ok := f.routes[addr]; ok {
		return fmt.Errorf("%#x: %w", addr, ErrDoubleHook)
	}
	for _, o := range f.pending {
		if o.addr == addr && !o.remove {
			return fmt.Errorf("%#x: %w", addr, ErrDoubleHook)
		}
	}
	f.pending = append(f.pending, op{target: target, addr: addr, detour: detour})
	return nil
}

func (f *Facility) Detach(target *uintptr, detour uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNoTransaction
	}
	addr := *target
	if orig, ok := f.forwards[addr]; ok {
		addr = orig
	}
	if f.routes[addr] != detour {
		return fmt.Errorf("%#x: %w", addr, ErrHookNotFound)
	}
	f.pending = append(f.pending, op{target: target, addr: addr, detour: detour, remove: true})
	return nil
}

func (f *Facility) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNoTransaction
	}
	f.open = false
	pending := f.pending
	f.pending = nil
	if f.FailCommit != nil {
		return f.FailCommit
	}
	for _, o := range pending {
		if o.remove {
			delete(f.routes, o.addr)
			if f.Forwarding {
				delete(f.forwards, atomic.LoadUintptr(o.target))
				atomic.StoreUintptr(o.target, o.addr)
			}
			continue
		}
		if f.Forwarding {
			fwd := f.nextFwd
			f.nextFwd += 0x40
			f.forwards[fwd] = o.addr
			atomic.StoreUintptr(o.target, fwd)
		}
		f.routes[o.addr] = o.detour
	}
	f.Commits++
	return nil
}

func (f *Facility) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNoTransaction
	}
	f.open = false
	f.pending = nil
	f.Aborts++
	return nil
}

// Resolve returns where a call to addr currently lands.
func (f *Facility) Resolve(addr uintptr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dst, ok := f.routes[addr]; ok {
		return dst
	}
	return addr
}

// Original returns the entry address a forwarding address reaches.
func (f *Facility) Original(fwd uintptr) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.forwards[fwd]
	return addr, ok
}

// Routes returns a copy of the active redirections.
func (f *Facility) Routes() map[uintptr]uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.routes)
}

// Open reports whether a transaction is in progress.
func (f *Facility) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
