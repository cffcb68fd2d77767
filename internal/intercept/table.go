// Package intercept tracks the redirected loader entry points of one
// attach/detach cycle and applies or removes them as a single transaction.
package intercept

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrTransaction wraps every failure reported by the patching facility.
	ErrTransaction = errors.New("interception transaction failed")
	// ErrInstalled is returned when installing a table twice.
	ErrInstalled = errors.New("interception table already installed")
)

// Patcher is the live-code patching facility. It is process global: one
// transaction at a time, opened by Begin and closed by Commit or Abort.
//
// Attach and Detach only queue work. Commit applies everything queued or,
// if it fails, leaves the process exactly as it was before Begin. During
// Commit the facility may rewrite *target to the address that reaches the
// original function. *target is read concurrently by trampolines, so a
// facility must store it atomically and before the redirection goes live.
type Patcher interface {
	Begin() error
	Attach(target *uintptr, detour uintptr) error
	Detach(target *uintptr, detour uintptr) error
	Commit() error
	Abort() error
}

// Record is one intercepted entry point.
type Record struct {
	Module string
	Entry  string
	// Real is the resolved address of the loader function, zero when the
	// symbol could not be resolved.
	Real uintptr
	// Detour is the trampoline address calls are redirected to.
	Detour uintptr

	// target is the forwarding address, accessed atomically.
	target     uintptr
	shared     *Record
	redirected atomic.Bool
}

// Resolved reports whether the entry point was found at resolve time.
func (r *Record) Resolved() bool {
	return r.Real != 0
}

// Forward returns the address a trampoline calls to reach the real function.
func (r *Record) Forward() uintptr {
	if r.shared != nil {
		return r.shared.Forward()
	}
	return atomic.LoadUintptr(&r.target)
}

// SharedWith returns the earlier record that resolved to the same address,
// or nil. One redirection covers both, so a shared record is never
// installed on its own.
func (r *Record) SharedWith() *Record {
	return r.shared
}

// Redirected reports whether calls to Real currently land on a detour.
func (r *Record) Redirected() bool {
	if r.shared != nil {
		return r.shared.Redirected()
	}
	return r.redirected.Load()
}

func (r *Record) String() string {
	return r.Module + "!" + r.Entry
}

// Builder collects records before the single install call.
type Builder struct {
	records []*Record
	byReal  map[uintptr]*Record
}

// Add registers an entry point. real may be zero for an unresolved symbol;
// such records are kept for reporting but never installed. A record whose
// address was already added is marked as shared with the first one.
func (b *Builder) Add(module, entry string, real uintptr) *Record {
	r := &Record{Module: module, Entry: entry, Real: real, target: real}
	if real != 0 {
		if b.byReal == nil {
			b.byReal = make(map[uintptr]*Record)
		}
		if first, ok := b.byReal[real]; ok {
			r.shared = first
		} else {
			b.byReal[real] = r
		}
	}
	b.records = append(b.records, r)
	return r
}

// Build returns the table. The builder must not be reused.
func (b *Builder) Build() *Table {
	t := &Table{records: b.records}
	b.records, b.byReal = nil, nil
	return t
}

// Table is the ordered set of records for one attach/detach cycle. It is
// driven from a single goroutine; only Record.Forward is read concurrently.
type Table struct {
	records   []*Record
	installed bool
}

// Records returns every record, resolved or not, in registration order.
func (t *Table) Records() []*Record {
	return t.records
}

// Installed reports whether the last InstallAll committed.
func (t *Table) Installed() bool {
	return t.installed
}

func (t *Table) active() []*Record {
	var out []*Record
	for _, r := range t.records {
		if r.Resolved() && r.Detour != 0 && r.shared == nil {
			out = append(out, r)
		}
	}
	return out
}

// InstallAll redirects every resolved record in one transaction. On error
// nothing is redirected.
func (t *Table) InstallAll(p Patcher) error {
	if t.installed {
		return ErrInstalled
	}
	active := t.active()
	if len(active) == 0 {
		return nil
	}

	if err := p.Begin(); err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransaction, err)
	}
	for _, r := range active {
		if err := p.Attach(&r.target, r.Detour); err != nil {
			return abort(p, fmt.Errorf("attach %s: %w", r, err))
		}
	}
	if err := p.Commit(); err != nil {
		for _, r := range active {
			atomic.StoreUintptr(&r.target, r.Real)
		}
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}

	for _, r := range active {
		r.redirected.Store(true)
	}
	t.installed = true
	return nil
}

// UninstallAll removes every redirection in one transaction. It is a no-op
// when the table is not installed. On error every redirection stays.
func (t *Table) UninstallAll(p Patcher) error {
	if !t.installed {
		return nil
	}
	active := t.active()

	if err := p.Begin(); err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransaction, err)
	}
	for _, r := range active {
		if err := p.Detach(&r.target, r.Detour); err != nil {
			return abort(p, fmt.Errorf("detach %s: %w", r, err))
		}
	}
	if err := p.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}

	for _, r := range active {
		r.redirected.Store(false)
		atomic.StoreUintptr(&r.target, r.Real)
	}
	t.installed = false
	return nil
}

func abort(p Patcher, cause error) error {
	if err := p.Abort(); err != nil {
		return fmt.Errorf("%w: %w (abort: %v)", ErrTransaction, cause, err)
	}
	return fmt.Errorf("%w: %w", ErrTransaction, cause)
}
