package trampoline

import (
	"errors"

	"github.com/agentsh/loadguard/internal/blacklist"
	"github.com/agentsh/loadguard/internal/names"
)

// LastError sets the calling thread's OS last-error value.
type LastError interface {
	SetLastError(code uint32)
}

// Caller invokes the native function at fn and returns its result together
// with the last-error value it left behind.
type Caller interface {
	Call(fn uintptr, args ...uintptr) (r uintptr, lastErr uint32)
}

// Forwarder supplies the address that reaches the real loader function.
// intercept.Record implements it.
type Forwarder interface {
	Forward() uintptr
}

// Recorder counts decisions. metrics.Collector implements it.
type Recorder interface {
	RecordLoad(slot int, rejected bool)
}

// Config wires a trampoline to its collaborators.
type Config struct {
	Entry  EntryPoint
	Store  *blacklist.Store
	Errors LastError
	Caller Caller
	Target Forwarder

	// Recorder and Slot are optional.
	Recorder Recorder
	Slot     int
}

// Trampoline decides, for one entry point of one module, whether a load
// request is rejected or forwarded unchanged.
type Trampoline struct {
	entry  EntryPoint
	store  *blacklist.Store
	errs   LastError
	caller Caller
	target Forwarder
	rec    Recorder
	slot   int
}

// New validates cfg and returns a trampoline.
func New(cfg Config) (*Trampoline, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("trampoline: store is required")
	case cfg.Errors == nil:
		return nil, errors.New("trampoline: last-error setter is required")
	case cfg.Caller == nil:
		return nil, errors.New("trampoline: caller is required")
	case cfg.Target == nil:
		return nil, errors.New("trampoline: forwarding target is required")
	case cfg.Entry.Name == "":
		return nil, errors.New("trampoline: entry point is required")
	}
	return &Trampoline{
		entry:  cfg.Entry,
		store:  cfg.Store,
		errs:   cfg.Errors,
		caller: cfg.Caller,
		target: cfg.Target,
		rec:    cfg.Recorder,
		slot:   cfg.Slot,
	}, nil
}

// Entry returns the entry point this trampoline stands in for.
func (t *Trampoline) Entry() EntryPoint {
	return t.entry
}

// Blocked reports whether the NUL-terminated library reference at name is
// blacklisted, reading it with the entry point's encoding.
func (t *Trampoline) Blocked(name uintptr) bool {
	if t.entry.Encoding == Wide {
		return t.store.ContainsWide(names.WideString(name))
	}
	return t.store.ContainsBytes(names.CString(name))
}

// Call runs the trampoline with the raw arguments of the entry point.
// Missing arguments are passed as zero, extra ones are ignored.
func (t *Trampoline) Call(args ...uintptr) uintptr {
	var a [3]uintptr
	copy(a[:], args)
	return t.invoke(a[0], a[1], a[2])
}

// Func returns a fixed-arity function with the entry point's signature,
// suitable for turning into a native callback.
func (t *Trampoline) Func() any {
	if t.entry.Shape == Ex {
		return t.call3
	}
	return t.call1
}

func (t *Trampoline) call1(name uintptr) uintptr {
	return t.invoke(name, 0, 0)
}

func (t *Trampoline) call3(name, file, flags uintptr) uintptr {
	return t.invoke(name, file, flags)
}

// invoke must not allocate before the rejection decision is returned:
// loader calls can arrive during early process initialization.
func (t *Trampoline) invoke(name, file, flags uintptr) uintptr {
	if t.Blocked(name) {
		if t.rec != nil {
			t.rec.RecordLoad(t.slot, true)
		}
		t.errs.SetLastError(ErrorNotSupported)
		return 0
	}
	if t.rec != nil {
		t.rec.RecordLoad(t.slot, false)
	}

	fn := t.target.Forward()
	if fn == 0 {
		t.errs.SetLastError(ErrorProcNotFound)
		return 0
	}

	var r uintptr
	var lastErr uint32
	if t.entry.Shape == Ex {
		r, lastErr = t.caller.Call(fn, name, file, flags)
	} else {
		r, lastErr = t.caller.Call(fn, name)
	}
	t.errs.SetLastError(lastErr)
	return r
}
