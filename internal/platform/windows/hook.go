package windows

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

var (
	ErrNoTransaction   = errors.New("no open transaction")
	ErrAlreadyHooked   = errors.New("entry point already redirected")
	ErrHookNotFound    = errors.New("redirection not found")
	ErrUnsupportedArch = errors.New("code patching not supported on this architecture")
	ErrPrologue        = errors.New("function prologue cannot be relocated")
	ErrOutOfReach      = errors.New("no memory within jump range")
	ErrNotMapped       = errors.New("code not mapped")
	ErrCodeChanged     = errors.New("patched code changed")
)

const ptrSize = unsafe.Sizeof(uintptr(0))

const (
	jmpRel32Op  = 0xE9
	jmpRel32Len = 5
	int3Op      = 0xCC

	// maxPrologue bytes are decoded at a target; relocated instructions
	// never exceed jmpRel32Len plus one instruction.
	maxPrologue = 32
	relayLen    = 16
	stubSize    = 64
	arenaSize   = 0x1000

	// maxReach keeps a whole arena inside rel32 range of a target.
	maxReach = 1<<31 - arenaSize
)

// Page protection constants.
const (
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
)

// Process is the view of the running process the hook patcher works on.
type Process interface {
	// Alloc returns size bytes of executable memory whose every byte is
	// within maxReach of near.
	Alloc(near, size uintptr) (uintptr, error)
	// Protect changes page protection and returns the previous value.
	Protect(addr, size uintptr, prot uint32) (uint32, error)
	// Mapped reports whether every byte of [addr, addr+size) is committed
	// and readable.
	Mapped(addr, size uintptr) bool
	// Pin keeps the image containing addr loaded until the process exits.
	Pin(addr uintptr) error
	// FlushCode discards stale instructions for the range.
	FlushCode(addr, size uintptr) error
}

// txnMu is held from Begin until Commit or Abort. Code is shared by every
// thread, so transactions are process wide.
var txnMu sync.Mutex

type pendingOp struct {
	target *uintptr
	real   uintptr
	detour uintptr
	remove bool
}

// hook is one redirected function. The stub holds a relay to the detour
// followed by the relocated prologue and a jump back into the function.
type hook struct {
	detour   uintptr
	stub     uintptr
	original []byte
	patch    []byte
}

func (h *hook) forward() uintptr { return h.stub + relayLen }

type codeWrite struct {
	addr uintptr
	old  []byte
	new  []byte
}

type arena struct {
	base uintptr
	used uintptr
}

// HookPatcher redirects functions by overwriting their first instructions
// with a jump. The overwritten instructions are relocated into a stub near
// the function, and the stub address becomes the forwarding address, so
// every caller is redirected however it obtained the function address.
//
// Stubs are never freed: a trampoline may still be forwarding through one
// after its redirection is removed. It satisfies intercept.Patcher.
type HookPatcher struct {
	proc Process

	mu      sync.Mutex
	open    bool
	pending []pendingOp
	hooks   map[uintptr]*hook
	arenas  []*arena
}

// NewHookPatcher returns a patcher operating on proc.
func NewHookPatcher(proc Process) *HookPatcher {
	return &HookPatcher{proc: proc, hooks: make(map[uintptr]*hook)}
}

func (p *HookPatcher) Begin() error {
	txnMu.Lock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	p.pending = nil
	return nil
}

// Attach queues a redirection of the function at *target to detour. On
// commit *target becomes the stub that reaches the original code.
func (p *HookPatcher) Attach(target *uintptr, detour uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNoTransaction
	}
	real := *target
	if _, ok := p.hooks[real]; ok {
		return fmt.Errorf("%#x: %w", real, ErrAlreadyHooked)
	}
	for _, op := range p.pending {
		if op.real == real && !op.remove {
			return fmt.Errorf("%#x: %w", real, ErrAlreadyHooked)
		}
	}
	p.pending = append(p.pending, pendingOp{target: target, real: real, detour: detour})
	return nil
}

// Detach queues removal of the redirection reached through *target, which
// holds either the function address or the forwarding address.
func (p *HookPatcher) Detach(target *uintptr, detour uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNoTransaction
	}
	real, h := p.lookup(*target)
	if h == nil || h.detour != detour {
		return fmt.Errorf("%#x: %w", *target, ErrHookNotFound)
	}
	p.pending = append(p.pending, pendingOp{target: target, real: real, detour: detour, remove: true})
	return nil
}

func (p *HookPatcher) lookup(addr uintptr) (uintptr, *hook) {
	if h, ok := p.hooks[addr]; ok {
		return addr, h
	}
	for real, h := range p.hooks {
		if h.forward() == addr {
			return real, h
		}
	}
	return 0, nil
}

// Commit applies every queued operation or none of them. Forwarding
// addresses are published before any jump goes live.
func (p *HookPatcher) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNoTransaction
	}
	pending := p.pending
	p.open, p.pending = false, nil
	defer txnMu.Unlock()

	added := make(map[uintptr]*hook)
	var writes []codeWrite
	for _, op := range pending {
		if op.remove {
			h := p.hooks[op.real]
			// An image unloaded since install took its patch with it.
			if !p.proc.Mapped(op.real, uintptr(len(h.patch))) {
				continue
			}
			if !equalCode(op.real, h.patch) {
				return fmt.Errorf("%#x: %w", op.real, ErrCodeChanged)
			}
			writes = append(writes, codeWrite{addr: op.real, old: h.patch, new: h.original})
			continue
		}
		h, err := p.prepare(op.real, op.detour)
		if err != nil {
			return fmt.Errorf("prepare %#x: %w", op.real, err)
		}
		added[op.real] = h
		writes = append(writes, codeWrite{addr: op.real, old: h.original, new: h.patch})
	}

	for _, op := range pending {
		if !op.remove {
			atomic.StoreUintptr(op.target, added[op.real].forward())
		}
	}
	if err := p.apply(writes); err != nil {
		for _, op := range pending {
			if !op.remove {
				atomic.StoreUintptr(op.target, op.real)
			}
		}
		return err
	}
	for _, op := range pending {
		if op.remove {
			delete(p.hooks, op.real)
			atomic.StoreUintptr(op.target, op.real)
		} else {
			p.hooks[op.real] = added[op.real]
		}
	}
	return nil
}

func (p *HookPatcher) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNoTransaction
	}
	p.open, p.pending = false, nil
	txnMu.Unlock()
	return nil
}

// Hooked reports whether real is currently redirected.
func (p *HookPatcher) Hooked(real uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.hooks[real]
	return ok
}

// prepare builds the stub for real and returns the hook without touching
// the function itself.
func (p *HookPatcher) prepare(real, detour uintptr) (*hook, error) {
	mode, err := decodeMode()
	if err != nil {
		return nil, err
	}
	if !p.proc.Mapped(real, maxPrologue) {
		return nil, ErrNotMapped
	}
	stub, err := p.allocStub(real)
	if err != nil {
		return nil, err
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(real)), maxPrologue)
	moved, err := relocate(code, real, stub+relayLen, jmpRel32Len, mode)
	if err != nil {
		return nil, err
	}

	body := relay(stub, detour)
	for len(body) < relayLen {
		body = append(body, int3Op)
	}
	body = append(body, moved...)
	resume := stub + relayLen + uintptr(len(moved))
	body = append(body, jmpRel32(resume, real+uintptr(len(moved)))...)
	if len(body) > stubSize {
		return nil, fmt.Errorf("%w: stub too large", ErrPrologue)
	}
	if err := p.writeCode(stub, body); err != nil {
		return nil, fmt.Errorf("write stub: %w", err)
	}
	if err := p.proc.Pin(real); err != nil {
		return nil, fmt.Errorf("pin module: %w", err)
	}

	return &hook{
		detour:   detour,
		stub:     stub,
		original: append([]byte(nil), code[:jmpRel32Len]...),
		patch:    jmpRel32(real, stub),
	}, nil
}

// allocStub carves a stub out of an arena within jump range of near.
func (p *HookPatcher) allocStub(near uintptr) (uintptr, error) {
	for _, a := range p.arenas {
		if a.used+stubSize <= arenaSize && reachable(near, a.base) {
			s := a.base + a.used
			a.used += stubSize
			return s, nil
		}
	}
	base, err := p.proc.Alloc(near, arenaSize)
	if err != nil {
		return 0, err
	}
	if !reachable(near, base) {
		return 0, fmt.Errorf("%#x: %w", near, ErrOutOfReach)
	}
	p.arenas = append(p.arenas, &arena{base: base, used: stubSize})
	return base, nil
}

// apply writes every patch, restoring the ones already written if any
// write fails.
func (p *HookPatcher) apply(writes []codeWrite) error {
	for i, w := range writes {
		if err := p.writeCode(w.addr, w.new); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = p.writeCode(writes[j].addr, writes[j].old)
			}
			return fmt.Errorf("patch %#x: %w", w.addr, err)
		}
	}
	return nil
}

func (p *HookPatcher) writeCode(addr uintptr, b []byte) error {
	size := uintptr(len(b))
	old, err := p.proc.Protect(addr, size, pageExecuteReadWrite)
	if err != nil {
		return err
	}
	storeCode(addr, b)
	_, _ = p.proc.Protect(addr, size, old)
	return p.proc.FlushCode(addr, size)
}

// storeCode writes b at addr. A patch that fits in one aligned word is
// stored atomically so a thread entering the function sees either the old
// or the new instruction.
func storeCode(addr uintptr, b []byte) {
	base := addr &^ 7
	if off := addr - base; ptrSize == 8 && off+uintptr(len(b)) <= 8 {
		w := (*uint64)(unsafe.Pointer(base))
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], atomic.LoadUint64(w))
		copy(word[off:], b)
		atomic.StoreUint64(w, binary.LittleEndian.Uint64(word[:]))
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
}

func equalCode(addr uintptr, b []byte) bool {
	return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b))) == string(b)
}

func decodeMode() (int, error) {
	switch runtime.GOARCH {
	case "amd64":
		return 64, nil
	case "386":
		return 32, nil
	}
	return 0, fmt.Errorf("%s: %w", runtime.GOARCH, ErrUnsupportedArch)
}

// relocate copies whole instructions from code, which starts at src, until
// at least n bytes are covered, rewriting 32-bit PC-relative operands so
// the copy runs at dst.
func relocate(code []byte, src, dst uintptr, n, mode int) ([]byte, error) {
	var out []byte
	for len(out) < n {
		off := len(out)
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			return nil, fmt.Errorf("%w: decode at +%d: %v", ErrPrologue, off, err)
		}
		b := append([]byte(nil), code[off:off+inst.Len]...)
		switch inst.PCRel {
		case 0:
		case 4:
			disp := int64(int32(binary.LittleEndian.Uint32(b[inst.PCRelOff:])))
			abs := int64(src) + int64(off+inst.Len) + disp
			rel := abs - (int64(dst) + int64(off+inst.Len))
			if ptrSize == 8 && rel != int64(int32(rel)) {
				return nil, fmt.Errorf("%w: %v operand at +%d", ErrOutOfReach, inst.Op, off)
			}
			binary.LittleEndian.PutUint32(b[inst.PCRelOff:], uint32(int32(rel)))
		default:
			return nil, fmt.Errorf("%w: short %v at +%d", ErrPrologue, inst.Op, off)
		}
		out = append(out, b...)
		if len(out) < n && endsFunction(inst.Op) {
			return nil, fmt.Errorf("%w: function ends at +%d", ErrPrologue, len(out))
		}
	}
	return out, nil
}

func endsFunction(op x86asm.Op) bool {
	switch op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.UD2:
		return true
	}
	return false
}

// jmpRel32 encodes a relative jump placed at from.
func jmpRel32(from, to uintptr) []byte {
	b := make([]byte, jmpRel32Len)
	b[0] = jmpRel32Op
	binary.LittleEndian.PutUint32(b[1:], uint32(to-(from+jmpRel32Len)))
	return b
}

// relay encodes a jump from at to detour that reaches any address.
func relay(at, detour uintptr) []byte {
	if ptrSize == 4 {
		return jmpRel32(at, detour)
	}
	// jmp qword ptr [rip+0] followed by the absolute address.
	b := []byte{0xFF, 0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[6:], uint64(detour))
	return b
}

func reachable(from, to uintptr) bool {
	if ptrSize == 4 {
		return true
	}
	d := int64(to) - int64(from)
	return d > -maxReach && d < maxReach
}
