package windows

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	detourA = uintptr(0xc000_0010)
	detourB = uintptr(0xc000_0020)

	regionSize = 0x10000
	codeArea   = 0x8000
	pageSize   = 0x1000
)

var (
	// sub rsp, 0x28; mov rax, qword ptr [rip+0x10]
	framePrologue = []byte{0x48, 0x83, 0xEC, 0x28, 0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}
	// jmp qword ptr [rip+0x200], the shape of a forwarding export
	forwarderPrologue = []byte{0x48, 0xFF, 0x25, 0x00, 0x02, 0x00, 0x00}
)

// fakeProcess hands out functions and stub arenas from one region so every
// stub is within jump range of every function.
type fakeProcess struct {
	region   []byte
	nextCode uintptr
	nextPage uintptr
	allocs   int
	protects int
	failAt   int // fail the Nth write-enable Protect call, 1-based
	pins     int
	flushes  int
	unmapped [][2]uintptr
}

func newFakeProcess(t *testing.T) *fakeProcess {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skip("test code is x86-64")
	}
	return &fakeProcess{region: codeRegion(t, regionSize), nextPage: codeArea}
}

func (p *fakeProcess) base() uintptr { return uintptr(unsafe.Pointer(&p.region[0])) }

// function places a function body on its own page at offset off and pads
// it with nops.
func (p *fakeProcess) function(off int, body []byte) uintptr {
	page := p.region[p.nextCode : p.nextCode+pageSize]
	p.nextCode += pageSize
	for i := range page {
		page[i] = 0x90
	}
	copy(page[off:], body)
	return uintptr(unsafe.Pointer(&page[off]))
}

func (p *fakeProcess) Alloc(near, size uintptr) (uintptr, error) {
	p.allocs++
	if p.nextPage+size > regionSize {
		return 0, errors.New("out of memory")
	}
	addr := p.base() + p.nextPage
	p.nextPage += size
	return addr, nil
}

func (p *fakeProcess) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	if prot != pageExecuteReadWrite {
		return prot, nil
	}
	p.protects++
	if p.failAt > 0 && p.protects == p.failAt {
		return 0, errors.New("access denied")
	}
	return pageExecuteRead, nil
}

func (p *fakeProcess) Mapped(addr, size uintptr) bool {
	for _, r := range p.unmapped {
		if addr < r[1] && addr+size > r[0] {
			return false
		}
	}
	return true
}

func (p *fakeProcess) Pin(addr uintptr) error {
	p.pins++
	return nil
}

func (p *fakeProcess) FlushCode(addr, size uintptr) error {
	p.flushes++
	return nil
}

func (p *fakeProcess) unmap(t *testing.T, addr uintptr) {
	lo := addr &^ (pageSize - 1)
	off := lo - p.base()
	unmapPage(t, p.region[off:off+pageSize])
	p.unmapped = append(p.unmapped, [2]uintptr{lo, lo + pageSize})
}

func mem(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func rel32(b []byte) int64 {
	return int64(int32(binary.LittleEndian.Uint32(b)))
}

func TestHookPatcher_RedirectsAndRelocates(t *testing.T) {
	proc := newFakeProcess(t)
	fn := proc.function(0, framePrologue)
	p := NewHookPatcher(proc)

	target := fn
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&target, detourA))
	assert.Equal(t, fn, target, "attach only queues")
	require.NoError(t, p.Commit())
	assert.True(t, p.Hooked(fn))

	// The function now jumps to the stub relay.
	code := mem(fn, jmpRel32Len)
	require.Equal(t, byte(jmpRel32Op), code[0])
	stub := uintptr(int64(fn) + jmpRel32Len + rel32(code[1:]))
	assert.Equal(t, stub+relayLen, target)

	// The relay reaches the detour from anywhere.
	r := mem(stub, 14)
	assert.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, r[:6])
	assert.Equal(t, uint64(detourA), binary.LittleEndian.Uint64(r[6:]))

	// Both prologue instructions were moved; the RIP-relative load still
	// reads the same address.
	moved := mem(target, len(framePrologue)+jmpRel32Len)
	assert.Equal(t, framePrologue[:7], moved[:7])
	loadEnd := int64(target) + int64(len(framePrologue))
	assert.Equal(t, int64(fn)+int64(len(framePrologue))+0x10, loadEnd+rel32(moved[7:11]))

	// Then execution resumes after the moved instructions.
	back := moved[len(framePrologue):]
	require.Equal(t, byte(jmpRel32Op), back[0])
	assert.Equal(t, int64(fn)+int64(len(framePrologue)), loadEnd+jmpRel32Len+rel32(back[1:]))

	assert.Equal(t, 1, proc.pins)
	assert.NotZero(t, proc.flushes)

	require.NoError(t, p.Begin())
	require.NoError(t, p.Detach(&target, detourA))
	require.NoError(t, p.Commit())
	assert.Equal(t, fn, target)
	assert.False(t, p.Hooked(fn))
	assert.Equal(t, framePrologue, mem(fn, len(framePrologue)))
}

func TestHookPatcher_ForwardingExport(t *testing.T) {
	proc := newFakeProcess(t)
	// Offset 6 makes the patch straddle a word boundary.
	fn := proc.function(6, forwarderPrologue)
	p := NewHookPatcher(proc)

	target := fn
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&target, detourB))
	require.NoError(t, p.Commit())

	moved := mem(target, len(forwarderPrologue))
	assert.Equal(t, forwarderPrologue[:3], moved[:3])
	end := int64(len(forwarderPrologue))
	assert.Equal(t, int64(fn)+end+0x200, int64(target)+end+rel32(moved[3:7]))

	require.NoError(t, p.Begin())
	require.NoError(t, p.Detach(&target, detourB))
	require.NoError(t, p.Commit())
	assert.Equal(t, forwarderPrologue, mem(fn, len(forwarderPrologue)))
}

func TestHookPatcher_StubsShareAnArena(t *testing.T) {
	proc := newFakeProcess(t)
	a := proc.function(0, framePrologue)
	b := proc.function(0, forwarderPrologue)
	p := NewHookPatcher(proc)

	ta, tb := a, b
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&ta, detourA))
	require.NoError(t, p.Attach(&tb, detourB))
	require.NoError(t, p.Commit())

	assert.Equal(t, 1, proc.allocs)
	assert.Equal(t, uintptr(stubSize), tb-ta)
	assert.Equal(t, 2, proc.pins)
}

func TestHookPatcher_UnrelocatablePrologue(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"function shorter than a jump", []byte{0xC3}},
		{"short branch", []byte{0xEB, 0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := newFakeProcess(t)
			fn := proc.function(0, tt.body)
			before := append([]byte(nil), mem(fn, 8)...)
			p := NewHookPatcher(proc)

			target := fn
			require.NoError(t, p.Begin())
			require.NoError(t, p.Attach(&target, detourA))
			err := p.Commit()
			require.ErrorIs(t, err, ErrPrologue)

			assert.Equal(t, fn, target)
			assert.Equal(t, before, mem(fn, 8))
			assert.False(t, p.Hooked(fn))
		})
	}
}

func TestHookPatcher_RollsBackOnWriteFailure(t *testing.T) {
	proc := newFakeProcess(t)
	a := proc.function(0, framePrologue)
	b := proc.function(0, forwarderPrologue)
	// Two stub writes, then the patch of b fails.
	proc.failAt = 4
	p := NewHookPatcher(proc)

	ta, tb := a, b
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&ta, detourA))
	require.NoError(t, p.Attach(&tb, detourB))
	require.Error(t, p.Commit())

	assert.Equal(t, framePrologue, mem(a, len(framePrologue)))
	assert.Equal(t, forwarderPrologue, mem(b, len(forwarderPrologue)))
	assert.Equal(t, a, ta)
	assert.Equal(t, b, tb)
	assert.False(t, p.Hooked(a))
	assert.False(t, p.Hooked(b))

	// The failed commit ended the transaction.
	require.NoError(t, p.Begin())
	require.NoError(t, p.Abort())
}

func TestHookPatcher_Errors(t *testing.T) {
	proc := newFakeProcess(t)
	fn := proc.function(0, framePrologue)
	p := NewHookPatcher(proc)
	target := fn

	assert.ErrorIs(t, p.Attach(&target, detourA), ErrNoTransaction)
	assert.ErrorIs(t, p.Commit(), ErrNoTransaction)
	assert.ErrorIs(t, p.Abort(), ErrNoTransaction)

	require.NoError(t, p.Begin())
	assert.ErrorIs(t, p.Detach(&target, detourA), ErrHookNotFound)
	require.NoError(t, p.Attach(&target, detourA))
	dup := fn
	assert.ErrorIs(t, p.Attach(&dup, detourB), ErrAlreadyHooked)
	require.NoError(t, p.Commit())

	require.NoError(t, p.Begin())
	again := fn
	assert.ErrorIs(t, p.Attach(&again, detourB), ErrAlreadyHooked)
	assert.ErrorIs(t, p.Detach(&target, detourB), ErrHookNotFound)
	require.NoError(t, p.Abort())
	assert.True(t, p.Hooked(fn), "abort leaves committed state alone")
}

func TestHookPatcher_AttachUnmappedCode(t *testing.T) {
	proc := newFakeProcess(t)
	fn := proc.function(0, framePrologue)
	proc.unmapped = append(proc.unmapped, [2]uintptr{fn, fn + pageSize})
	p := NewHookPatcher(proc)

	target := fn
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&target, detourA))
	assert.ErrorIs(t, p.Commit(), ErrNotMapped)
	assert.Equal(t, fn, target)
}

func TestHookPatcher_DetachAfterImageUnloaded(t *testing.T) {
	if !canUnmap {
		t.Skip("no page protection control")
	}
	proc := newFakeProcess(t)
	gone := proc.function(0, framePrologue)
	kept := proc.function(0, forwarderPrologue)
	p := NewHookPatcher(proc)

	tg, tk := gone, kept
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&tg, detourA))
	require.NoError(t, p.Attach(&tk, detourB))
	require.NoError(t, p.Commit())

	proc.unmap(t, gone)

	require.NoError(t, p.Begin())
	require.NoError(t, p.Detach(&tg, detourA))
	require.NoError(t, p.Detach(&tk, detourB))
	require.NoError(t, p.Commit())

	assert.Equal(t, gone, tg)
	assert.Equal(t, kept, tk)
	assert.False(t, p.Hooked(gone))
	assert.False(t, p.Hooked(kept))
	assert.Equal(t, forwarderPrologue, mem(kept, len(forwarderPrologue)))
}

func TestHookPatcher_DetachRefusesOverwrittenCode(t *testing.T) {
	proc := newFakeProcess(t)
	fn := proc.function(0, framePrologue)
	p := NewHookPatcher(proc)

	target := fn
	require.NoError(t, p.Begin())
	require.NoError(t, p.Attach(&target, detourA))
	require.NoError(t, p.Commit())
	fwd := target

	// Someone else patched over the jump.
	mem(fn, 1)[0] = 0x90

	require.NoError(t, p.Begin())
	require.NoError(t, p.Detach(&target, detourA))
	assert.ErrorIs(t, p.Commit(), ErrCodeChanged)
	assert.True(t, p.Hooked(fn))
	assert.Equal(t, fwd, target)
}

func TestRelocateOutOfReach(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test code is x86-64")
	}
	code := append(append([]byte(nil), framePrologue...), make([]byte, 16)...)
	var far uint64 = 0x7fff_0000_0000
	_, err := relocate(code, 0x1000_0000, uintptr(far), jmpRel32Len, 64)
	assert.ErrorIs(t, err, ErrOutOfReach)

	moved, err := relocate(code, 0x1000_0000, 0x1000_1000, jmpRel32Len, 64)
	require.NoError(t, err)
	assert.Len(t, moved, len(framePrologue))
}

func TestReachable(t *testing.T) {
	if ptrSize != 8 {
		t.Skip("64-bit only")
	}
	var hi uint64 = 0x7ff0_0000_0000
	assert.True(t, reachable(uintptr(hi), uintptr(hi-0x1000_0000)))
	assert.False(t, reachable(uintptr(hi), 0x1000))
}
