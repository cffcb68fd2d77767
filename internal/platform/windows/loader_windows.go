//go:build windows

package windows

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/agentsh/loadguard/internal/config"
	"github.com/agentsh/loadguard/internal/guard"
	"github.com/agentsh/loadguard/internal/intercept"
	"github.com/agentsh/loadguard/internal/trampoline"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procSetLastError          = kernel32.NewProc("SetLastError")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

var _ guard.Platform = (*Loader)(nil)

// Loader is the Windows implementation of guard.Platform.
type Loader struct {
	patcher *HookPatcher
}

// NewLoader returns a loader that patches code in the current process.
func NewLoader() (*Loader, error) {
	for _, p := range []*windows.LazyProc{procSetLastError, procFlushInstructionCache} {
		if err := p.Find(); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p.Name, err)
		}
	}
	if _, err := decodeMode(); err != nil {
		return nil, err
	}
	return &Loader{patcher: NewHookPatcher(currentProcess{})}, nil
}

func (l *Loader) IsHelperProcess() bool {
	return os.Getenv(config.EnvHelper) != ""
}

// OpenModule loads a system module from the system directory.
func (l *Loader) OpenModule(name string) (guard.Module, error) {
	h, err := windows.LoadLibraryEx(name, 0, windows.LOAD_LIBRARY_SEARCH_SYSTEM32)
	if err != nil {
		return nil, fmt.Errorf("LoadLibraryEx(%s): %w", name, err)
	}
	return &module{name: name, h: h}, nil
}

func (l *Loader) Patcher() intercept.Patcher      { return l.patcher }
func (l *Loader) LastError() trampoline.LastError { return lastError{} }
func (l *Loader) Caller() trampoline.Caller       { return caller{} }

// Callback converts a trampoline function into a stdcall callback.
// Callbacks are never released; a process can create about 2000.
func (l *Loader) Callback(fn any) (addr uintptr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("NewCallback: %v", r)
		}
	}()
	return windows.NewCallback(fn), nil
}

// Hooked reports whether the function at real is currently redirected.
func (l *Loader) Hooked(real uintptr) bool {
	return l.patcher.Hooked(real)
}

type module struct {
	name string
	h    windows.Handle
}

func (m *module) Name() string { return m.name }

func (m *module) Proc(name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(m.h, name)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress(%s!%s): %w", m.name, name, err)
	}
	return addr, nil
}

func (m *module) Release() error {
	return windows.FreeLibrary(m.h)
}

type lastError struct{}

func (lastError) SetLastError(code uint32) {
	_, _, _ = procSetLastError.Call(uintptr(code))
}

type caller struct{}

func (caller) Call(fn uintptr, args ...uintptr) (uintptr, uint32) {
	r, _, errno := syscall.SyscallN(fn, args...)
	return r, uint32(errno)
}

type currentProcess struct{}

// allocGranularity is the alignment of VirtualAlloc reservations.
const allocGranularity = 0x10000

// Alloc searches free address space downward, then upward, from near.
func (currentProcess) Alloc(near, size uintptr) (uintptr, error) {
	lo, hi := uintptr(allocGranularity), ^uintptr(0)-maxReach
	if near > maxReach+lo {
		lo = near - maxReach
	}
	if near < hi {
		hi = near + maxReach - size
	}
	try := func(addr uintptr) (uintptr, bool) {
		a, err := windows.VirtualAlloc(addr, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READ)
		return a, err == nil && a != 0
	}
	start := near &^ (allocGranularity - 1)
	for addr := start - allocGranularity; addr >= lo && addr < start; addr -= allocGranularity {
		if a, ok := try(addr); ok {
			return a, nil
		}
	}
	for addr := start + allocGranularity; addr <= hi && addr > start; addr += allocGranularity {
		if a, ok := try(addr); ok {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%#x: %w", near, ErrOutOfReach)
}

func (currentProcess) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, prot, &old); err != nil {
		return 0, fmt.Errorf("VirtualProtect(%#x): %w", addr, err)
	}
	return old, nil
}

func (currentProcess) Mapped(addr, size uintptr) bool {
	for a := addr; a < addr+size; {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(a, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return false
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return false
		}
		a = mbi.BaseAddress + mbi.RegionSize
	}
	return true
}

// Pin adds a permanent reference to the module containing addr.
func (currentProcess) Pin(addr uintptr) error {
	var h windows.Handle
	err := windows.GetModuleHandleEx(
		windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS|windows.GET_MODULE_HANDLE_EX_FLAG_PIN,
		(*uint16)(unsafe.Pointer(addr)), &h)
	if err != nil {
		return fmt.Errorf("GetModuleHandleEx(%#x): %w", addr, err)
	}
	return nil
}

func (currentProcess) FlushCode(addr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache(%#x): %w", addr, err)
	}
	return nil
}

// Invoke calls the native entry point at fn the way a foreign caller would,
// passing name in the encoding e expects. It returns the module handle and
// the last-error value.
func Invoke(fn uintptr, e trampoline.EntryPoint, name string) (uintptr, uint32, error) {
	var arg uintptr
	var keep any
	if e.Encoding == trampoline.Wide {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return 0, 0, err
		}
		arg, keep = uintptr(unsafe.Pointer(p)), p
	} else {
		p, err := windows.BytePtrFromString(name)
		if err != nil {
			return 0, 0, err
		}
		arg, keep = uintptr(unsafe.Pointer(p)), p
	}
	args := []uintptr{arg}
	if e.Shape == trampoline.Ex {
		args = append(args, 0, 0)
	}
	r, _, errno := syscall.SyscallN(fn, args...)
	runtime.KeepAlive(keep)
	return r, uint32(errno), nil
}

// FreeModule releases a module handle returned by Invoke.
func FreeModule(h uintptr) error {
	return windows.FreeLibrary(windows.Handle(h))
}
