//go:build !windows

package windows

import (
	"errors"
	"fmt"

	"github.com/agentsh/loadguard/internal/guard"
	"github.com/agentsh/loadguard/internal/intercept"
	"github.com/agentsh/loadguard/internal/trampoline"
)

// ErrUnsupported is returned by the loader on other platforms.
var ErrUnsupported = errors.New("load interception only available on Windows")

var _ guard.Platform = (*Loader)(nil)

// Loader is only functional on Windows.
type Loader struct{}

// NewLoader is only available on Windows.
func NewLoader() (*Loader, error) {
	return nil, fmt.Errorf("NewLoader: %w", ErrUnsupported)
}

func (l *Loader) IsHelperProcess() bool { return false }

func (l *Loader) OpenModule(name string) (guard.Module, error) {
	return nil, fmt.Errorf("OpenModule(%s): %w", name, ErrUnsupported)
}

func (l *Loader) Patcher() intercept.Patcher      { return nil }
func (l *Loader) LastError() trampoline.LastError { return nil }
func (l *Loader) Caller() trampoline.Caller       { return nil }

func (l *Loader) Callback(fn any) (uintptr, error) {
	return 0, fmt.Errorf("Callback: %w", ErrUnsupported)
}

func (l *Loader) Hooked(real uintptr) bool { return false }

// Invoke is only available on Windows.
func Invoke(fn uintptr, e trampoline.EntryPoint, name string) (uintptr, uint32, error) {
	return 0, 0, fmt.Errorf("Invoke: %w", ErrUnsupported)
}

// FreeModule is only available on Windows.
func FreeModule(h uintptr) error {
	return fmt.Errorf("FreeModule: %w", ErrUnsupported)
}
