package control

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultAddress returns the control address of the guard in process pid.
func DefaultAddress(pid int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\loadguard-%d`, pid)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("loadguard-%d.sock", pid))
}
