//go:build linux || darwin

package windows

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// codeRegion maps anonymous memory outside the Go heap.
func codeRegion(t *testing.T, size int) []byte {
	t.Helper()
	b, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Munmap(b) })
	return b
}

// unmapPage makes a page of a region fault on access, like an image that
// was unloaded.
func unmapPage(t *testing.T, page []byte) {
	t.Helper()
	require.NoError(t, syscall.Mprotect(page, syscall.PROT_NONE))
}

const canUnmap = true
