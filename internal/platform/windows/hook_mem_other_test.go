//go:build !(linux || darwin)

package windows

import "testing"

func codeRegion(t *testing.T, size int) []byte {
	return make([]byte, size)
}

func unmapPage(t *testing.T, page []byte) {}

const canUnmap = false
