// Package names reduces library references to bare file names.
//
// Library references reach the loader either as 8-bit strings (the "A"
// entry points) or as 16-bit strings (the "W" entry points). Every helper
// here has a narrow and a wide form with identical semantics, and none of
// them allocate: results are sub-slices or views of the input.
package names

import "unsafe"

// MaxFileName is the longest file name component NTFS accepts, in code units.
const MaxFileName = 255

// MaxPath bounds how far CString and WideString scan for a terminator.
const MaxPath = 32768

func isSeparator(c uint16) bool {
	return c == '\\' || c == '/'
}

// FileName returns the component after the last '\' or '/'.
// Case is preserved.
func FileName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if isSeparator(uint16(path[i])) {
			return path[i+1:]
		}
	}
	return path
}

// FileNameBytes is FileName for 8-bit code units.
func FileNameBytes(path []byte) []byte {
	for i := len(path) - 1; i >= 0; i-- {
		if isSeparator(uint16(path[i])) {
			return path[i+1:]
		}
	}
	return path
}

// FileNameWide is FileName for 16-bit code units.
func FileNameWide(path []uint16) []uint16 {
	for i := len(path) - 1; i >= 0; i-- {
		if isSeparator(path[i]) {
			return path[i+1:]
		}
	}
	return path
}

// CString views the NUL-terminated 8-bit string at p without copying.
// A zero pointer yields nil. The view is only valid while the caller's
// buffer is.
func CString(p uintptr) []byte {
	if p == 0 {
		return nil
	}
	base := unsafe.Pointer(p)
	n := 0
	for n < MaxPath && *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return unsafe.Slice((*byte)(base), n)
}

// WideString views the NUL-terminated 16-bit string at p without copying.
func WideString(p uintptr) []uint16 {
	if p == 0 {
		return nil
	}
	base := unsafe.Pointer(p)
	n := 0
	for n < MaxPath && *(*uint16)(unsafe.Add(base, n*2)) != 0 {
		n++
	}
	return unsafe.Slice((*uint16)(base), n)
}

// WideKey reinterprets 16-bit code units as a string key of 2*len(s) bytes.
// The result aliases s and must not outlive it.
func WideKey(s []uint16) string {
	if len(s) == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(&s[0])), len(s)*2)
}
