package names

// ASCII case folding for the case-insensitive match policy. Only 'A'-'Z'
// are folded; the loader's own comparison is locale independent and the
// names we block are plain ASCII in practice.

func lowerASCII(c uint16) uint16 {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// FoldString returns s with ASCII letters lowered.
func FoldString(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				b[j] = byte(lowerASCII(uint16(b[j])))
			}
			return string(b)
		}
	}
	return s
}

// FoldBytes writes the folded form of s into buf and returns the used part.
// ok is false when s does not fit.
func FoldBytes(buf *[MaxFileName]byte, s []byte) (folded []byte, ok bool) {
	if len(s) > len(buf) {
		return nil, false
	}
	for i, c := range s {
		buf[i] = byte(lowerASCII(uint16(c)))
	}
	return buf[:len(s)], true
}

// FoldWide is FoldBytes for 16-bit code units.
func FoldWide(buf *[MaxFileName]uint16, s []uint16) (folded []uint16, ok bool) {
	if len(s) > len(buf) {
		return nil, false
	}
	for i, c := range s {
		buf[i] = lowerASCII(c)
	}
	return buf[:len(s)], true
}
