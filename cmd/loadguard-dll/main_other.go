//go:build !(windows && cgo)

// Stub for platforms where the DLL cannot be built.
// The real implementation requires Windows, cgo and -buildmode=c-shared.

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "loadguard-dll: this binary was built without windows cgo support")
	fmt.Fprintln(os.Stderr, "build with CGO_ENABLED=1 GOOS=windows -buildmode=c-shared to produce loadguard.dll")
	os.Exit(1)
}
