// Package trampoline implements the replacement functions that loader entry
// points are redirected to.
package trampoline

// Win32 error codes set on the calling thread.
const (
	// ErrorNotSupported is reported for a blacklisted load so callers can
	// tell a policy rejection from a missing file.
	ErrorNotSupported uint32 = 50
	// ErrorProcNotFound is reported if a trampoline runs without a
	// forwarding address.
	ErrorProcNotFound uint32 = 127
)

// Encoding is the code-unit width of the library name argument.
type Encoding int

const (
	Narrow Encoding = iota
	Wide
)

func (e Encoding) String() string {
	if e == Wide {
		return "wide"
	}
	return "narrow"
}

// Shape is the call shape of an entry point.
type Shape int

const (
	// Plain takes only the library name.
	Plain Shape = iota
	// Ex takes the name, a reserved file handle and load flags.
	Ex
)

// EntryPoint describes one intercepted loader function.
type EntryPoint struct {
	Name     string
	Encoding Encoding
	Shape    Shape
}

// Arity is the number of arguments the function takes.
func (e EntryPoint) Arity() int {
	if e.Shape == Ex {
		return 3
	}
	return 1
}

// EntryPoints lists the functions intercepted in every target module.
var EntryPoints = []EntryPoint{
	{Name: "LoadLibraryA", Encoding: Narrow, Shape: Plain},
	{Name: "LoadLibraryExA", Encoding: Narrow, Shape: Ex},
	{Name: "LoadLibraryW", Encoding: Wide, Shape: Plain},
	{Name: "LoadLibraryExW", Encoding: Wide, Shape: Ex},
}

// DefaultModules are the system modules exporting the loader functions:
// the public one and the one holding the low-level implementations.
var DefaultModules = []string{"kernel32.dll", "kernelbase.dll"}
