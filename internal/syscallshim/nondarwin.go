//go:build !darwin

package syscallshim

// New returns the Fake shim on non-darwin platforms. The real
// implementation (darwin.go) depends on Mach-specific fcntl codes and
// BSD stat layout that have no meaning elsewhere; the loader runtime
// itself is fully testable against Fake, which is also what every
// package's tests use directly regardless of GOOS.
func New() Shim { return NewFake() }
