package hook

// Backend places the machine code that transfers control from an
// intercepted address into Go.
type Backend interface {
	Arch() Arch
	// Install prepares the stub for intercept id at addr and returns the
	// address the jump at addr must target.
	Install(id uint32, addr uintptr) (uintptr, error)
	Release(id uint32) error
}
