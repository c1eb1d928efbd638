//go:build !windows

package memory

// NewSelf is only available on windows, where the fixes run inside the game.
func NewSelf() (Space, error) {
	return nil, ErrUnsupported
}

// FindModule is only available on windows.
func FindModule(name string) (Module, error) {
	return Module{}, ErrUnsupported
}
