//go:build !(windows && (386 || amd64))

package hook

import (
	"fmt"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

// NativeBackend is only available to windows/386 and windows/amd64 builds.
type NativeBackend struct{}

func NewNativeBackend() (*NativeBackend, error) {
	return nil, fmt.Errorf("原生拦截: %w", memory.ErrUnsupported)
}

func (b *NativeBackend) Arch() Arch {
	return ArchUnknown
}

func (b *NativeBackend) Install(id uint32, addr uintptr) (uintptr, error) {
	return 0, memory.ErrUnsupported
}

func (b *NativeBackend) Release(id uint32) error {
	return memory.ErrUnsupported
}
