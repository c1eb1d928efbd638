//go:build windows && (386 || amd64)

package hook

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	chunkSize = 0x10000 // allocation granularity
	slotSize  = 128
)

var (
	dispatchOnce sync.Once
	dispatchAddr uintptr
)

func hostArch() Arch {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return ArchAMD64
	}
	return Arch386
}

// nativeDispatch is entered from a stub on the game thread.
func nativeDispatch(id, frame, fx uintptr) uintptr {
	arch := hostArch()
	gp := unsafe.Slice((*byte)(unsafe.Pointer(frame)), frameSize(arch))
	area := unsafe.Slice((*byte)(unsafe.Pointer(fx)), fxSize)
	return dispatchFrame(uint32(id), frame, gp, area)
}

type chunk struct {
	base uintptr
	used uintptr
}

// NativeBackend writes stubs into executable memory of the current
// process. Stub memory is never handed out twice: a thread may still be
// running a released stub.
type NativeBackend struct {
	arch Arch

	mu     sync.Mutex
	chunks []*chunk
	stubs  map[uint32]uintptr
}

func NewNativeBackend() (*NativeBackend, error) {
	dispatchOnce.Do(func() {
		dispatchAddr = syscall.NewCallback(nativeDispatch)
	})
	return &NativeBackend{
		arch:  hostArch(),
		stubs: make(map[uint32]uintptr),
	}, nil
}

func (b *NativeBackend) Arch() Arch {
	return b.arch
}

func (b *NativeBackend) Install(id uint32, addr uintptr) (uintptr, error) {
	var code []byte
	if b.arch == ArchAMD64 {
		code = stub64(id, uint64(dispatchAddr))
	} else {
		code = stub32(id, uint32(dispatchAddr))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	slot, err := b.slot(addr)
	if err != nil {
		return 0, err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(slot)), len(code)), code)
	b.stubs[id] = slot
	return slot, nil
}

func (b *NativeBackend) Release(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stubs, id)
	return nil
}

func (b *NativeBackend) slot(addr uintptr) (uintptr, error) {
	for _, c := range b.chunks {
		if c.used+slotSize > chunkSize {
			continue
		}
		if _, ok := jump(b.arch, addr, c.base+c.used); !ok {
			continue
		}
		s := c.base + c.used
		c.used += slotSize
		return s, nil
	}

	base, err := b.alloc(addr)
	if err != nil {
		return 0, err
	}
	c := &chunk{base: base, used: slotSize}
	b.chunks = append(b.chunks, c)
	return base, nil
}

// alloc reserves a fresh executable chunk. On x64 it must lie within rel32
// reach of addr, so free addresses are probed outward from it.
func (b *NativeBackend) alloc(addr uintptr) (uintptr, error) {
	const flags = windows.MEM_COMMIT | windows.MEM_RESERVE
	if b.arch != ArchAMD64 {
		p, err := windows.VirtualAlloc(0, chunkSize, flags, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return 0, fmt.Errorf("分配跳板内存失败: %w", err)
		}
		return p, nil
	}

	origin := addr &^ (chunkSize - 1)
	const limit = 1<<31 - 2*chunkSize
	for delta := uintptr(chunkSize); delta < limit; delta += chunkSize {
		if origin > delta {
			if p, err := windows.VirtualAlloc(origin-delta, chunkSize, flags, windows.PAGE_EXECUTE_READWRITE); err == nil {
				return p, nil
			}
		}
		if p, err := windows.VirtualAlloc(origin+delta, chunkSize, flags, windows.PAGE_EXECUTE_READWRITE); err == nil {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%X 附近没有可用内存", ErrJumpRange, addr)
}
