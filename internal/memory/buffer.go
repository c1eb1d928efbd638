package memory

import (
	"fmt"
	"sync"
)

// PageSize is the protection granularity of a Buffer.
const PageSize = 0x1000

// Buffer is a Space backed by a flat byte slice. Offline patchers map a file
// at base 0 so addresses equal file offsets; tests use it to stand in for a
// loaded module.
type Buffer struct {
	mu      sync.RWMutex
	base    uintptr
	data    []byte
	ptrSize int
	prots   []Prot
	locked  []bool
}

// NewBuffer maps data at base with every page set to prot. The slice is
// shared, not copied.
func NewBuffer(data []byte, base uintptr, prot Prot, ptrSize int) *Buffer {
	pages := (len(data) + PageSize - 1) / PageSize
	b := &Buffer{
		base:    base,
		data:    data,
		ptrSize: ptrSize,
		prots:   make([]Prot, pages),
		locked:  make([]bool, pages),
	}
	for i := range b.prots {
		b.prots[i] = prot
	}
	return b
}

// Bytes returns the backing slice.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// Base returns the address of the first byte.
func (b *Buffer) Base() uintptr {
	return b.base
}

// Module describes the whole buffer as a module named name.
func (b *Buffer) Module(name string) Module {
	return Module{Name: name, Base: b.base, Size: uintptr(len(b.data))}
}

// Lock makes every later Protect call touching [addr, addr+size) fail.
func (b *Buffer) Lock(addr uintptr, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, err := b.pages(addr, size)
	if err != nil {
		return
	}
	for i := first; i <= last; i++ {
		b.locked[i] = true
	}
}

func (b *Buffer) PointerSize() int {
	return b.ptrSize
}

func (b *Buffer) Read(addr uintptr, size int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	first, last, err := b.pages(addr, size)
	if err != nil {
		return nil, err
	}
	for i := first; i <= last; i++ {
		if b.prots[i]&ProtRead == 0 {
			return nil, fmt.Errorf("读取 0x%X 失败: 页面不可读: %w", addr, ErrProtection)
		}
	}
	off := addr - b.base
	out := make([]byte, size)
	copy(out, b.data[off:off+uintptr(size)])
	return out, nil
}

func (b *Buffer) WriteRaw(addr uintptr, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, err := b.pages(addr, len(data))
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		if b.prots[i]&ProtWrite == 0 {
			return fmt.Errorf("写入 0x%X 失败: 页面只读 (%s): %w", addr, b.prots[i], ErrProtection)
		}
	}
	copy(b.data[addr-b.base:], data)
	return nil
}

// Protect sets every page of the range to prot and, like VirtualProtect,
// returns the old protection of the first page only.
func (b *Buffer) Protect(addr uintptr, size int, prot Prot) (Prot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, err := b.pages(addr, size)
	if err != nil {
		return ProtNone, err
	}
	for i := first; i <= last; i++ {
		if b.locked[i] {
			return ProtNone, fmt.Errorf("修改 0x%X 保护属性失败: %w", addr, ErrProtection)
		}
	}
	old := b.prots[first]
	for i := first; i <= last; i++ {
		b.prots[i] = prot
	}
	return old, nil
}

func (b *Buffer) Query(addr uintptr) (Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	page, _, err := b.pages(addr, 1)
	if err != nil {
		return Region{}, err
	}
	start := b.base + uintptr(page*PageSize)
	end := start + PageSize
	if limit := b.base + uintptr(len(b.data)); end > limit {
		end = limit
	}
	return Region{Addr: start, Size: end - start, Prot: b.prots[page]}, nil
}

func (b *Buffer) pages(addr uintptr, size int) (int, int, error) {
	if size <= 0 {
		size = 1
	}
	end := addr + uintptr(size)
	if addr < b.base || end > b.base+uintptr(len(b.data)) || end < addr {
		return 0, 0, fmt.Errorf("地址 0x%X (+%d) 超出映射范围: %w", addr, size, ErrUnmapped)
	}
	off := int(addr - b.base)
	return off / PageSize, (off + size - 1) / PageSize, nil
}
