// Package memory describes the address space a fix reads and patches: the
// current process when running as an injected DLL, or a flat file image for
// offline patching.
package memory

import (
	"errors"
	"fmt"
)

var (
	ErrUnmapped      = errors.New("地址未映射")
	ErrProtection    = errors.New("内存保护属性无法修改")
	ErrModuleMissing = errors.New("模块未加载")
	ErrModuleTimeout = errors.New("等待模块加载超时")
	ErrUnsupported   = errors.New("当前平台不支持")
)

// Prot is a set of page permissions.
type Prot int

const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << (iota - 1)
	ProtWrite
	ProtExec

	ProtRX  = ProtRead | ProtExec
	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	perms := []byte("---")
	if p&ProtRead != 0 {
		perms[0] = 'R'
	}
	if p&ProtWrite != 0 {
		perms[1] = 'W'
	}
	if p&ProtExec != 0 {
		perms[2] = 'X'
	}
	return string(perms)
}

// Region is a contiguous range of pages sharing one protection.
type Region struct {
	Addr, Size uintptr
	Prot       Prot
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r Region) Contains(addr uintptr, size int) bool {
	return addr >= r.Addr && addr+uintptr(size) <= r.Addr+r.Size && addr+uintptr(size) >= addr
}

// Space is an address space that can be read, written and re-protected.
//
// WriteRaw does not touch page protection; callers that patch code go through
// patch.Patcher, which relaxes and restores protection around each write.
type Space interface {
	Read(addr uintptr, size int) ([]byte, error)
	WriteRaw(addr uintptr, data []byte) error
	Protect(addr uintptr, size int, prot Prot) (Prot, error)
	Query(addr uintptr) (Region, error)
	PointerSize() int
}

// Module is an executable image mapped into a Space.
type Module struct {
	Name string
	Base uintptr
	Size uintptr
}

// Contains reports whether addr falls inside the module image.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Offset returns addr relative to the module base.
func (m Module) Offset(addr uintptr) uintptr {
	return addr - m.Base
}

// Image reads the whole module image from s.
func (m Module) Image(s Space) ([]byte, error) {
	data, err := s.Read(m.Base, int(m.Size))
	if err != nil {
		return nil, fmt.Errorf("读取模块 %s 镜像失败: %w", m.Name, err)
	}
	return data, nil
}

func (m Module) String() string {
	return fmt.Sprintf("%s@0x%X", m.Name, m.Base)
}
