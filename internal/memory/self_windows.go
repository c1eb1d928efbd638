//go:build windows

package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

// Self is the address space of the current process. Injected fixes patch the
// host game through it.
type Self struct{}

// NewSelf returns the current process address space.
func NewSelf() (Space, error) {
	return Self{}, nil
}

func (Self) PointerSize() int {
	return int(unsafe.Sizeof(uintptr(0)))
}

func (s Self) Read(addr uintptr, size int) ([]byte, error) {
	if err := s.check(addr, size, ProtRead); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), size))
	return out, nil
}

func (s Self) WriteRaw(addr uintptr, data []byte) error {
	if err := s.check(addr, len(data), ProtWrite); err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	if r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(len(data))); r == 0 {
		return fmt.Errorf("刷新指令缓存失败: %w", err)
	}
	return nil
}

func (Self) Protect(addr uintptr, size int, prot Prot) (Prot, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), toPageProtect(prot), &old); err != nil {
		return ProtNone, fmt.Errorf("VirtualProtect 0x%X 失败: %w: %w", addr, ErrProtection, err)
	}
	return fromPageProtect(old), nil
}

func (Self) Query(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, fmt.Errorf("VirtualQuery 0x%X 失败: %w: %w", addr, ErrUnmapped, err)
	}
	if mbi.State != windows.MEM_COMMIT {
		return Region{}, fmt.Errorf("地址 0x%X 未提交: %w", addr, ErrUnmapped)
	}
	return Region{Addr: mbi.BaseAddress, Size: mbi.RegionSize, Prot: fromPageProtect(mbi.Protect)}, nil
}

// check walks every region overlapping [addr, addr+size).
func (s Self) check(addr uintptr, size int, need Prot) error {
	end := addr + uintptr(size)
	for cur := addr; cur < end; {
		r, err := s.Query(cur)
		if err != nil {
			return err
		}
		if r.Prot&need == 0 {
			return fmt.Errorf("地址 0x%X 权限 %s 不满足 %s: %w", cur, r.Prot, need, ErrProtection)
		}
		cur = r.Addr + r.Size
	}
	return nil
}

// FindModule resolves a module loaded in the current process. An empty name
// selects the main executable.
func FindModule(name string) (Module, error) {
	var namePtr *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return Module{}, err
		}
		namePtr = p
	} else if exe, err := os.Executable(); err == nil {
		name = filepath.Base(exe)
	}

	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namePtr, &h); err != nil {
		return Module{}, fmt.Errorf("%w: %s", ErrModuleMissing, name)
	}

	var info windows.ModuleInfo
	if err := windows.GetModuleInformation(windows.CurrentProcess(), h, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return Module{}, fmt.Errorf("获取模块 %s 信息失败: %w", name, err)
	}
	return Module{Name: name, Base: info.BaseOfDll, Size: uintptr(info.SizeOfImage)}, nil
}

func toPageProtect(p Prot) uint32 {
	switch p {
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtRW:
		return windows.PAGE_READWRITE
	case ProtExec:
		return windows.PAGE_EXECUTE
	case ProtRX:
		return windows.PAGE_EXECUTE_READ
	case ProtRWX, ProtWrite | ProtExec:
		return windows.PAGE_EXECUTE_READWRITE
	default:
		return windows.PAGE_NOACCESS
	}
}

func fromPageProtect(p uint32) Prot {
	switch p &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRW
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRX
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRWX
	default:
		return ProtNone
	}
}
