package hook

import (
	"errors"
	"fmt"
)

var (
	ErrArchUnsupported = errors.New("不支持的架构")
	ErrRegUnsupported  = errors.New("该架构没有此寄存器")
	ErrRegReadOnly     = errors.New("寄存器只读")
	ErrFPUOverflow     = errors.New("x87 寄存器栈溢出")
	ErrFPUUnderflow    = errors.New("x87 寄存器栈为空")
	ErrXMMIndex        = errors.New("XMM 寄存器编号无效")
)

type Arch int

const (
	ArchUnknown Arch = iota
	Arch386
	ArchAMD64
)

func (a Arch) String() string {
	switch a {
	case Arch386:
		return "x86"
	case ArchAMD64:
		return "x64"
	default:
		return "unknown"
	}
}

// PointerSize returns the native word width in bytes.
func (a Arch) PointerSize() int {
	if a == ArchAMD64 {
		return 8
	}
	return 4
}

// GPRs returns how many general purpose registers the architecture has.
func (a Arch) GPRs() int {
	if a == ArchAMD64 {
		return 16
	}
	return 8
}

// XMMs returns how many SSE registers the architecture has.
func (a Arch) XMMs() int {
	if a == ArchAMD64 {
		return 16
	}
	return 8
}

// Reg names a register of the intercepted thread. On x86 the low 32 bits
// of the 64-bit names are used (AX is EAX).
type Reg int

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	IP
	Flags
)

var regNames = [...]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"ip", "flags",
}

func (r Reg) String() string {
	if r < 0 || int(r) >= len(regNames) {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// Name returns the architecture specific spelling, e.g. "eax" or "rax".
func (r Reg) Name(arch Arch) string {
	switch {
	case r >= R8 && r <= R15:
		return r.String()
	case r == Flags && arch == ArchAMD64:
		return "rflags"
	case r == Flags:
		return "eflags"
	case arch == ArchAMD64:
		return "r" + r.String()
	default:
		return "e" + r.String()
	}
}

// ParseReg accepts the generic names ("ax"), and the x86 ("eax") or x64
// ("rax") spellings.
func ParseReg(s string) (Reg, error) {
	name := s
	if len(name) == 3 && (name[0] == 'e' || name[0] == 'r') && name[1] != '1' && name[1] != '8' && name[1] != '9' {
		name = name[1:]
	}
	switch name {
	case "eflags", "rflags":
		return Flags, nil
	}
	for i, n := range regNames {
		if n == name {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrRegUnsupported, s)
}

func (r Reg) valid(arch Arch) bool {
	switch {
	case r >= AX && r <= DI, r == IP, r == Flags:
		return true
	case r >= R8 && r <= R15:
		return arch == ArchAMD64
	default:
		return false
	}
}
