package hook

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

// FXSAVE area layout.
const (
	fxSize  = 512
	fxFCW   = 0
	fxFSW   = 2
	fxFTW   = 4 // abridged tag word, one bit per physical register
	fxMXCSR = 24
	fxST0   = 32
	fxXMM0  = 160
)

// Context is the register state of the thread that hit an intercept. It is
// private to one firing; changes are written back when the callback returns.
type Context struct {
	arch  Arch
	addr  uintptr
	space memory.Space

	gpr   [16]uint64
	ip    uint64
	flags uint64
	fx    [fxSize]byte

	ipChanged bool
}

// NewContext returns an empty context with the x87 unit in its reset state:
// empty stack, all exceptions masked, MXCSR at its power-on value.
func NewContext(arch Arch) *Context {
	c := &Context{arch: arch}
	binary.LittleEndian.PutUint16(c.fx[fxFCW:], 0x037F)
	binary.LittleEndian.PutUint32(c.fx[fxMXCSR:], 0x1F80)
	return c
}

func (c *Context) Arch() Arch {
	return c.arch
}

// Addr returns the intercepted address.
func (c *Context) Addr() uintptr {
	return c.addr
}

func (c *Context) RegRead(reg Reg) (uint64, error) {
	if !reg.valid(c.arch) {
		return 0, fmt.Errorf("%w: %s (%s)", ErrRegUnsupported, reg, c.arch)
	}
	switch reg {
	case IP:
		return c.ip, nil
	case Flags:
		return c.flags, nil
	default:
		return c.gpr[reg], nil
	}
}

// RegWrite sets a register. The stack pointer cannot be moved from inside
// an intercept.
func (c *Context) RegWrite(reg Reg, value uint64) error {
	if !reg.valid(c.arch) {
		return fmt.Errorf("%w: %s (%s)", ErrRegUnsupported, reg, c.arch)
	}
	if c.arch == Arch386 {
		value &= math.MaxUint32
	}
	switch reg {
	case SP:
		return fmt.Errorf("%w: %s", ErrRegReadOnly, reg.Name(c.arch))
	case IP:
		c.SetIP(value)
	case Flags:
		c.flags = value
	default:
		c.gpr[reg] = value
	}
	return nil
}

// IP returns the instruction pointer. It starts at the intercepted address.
func (c *Context) IP() uint64 {
	return c.ip
}

// SetIP redirects execution once the callback returns. Without a call the
// thread resumes right after the patched span.
func (c *Context) SetIP(ip uint64) {
	c.ip = ip
	c.ipChanged = true
}

// Read reads target memory, e.g. the operand of an instruction the
// intercept replaced.
func (c *Context) Read(addr uintptr, size int) ([]byte, error) {
	if c.space == nil {
		return nil, fmt.Errorf("读取 0x%X 失败: %w", addr, memory.ErrUnmapped)
	}
	return c.space.Read(addr, size)
}

// ReadFloat32 reads a little-endian float32 from target memory.
func (c *Context) ReadFloat32(addr uintptr) (float32, error) {
	b, err := c.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// x87

func (c *Context) FCW() uint16 {
	return binary.LittleEndian.Uint16(c.fx[fxFCW:])
}

func (c *Context) FSW() uint16 {
	return binary.LittleEndian.Uint16(c.fx[fxFSW:])
}

func (c *Context) top() int {
	return int(c.FSW()>>11) & 7
}

func (c *Context) setTop(top int) {
	fsw := c.FSW()&^(7<<11) | uint16(top&7)<<11
	binary.LittleEndian.PutUint16(c.fx[fxFSW:], fsw)
}

// FPUDepth returns the number of occupied x87 registers.
func (c *Context) FPUDepth() int {
	return bits.OnesCount8(c.fx[fxFTW])
}

func (c *Context) stValid(i int) bool {
	return c.fx[fxFTW]&(1<<((c.top()+i)&7)) != 0
}

func (c *Context) stSlot(i int) []byte {
	off := fxST0 + 16*i
	return c.fx[off : off+10]
}

// STRaw returns ST(i) in its native 80-bit form.
func (c *Context) STRaw(i int) (Float80, error) {
	var f Float80
	if i < 0 || i > 7 || !c.stValid(i) {
		return f, fmt.Errorf("%w: ST(%d)", ErrFPUUnderflow, i)
	}
	copy(f[:], c.stSlot(i))
	return f, nil
}

// ST returns ST(i).
func (c *Context) ST(i int) (float64, error) {
	f, err := c.STRaw(i)
	if err != nil {
		return 0, err
	}
	return f.Float64(), nil
}

// SetST replaces the occupied register ST(i).
func (c *Context) SetST(i int, v float64) error {
	if i < 0 || i > 7 || !c.stValid(i) {
		return fmt.Errorf("%w: ST(%d)", ErrFPUUnderflow, i)
	}
	f := NewFloat80(v)
	copy(c.stSlot(i), f[:])
	return nil
}

// FPUPush behaves like an fld: the stack grows by one and ST(0) becomes v.
func (c *Context) FPUPush(v float64) error {
	top := (c.top() - 1) & 7
	if c.fx[fxFTW]&(1<<top) != 0 {
		return ErrFPUOverflow
	}
	for i := 7; i > 0; i-- {
		copy(c.stSlot(i), c.stSlot(i-1))
	}
	f := NewFloat80(v)
	copy(c.stSlot(0), f[:])
	c.setTop(top)
	c.fx[fxFTW] |= 1 << top
	return nil
}

// FPUPop behaves like an fstp: ST(0) is returned and removed.
func (c *Context) FPUPop() (float64, error) {
	v, err := c.ST(0)
	if err != nil {
		return 0, err
	}
	top := c.top()
	for i := 0; i < 7; i++ {
		copy(c.stSlot(i), c.stSlot(i+1))
	}
	clear(c.stSlot(7))
	c.fx[fxFTW] &^= 1 << top
	c.setTop(top + 1)
	return v, nil
}

// SSE

func (c *Context) MXCSR() uint32 {
	return binary.LittleEndian.Uint32(c.fx[fxMXCSR:])
}

func (c *Context) xmmSlot(i int) ([]byte, error) {
	if i < 0 || i >= c.arch.XMMs() {
		return nil, fmt.Errorf("%w: xmm%d (%s)", ErrXMMIndex, i, c.arch)
	}
	off := fxXMM0 + 16*i
	return c.fx[off : off+16], nil
}

// XMM returns the full 128-bit register.
func (c *Context) XMM(i int) ([16]byte, error) {
	var v [16]byte
	slot, err := c.xmmSlot(i)
	if err != nil {
		return v, err
	}
	copy(v[:], slot)
	return v, nil
}

func (c *Context) SetXMM(i int, v [16]byte) error {
	slot, err := c.xmmSlot(i)
	if err != nil {
		return err
	}
	copy(slot, v[:])
	return nil
}

// XMMFloat32 returns the low single precision lane.
func (c *Context) XMMFloat32(i int) (float32, error) {
	slot, err := c.xmmSlot(i)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(slot)), nil
}

// SetXMMFloat32 replaces the low lane and keeps the upper 96 bits.
func (c *Context) SetXMMFloat32(i int, v float32) error {
	slot, err := c.xmmSlot(i)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(slot, math.Float32bits(v))
	return nil
}

// LoadXMMFloat32 behaves like movss xmm, m32: the low lane becomes v and
// the rest of the register is cleared.
func (c *Context) LoadXMMFloat32(i int, v float32) error {
	var reg [16]byte
	binary.LittleEndian.PutUint32(reg[:], math.Float32bits(v))
	return c.SetXMM(i, reg)
}

func (c *Context) XMMFloat64(i int) (float64, error) {
	slot, err := c.xmmSlot(i)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(slot)), nil
}

func (c *Context) SetXMMFloat64(i int, v float64) error {
	slot, err := c.xmmSlot(i)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, math.Float64bits(v))
	return nil
}
