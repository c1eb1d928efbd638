package hook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/WSFix/internal/memory"
	"github.com/ZacharyZcR/WSFix/internal/patch"
)

const (
	codeBase  = 0x401000
	frameAddr = 0x0019F000
)

type fakeBackend struct {
	arch     Arch
	distance uintptr
	stubs    map[uint32]uintptr
	released []uint32
}

func newFakeBackend(arch Arch) *fakeBackend {
	return &fakeBackend{arch: arch, distance: 0x10000, stubs: make(map[uint32]uintptr)}
}

func (b *fakeBackend) Arch() Arch { return b.arch }

func (b *fakeBackend) Install(id uint32, addr uintptr) (uintptr, error) {
	stub := addr + b.distance
	b.stubs[id] = stub
	return stub, nil
}

func (b *fakeBackend) Release(id uint32) error {
	delete(b.stubs, id)
	b.released = append(b.released, id)
	return nil
}

type fixture struct {
	buf     *memory.Buffer
	patcher *patch.Patcher
	backend *fakeBackend
	engine  *Engine
}

// newFixture maps 256 bytes of code with a 6-byte NOP span at +0x10.
func newFixture(t *testing.T, arch Arch) *fixture {
	t.Helper()
	data := bytes.Repeat([]byte{0xCC}, 256)
	copy(data[0x10:], bytes.Repeat([]byte{patch.NOP}, 6))
	buf := memory.NewBuffer(data, codeBase, memory.ProtRX, arch.PointerSize())
	p := patch.New(buf)
	backend := newFakeBackend(arch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{buf: buf, patcher: p, backend: backend, engine: NewEngine(buf, p, backend, logger)}
}

// newFrame lays out a saved thread the way a stub would.
func newFrame(arch Arch, regs map[Reg]uint64, flags uint64) (gp, fx []byte) {
	c := NewContext(arch)
	for r, v := range regs {
		c.gpr[r] = v
	}
	c.flags = flags
	gp = make([]byte, frameSize(arch))
	fx = make([]byte, fxSize)
	encodeFrame(c, gp, fx)
	return gp, fx
}

func TestAttachPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		addr    uintptr
		span    int
		wantErr error
	}{
		{name: "span too short", addr: codeBase + 0x10, span: 4, wantErr: ErrSpan},
		{name: "not nopped", addr: codeBase + 0x20, span: 5, wantErr: ErrNotPatched},
		{name: "runs past nops", addr: codeBase + 0x12, span: 5, wantErr: ErrNotPatched},
		{name: "unmapped", addr: codeBase + 0xFE, span: 5, wantErr: memory.ErrUnmapped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Arch386)
			_, err := f.engine.Attach(tt.addr, tt.span, func(*Context) error { return nil })
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.engine.Intercepts())
			assert.Empty(t, f.patcher.Records())
		})
	}
}

func TestAttachConflict(t *testing.T) {
	f := newFixture(t, Arch386)
	nop := func(*Context) error { return nil }

	_, err := f.engine.Attach(codeBase+0x10, 6, nop)
	require.NoError(t, err)

	_, err = f.engine.Attach(codeBase+0x10, 6, nop)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAttachJumpRange(t *testing.T) {
	f := newFixture(t, ArchAMD64)
	f.backend.distance = 1<<31 + 0x1000

	_, err := f.engine.Attach(codeBase+0x10, 6, func(*Context) error { return nil })
	require.ErrorIs(t, err, ErrJumpRange)
	assert.Len(t, f.backend.released, 1)

	got, err := f.buf.Read(codeBase+0x10, 6)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{patch.NOP}, 6), got)
}

func TestAttachFailureForgetsID(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "jump out of range",
			setup:   func(f *fixture) { f.backend.distance = 1<<31 + 0x1000 },
			wantErr: ErrJumpRange,
		},
		{
			name:    "jump write refused",
			setup:   func(f *fixture) { f.buf.Lock(codeBase, 256) },
			wantErr: memory.ErrProtection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ArchAMD64)
			tt.setup(f)

			_, err := f.engine.Attach(codeBase+0x10, 6, func(*Context) error { return nil })
			require.ErrorIs(t, err, tt.wantErr)
			require.Len(t, f.backend.released, 1)
			assert.Empty(t, f.backend.stubs)

			_, ok := registry.Load(f.backend.released[0])
			assert.False(t, ok)
			assert.Empty(t, f.engine.Intercepts())
		})
	}
}

func TestAttachDetach(t *testing.T) {
	f := newFixture(t, Arch386)
	addr := uintptr(codeBase + 0x10)

	h, err := f.engine.Attach(addr, 6, func(*Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, h.State())

	got, err := f.buf.Read(addr, 6)
	require.NoError(t, err)
	assert.Equal(t, byte(0xE9), got[0])
	assert.Equal(t, uint32(0x10000-JumpSize), binary.LittleEndian.Uint32(got[1:5]))
	assert.Equal(t, byte(patch.NOP), got[5])

	require.NoError(t, h.Close())
	assert.Equal(t, StateUninstalled, h.State())
	got, err = f.buf.Read(addr, 6)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{patch.NOP}, 6), got)
	assert.Equal(t, []uint32{h.ID()}, f.backend.released)

	assert.ErrorIs(t, f.engine.Detach(h), ErrDetached)

	// A detached intercept can be attached again.
	_, err = f.engine.Attach(addr, 6, func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, f.engine.DetachAll())
	assert.Empty(t, f.engine.Intercepts())
}

func TestFireRegisterIsolation(t *testing.T) {
	f := newFixture(t, Arch386)
	addr := uintptr(codeBase + 0x10)

	var seenEAX, seenSP uint64
	h, err := f.engine.Attach(addr, 6, func(ctx *Context) error {
		var err error
		if seenEAX, err = ctx.RegRead(AX); err != nil {
			return err
		}
		if seenSP, err = ctx.RegRead(SP); err != nil {
			return err
		}
		if err := ctx.RegWrite(CX, 0xCAFEBABE); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	regs := map[Reg]uint64{AX: 1, CX: 2, DX: 3, BX: 4, BP: 6, SI: 7, DI: 8}
	gp, fx := newFrame(Arch386, regs, 0x246)
	before := bytes.Clone(gp)
	fxBefore := bytes.Clone(fx)

	resume := dispatchFrame(h.ID(), frameAddr, gp, fx)
	assert.Equal(t, addr+6, resume)
	assert.Equal(t, uint64(1), seenEAX)
	assert.Equal(t, uint64(frameAddr+40), seenSP)
	assert.Equal(t, uint64(1), h.Fired())

	cxOff := gprOffset(Arch386, CX)
	for i := range gp {
		switch {
		case i >= cxOff && i < cxOff+4:
		case i >= resumeOffset(Arch386):
		default:
			assert.Equal(t, before[i], gp[i], "frame byte %d", i)
		}
	}
	assert.Equal(t, uint32(0xCAFEBABE), binary.LittleEndian.Uint32(gp[cxOff:]))
	assert.Equal(t, uint32(addr+6), binary.LittleEndian.Uint32(gp[resumeOffset(Arch386):]))
	assert.Equal(t, fxBefore, fx)
}

// An intercept replacing "fld dword ptr [eax]" pushes the corrected value;
// the game's following fstp must then see it.
func TestFireFPUPush(t *testing.T) {
	f := newFixture(t, Arch386)
	addr := uintptr(codeBase + 0x10)

	h, err := f.engine.Attach(addr, 6, func(ctx *Context) error {
		return ctx.FPUPush(1.25)
	})
	require.NoError(t, err)

	gp, fx := newFrame(Arch386, nil, 0)
	dispatchFrame(h.ID(), frameAddr, gp, fx)

	after := decodeFrame(Arch386, frameAddr, gp, fx)
	assert.Equal(t, 1, after.FPUDepth())
	assert.Equal(t, 7, after.top())

	v, err := after.FPUPop()
	require.NoError(t, err)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
	assert.Equal(t, float32(1.25), math.Float32frombits(binary.LittleEndian.Uint32(out)))
	assert.Equal(t, 0, after.FPUDepth())
}

func TestFireRedirectAndFailures(t *testing.T) {
	t.Run("set ip", func(t *testing.T) {
		f := newFixture(t, ArchAMD64)
		h, err := f.engine.Attach(codeBase+0x10, 6, func(ctx *Context) error {
			ctx.SetIP(codeBase + 0x80)
			return nil
		})
		require.NoError(t, err)

		gp, fx := newFrame(ArchAMD64, nil, 0)
		assert.Equal(t, uintptr(codeBase+0x80), dispatchFrame(h.ID(), frameAddr, gp, fx))
	})

	t.Run("panic keeps the frame", func(t *testing.T) {
		f := newFixture(t, ArchAMD64)
		h, err := f.engine.Attach(codeBase+0x10, 6, func(ctx *Context) error {
			_ = ctx.RegWrite(AX, 99)
			panic("boom")
		})
		require.NoError(t, err)

		gp, fx := newFrame(ArchAMD64, map[Reg]uint64{AX: 5}, 0)
		before := bytes.Clone(gp)
		assert.Equal(t, uintptr(codeBase+0x16), dispatchFrame(h.ID(), frameAddr, gp, fx))
		assert.Equal(t, before, gp)
		assert.Equal(t, uint64(1), h.Fired())
	})

	t.Run("error still resumes", func(t *testing.T) {
		f := newFixture(t, Arch386)
		h, err := f.engine.Attach(codeBase+0x10, 6, func(ctx *Context) error {
			return errors.New("bad operand")
		})
		require.NoError(t, err)

		gp, fx := newFrame(Arch386, nil, 0)
		assert.Equal(t, uintptr(codeBase+0x16), dispatchFrame(h.ID(), frameAddr, gp, fx))
	})

	t.Run("detached intercept is skipped", func(t *testing.T) {
		f := newFixture(t, Arch386)
		h, err := f.engine.Attach(codeBase+0x10, 6, func(ctx *Context) error { return nil })
		require.NoError(t, err)
		require.NoError(t, h.Close())

		gp, fx := newFrame(Arch386, nil, 0)
		assert.Equal(t, uintptr(codeBase+0x16), dispatchFrame(h.ID(), frameAddr, gp, fx))
		assert.Zero(t, h.Fired())
	})
}

func TestInvoke(t *testing.T) {
	f := newFixture(t, Arch386)
	var seen uintptr
	h, err := f.engine.Attach(codeBase+0x10, 6, func(ctx *Context) error {
		seen = ctx.Addr()
		b, err := ctx.Read(codeBase, 1)
		if err != nil {
			return err
		}
		return ctx.RegWrite(AX, uint64(b[0]))
	})
	require.NoError(t, err)

	ctx := NewContext(Arch386)
	assert.Equal(t, uintptr(codeBase+0x16), h.Invoke(ctx))
	assert.Equal(t, uintptr(codeBase+0x10), seen)
	ax, err := ctx.RegRead(AX)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xCC), ax)
	assert.Equal(t, uint64(codeBase+0x16), ctx.IP())
	assert.Equal(t, uint64(1), h.Fired())
}

func TestContextRegisters(t *testing.T) {
	x64 := NewContext(ArchAMD64)
	require.NoError(t, x64.RegWrite(R12, 0x1122334455667788))
	v, err := x64.RegRead(R12)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)
	assert.ErrorIs(t, x64.RegWrite(SP, 0), ErrRegReadOnly)

	x86 := NewContext(Arch386)
	_, err = x86.RegRead(R8)
	assert.ErrorIs(t, err, ErrRegUnsupported)
	require.NoError(t, x86.RegWrite(AX, 0x1_0000_0001))
	v, err = x86.RegRead(AX)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = x86.XMM(8)
	assert.ErrorIs(t, err, ErrXMMIndex)
}

func TestContextXMM(t *testing.T) {
	c := NewContext(ArchAMD64)
	var full [16]byte
	for i := range full {
		full[i] = 0xFF
	}
	require.NoError(t, c.SetXMM(3, full))

	require.NoError(t, c.SetXMMFloat32(3, 1.5))
	reg, err := c.XMM(3)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), reg[15])

	require.NoError(t, c.LoadXMMFloat32(3, 2.5))
	reg, err = c.XMM(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 12), reg[4:])
	f, err := c.XMMFloat32(3)
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), f)

	require.NoError(t, c.SetXMMFloat64(15, math.Pi))
	d, err := c.XMMFloat64(15)
	require.NoError(t, err)
	assert.Equal(t, math.Pi, d)
}

func TestFPUStack(t *testing.T) {
	c := NewContext(Arch386)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.FPUPush(float64(i)))
	}
	assert.ErrorIs(t, c.FPUPush(8), ErrFPUOverflow)
	assert.Equal(t, 8, c.FPUDepth())

	v, err := c.ST(0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
	v, err = c.ST(7)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	require.NoError(t, c.SetST(1, -3))
	for _, want := range []float64{7, -3, 5, 4, 3, 2, 1, 0} {
		got, err := c.FPUPop()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = c.FPUPop()
	assert.ErrorIs(t, err, ErrFPUUnderflow)
	assert.Equal(t, 0, c.top())
}

func TestFloat80(t *testing.T) {
	one := NewFloat80(1)
	assert.Equal(t, uint64(1)<<63, binary.LittleEndian.Uint64(one[:8]))
	assert.Equal(t, uint16(0x3FFF), binary.LittleEndian.Uint16(one[8:]))

	tests := []struct {
		name string
		v    float64
	}{
		{name: "zero", v: 0},
		{name: "one", v: 1},
		{name: "negative", v: -2.5},
		{name: "fov", v: 1.8545904},
		{name: "large", v: 1e300},
		{name: "subnormal", v: 5e-324},
		{name: "infinity", v: math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.v, NewFloat80(tt.v).Float64())
		})
	}

	assert.True(t, math.IsNaN(NewFloat80(math.NaN()).Float64()))
}

func TestStubLayout(t *testing.T) {
	s32 := stub32(0x11223344, 0xAABBCCDD)
	require.Len(t, s32, 46)
	assert.Equal(t, byte(0x68), s32[21])
	assert.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(s32[22:]))
	assert.Equal(t, uint32(0xAABBCCDD), binary.LittleEndian.Uint32(s32[27:]))
	assert.Equal(t, uint32(fxReserve), binary.LittleEndian.Uint32(s32[8:]))
	assert.Equal(t, byte(resumeOffset(Arch386)), s32[36])
	assert.Equal(t, byte(0xC3), s32[len(s32)-1])

	s64 := stub64(7, 0x00007FF612345678)
	require.Len(t, s64, 122)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(s64[53:]))
	assert.Equal(t, uint64(0x00007FF612345678), binary.LittleEndian.Uint64(s64[63:]))
	assert.Equal(t, uint32(resumeOffset(ArchAMD64)), binary.LittleEndian.Uint32(s64[81:]))
	assert.Equal(t, byte(0xC3), s64[len(s64)-1])

	// One push per frame slot.
	pushes := 2 + 8 + 8
	assert.Equal(t, frameSize(ArchAMD64), pushes*8)
}

func TestJump(t *testing.T) {
	b, ok := jump(ArchAMD64, 0x00401000, 0x00400000)
	require.True(t, ok)
	assert.Equal(t, []byte{0xE9, 0xFB, 0xEF, 0xFF, 0xFF}, b)

	_, ok = jump(ArchAMD64, 0x00001000, 0xF0000000)
	assert.False(t, ok)

	// The displacement wraps in a 32-bit address space.
	b, ok = jump(Arch386, 0x00001000, 0xF0000000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xF0000000-0x1005), binary.LittleEndian.Uint32(b[1:]))
}

func TestParseReg(t *testing.T) {
	tests := []struct {
		in   string
		want Reg
	}{
		{"eax", AX}, {"rcx", CX}, {"esp", SP}, {"rbp", BP}, {"r10", R10},
		{"r8", R8}, {"rip", IP}, {"eflags", Flags}, {"di", DI},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReg(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := ParseReg("xmm0")
	assert.ErrorIs(t, err, ErrRegUnsupported)
	assert.Equal(t, "rax", AX.Name(ArchAMD64))
	assert.Equal(t, "esi", SI.Name(Arch386))
}
