package hook

import "encoding/binary"

// A stub saves the interrupted thread on its own stack in two blocks: the
// general purpose frame (push order of the stub, lowest address first) and
// a 16-byte aligned FXSAVE area.
//
//	x86: edi esi ebp esp ebx edx ecx eax | eflags | resume
//	x64: r15..r8 rdi rsi rbp rsp rbx rdx rcx rax | rflags | resume
//
// The thread's stack pointer at the intercept is the address just past the
// resume slot.

func frameSize(arch Arch) int {
	return (arch.GPRs() + 2) * arch.PointerSize()
}

func gprOffset(arch Arch, r Reg) int {
	n := arch.PointerSize()
	return (arch.GPRs() - 1 - int(r)) * n
}

func flagsOffset(arch Arch) int {
	return arch.GPRs() * arch.PointerSize()
}

func resumeOffset(arch Arch) int {
	return (arch.GPRs() + 1) * arch.PointerSize()
}

func getWord(b []byte, n int) uint64 {
	if n == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

func putWord(b []byte, n int, v uint64) {
	if n == 8 {
		binary.LittleEndian.PutUint64(b, v)
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
}

// decodeFrame builds a context from a saved frame located at frameAddr.
func decodeFrame(arch Arch, frameAddr uintptr, gp, fx []byte) *Context {
	n := arch.PointerSize()
	c := &Context{arch: arch}
	for r := Reg(0); int(r) < arch.GPRs(); r++ {
		off := gprOffset(arch, r)
		c.gpr[r] = getWord(gp[off:], n)
	}
	c.gpr[SP] = uint64(frameAddr) + uint64(frameSize(arch))
	c.flags = getWord(gp[flagsOffset(arch):], n)
	c.ip = getWord(gp[resumeOffset(arch):], n)
	copy(c.fx[:], fx)
	return c
}

// encodeFrame writes the context back so the stub restores it. The saved
// stack pointer is left alone; popad and the x64 epilogue skip it anyway.
func encodeFrame(c *Context, gp, fx []byte) {
	n := c.arch.PointerSize()
	for r := Reg(0); int(r) < c.arch.GPRs(); r++ {
		if r == SP {
			continue
		}
		putWord(gp[gprOffset(c.arch, r):], n, c.gpr[r])
	}
	putWord(gp[flagsOffset(c.arch):], n, c.flags)
	putWord(gp[resumeOffset(c.arch):], n, c.ip)
	copy(fx, c.fx[:])
}
