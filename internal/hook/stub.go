package hook

import (
	"bytes"
	"encoding/binary"
)

// fxReserve is the stack room reserved for the FXSAVE area, including
// slack for the 16-byte alignment.
const fxReserve = fxSize + 16

// JumpSize is the length of the E9 rel32 jump written at an intercept.
const JumpSize = 5

// stub32 emits the x86 trampoline for intercept id. It saves the thread,
// calls dispatch(id, frame, fxarea) as stdcall and returns to the address
// the dispatcher hands back.
func stub32(id uint32, dispatch uint32) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x6A, 0x00}) // push 0 (resume slot)
	b.WriteByte(0x9C)           // pushfd
	b.WriteByte(0x60)           // pushad
	b.Write([]byte{0x89, 0xE5}) // mov ebp, esp
	b.Write([]byte{0x81, 0xEC}) // sub esp, fxReserve
	_ = binary.Write(&b, binary.LittleEndian, uint32(fxReserve))
	b.Write([]byte{0x83, 0xE4, 0xF0})       // and esp, -16
	b.Write([]byte{0x0F, 0xAE, 0x04, 0x24}) // fxsave [esp]
	b.WriteByte(0x54)                       // push esp
	b.WriteByte(0x55)                       // push ebp
	b.WriteByte(0x68)                       // push id
	_ = binary.Write(&b, binary.LittleEndian, id)
	b.WriteByte(0xB8) // mov eax, dispatch
	_ = binary.Write(&b, binary.LittleEndian, dispatch)
	b.WriteByte(0xFC)                 // cld
	b.Write([]byte{0xFF, 0xD0})       // call eax
	b.Write([]byte{0x89, 0x45, 0x24}) // mov [ebp+36], eax
	b.Write([]byte{0x0F, 0xAE, 0x0C, 0x24})
	b.Write([]byte{0x89, 0xEC}) // mov esp, ebp
	b.WriteByte(0x61)           // popad
	b.WriteByte(0x9D)           // popfd
	b.WriteByte(0xC3)
	return b.Bytes()
}

// stub64 emits the x64 trampoline. The dispatcher gets id, frame and the
// FXSAVE area in rcx, rdx and r8 with 32 bytes of shadow space.
func stub64(id uint32, dispatch uint64) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x6A, 0x00}) // push 0 (resume slot)
	b.WriteByte(0x9C)           // pushfq
	for r := byte(0); r < 8; r++ {
		b.WriteByte(0x50 + r) // push rax..rdi
	}
	for r := byte(0); r < 8; r++ {
		b.Write([]byte{0x41, 0x50 + r}) // push r8..r15
	}
	b.Write([]byte{0x48, 0x89, 0xE3}) // mov rbx, rsp
	b.Write([]byte{0x48, 0x81, 0xEC}) // sub rsp, fxReserve
	_ = binary.Write(&b, binary.LittleEndian, uint32(fxReserve))
	b.Write([]byte{0x48, 0x83, 0xE4, 0xF0})       // and rsp, -16
	b.Write([]byte{0x48, 0x0F, 0xAE, 0x04, 0x24}) // fxsave64 [rsp]
	b.Write([]byte{0x49, 0x89, 0xE0})             // mov r8, rsp
	b.Write([]byte{0x48, 0x89, 0xDA})             // mov rdx, rbx
	b.WriteByte(0xB9)                             // mov ecx, id
	_ = binary.Write(&b, binary.LittleEndian, id)
	b.Write([]byte{0x48, 0x83, 0xEC, 0x20}) // sub rsp, 32
	b.Write([]byte{0x48, 0xB8})             // mov rax, dispatch
	_ = binary.Write(&b, binary.LittleEndian, dispatch)
	b.WriteByte(0xFC)                                         // cld
	b.Write([]byte{0xFF, 0xD0})                               // call rax
	b.Write([]byte{0x48, 0x83, 0xC4, 0x20})                   // add rsp, 32
	b.Write([]byte{0x48, 0x89, 0x83, 0x88, 0x00, 0x00, 0x00}) // mov [rbx+136], rax
	b.Write([]byte{0x48, 0x0F, 0xAE, 0x0C, 0x24})             // fxrstor64 [rsp]
	b.Write([]byte{0x48, 0x89, 0xDC})                         // mov rsp, rbx
	for r := byte(7); ; r-- {
		b.Write([]byte{0x41, 0x58 + r}) // pop r15..r8
		if r == 0 {
			break
		}
	}
	b.Write([]byte{0x5F, 0x5E, 0x5D})       // pop rdi, rsi, rbp
	b.Write([]byte{0x48, 0x83, 0xC4, 0x08}) // skip saved rsp
	b.Write([]byte{0x5B, 0x5A, 0x59, 0x58}) // pop rbx, rdx, rcx, rax
	b.WriteByte(0x9D)                       // popfq
	b.WriteByte(0xC3)
	return b.Bytes()
}

// jump encodes a near jump from addr to target. ok is false when the
// distance does not fit in rel32. In a 32-bit address space every target
// is reachable because the displacement wraps.
func jump(arch Arch, addr, target uintptr) ([]byte, bool) {
	rel := int64(target) - int64(addr+JumpSize)
	if arch == ArchAMD64 && (rel < -1<<31 || rel > 1<<31-1) {
		return nil, false
	}
	b := make([]byte, JumpSize)
	b[0] = 0xE9
	binary.LittleEndian.PutUint32(b[1:], uint32(rel))
	return b, true
}
