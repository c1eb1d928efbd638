// Package petest builds minimal PE files for tests.
package petest

import (
	"debug/pe"
	"encoding/binary"
)

const (
	// TextRVA is the RVA of the single .text section.
	TextRVA = 0x1000
	// TextOffset is the file offset of the .text raw data.
	TextOffset = 0x400
	// ChecksumOffset is the file offset of the header checksum field.
	ChecksumOffset = lfanew + 4 + 20 + 64

	lfanew = 0x80
)

// Build returns a PE32 (machine I386) or PE32+ (AMD64) file whose only
// section .text holds code at TextRVA.
func Build(machine uint16, imageBase uint64, code []byte) []byte {
	raw := align(uint32(len(code)), 0x200)
	if raw == 0 {
		raw = 0x200
	}
	data := make([]byte, TextOffset+raw)
	le := binary.LittleEndian

	data[0], data[1] = 'M', 'Z'
	le.PutUint32(data[0x3C:], lfanew)
	copy(data[lfanew:], "PE\x00\x00")

	pe64 := machine == pe.IMAGE_FILE_MACHINE_AMD64
	optSize := uint16(224)
	if pe64 {
		optSize = 240
	}
	coff := data[lfanew+4:]
	le.PutUint16(coff[0:], machine)
	le.PutUint16(coff[2:], 1)
	le.PutUint16(coff[16:], optSize)
	if pe64 {
		le.PutUint16(coff[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_LARGE_ADDRESS_AWARE)
	} else {
		le.PutUint16(coff[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_32BIT_MACHINE)
	}

	opt := data[lfanew+24:]
	le.PutUint32(opt[4:], raw)
	le.PutUint32(opt[16:], TextRVA)
	le.PutUint32(opt[20:], TextRVA)
	if pe64 {
		le.PutUint16(opt[0:], 0x20B)
		le.PutUint64(opt[24:], imageBase)
		le.PutUint32(opt[108:], 16)
	} else {
		le.PutUint16(opt[0:], 0x10B)
		le.PutUint32(opt[28:], uint32(imageBase))
		le.PutUint32(opt[92:], 16)
	}
	le.PutUint32(opt[32:], 0x1000)
	le.PutUint32(opt[36:], 0x200)
	le.PutUint16(opt[48:], 6)
	le.PutUint32(opt[56:], TextRVA+align(raw, 0x1000))
	le.PutUint32(opt[60:], TextOffset)
	le.PutUint16(opt[68:], pe.IMAGE_SUBSYSTEM_WINDOWS_GUI)

	sec := data[lfanew+24+int(optSize):]
	copy(sec[0:8], ".text")
	le.PutUint32(sec[8:], uint32(len(code)))
	le.PutUint32(sec[12:], TextRVA)
	le.PutUint32(sec[16:], raw)
	le.PutUint32(sec[20:], TextOffset)
	le.PutUint32(sec[36:], pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_EXECUTE)

	copy(data[TextOffset:], code)
	return data
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}
