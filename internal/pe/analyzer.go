package pe

import (
	"debug/pe"
	"fmt"
	"math"
)

// Info summarizes a PE file before patching.
type Info struct {
	FilePath     string
	FileSize     int64
	Architecture string
	Subsystem    string
	EntryPoint   uint64
	ImageBase    uint64
	Checksum     *ChecksumInfo
	Sections     []SectionInfo
}

// SectionInfo contains information about a PE section.
type SectionInfo struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Offset          uint32
	Size            uint32
	Characteristics uint32
	Permissions     string
	Entropy         float64
}

// Info analyzes the image. Checksum is nil when the header is unreadable.
func (img *Image) Info() *Info {
	f := img.File
	info := &Info{
		FilePath:     img.Path,
		FileSize:     int64(len(img.Data)),
		Architecture: getArchitecture(f.Machine),
		EntryPoint:   uint64(img.EntryPoint()),
		ImageBase:    img.ImageBase(),
	}

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		info.Subsystem = getSubsystem(oh.Subsystem)
	case *pe.OptionalHeader64:
		info.Subsystem = getSubsystem(oh.Subsystem)
	}

	for _, s := range f.Sections {
		si := SectionInfo{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Offset:          s.Offset,
			Size:            s.Size,
			Characteristics: s.Characteristics,
			Permissions:     getSectionPermissions(s.Characteristics),
		}
		if end := int64(s.Offset) + int64(s.Size); s.Size > 0 && end <= int64(len(img.Data)) {
			si.Entropy = entropy(img.Data[s.Offset:end])
		}
		info.Sections = append(info.Sections, si)
	}

	if sum, err := img.VerifyChecksum(); err == nil {
		info.Checksum = sum
	}
	return info
}

func getArchitecture(machine uint16) string {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86 (32位)"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x64 (64位)"
	default:
		return fmt.Sprintf("未知 (0x%X)", machine)
	}
}

func getSubsystem(subsystem uint16) string {
	switch subsystem {
	case pe.IMAGE_SUBSYSTEM_WINDOWS_GUI:
		return "Windows GUI"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CUI:
		return "Windows 控制台"
	case pe.IMAGE_SUBSYSTEM_NATIVE:
		return "Native"
	default:
		return fmt.Sprintf("未知 (0x%X)", subsystem)
	}
}

func getSectionPermissions(c uint32) string {
	perms := []byte("---")
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		perms[0] = 'R'
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		perms[1] = 'W'
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		perms[2] = 'X'
	}
	return string(perms)
}

// entropy is the Shannon entropy of data in bits per byte. Packed or
// encrypted code (above ~7) will not match byte patterns.
func entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	var h float64
	n := float64(len(data))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
