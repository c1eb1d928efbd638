// Package pe reads and rewrites PE executables for offline patching.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotPE      = errors.New("不是有效的PE文件")
	ErrNoSection  = errors.New("地址不在任何节区内")
	ErrNoFilePath = errors.New("镜像没有关联的文件路径")
)

// Image is a PE file held in memory. Data is the raw file; File is parsed
// from it and is not refreshed when Data is patched in place.
type Image struct {
	Path string
	Data []byte
	File *pe.File
}

// Load reads and parses the PE file at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Parse parses a PE image from data. The slice is kept, not copied.
func Parse(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotPE, err)
	}
	if f.OptionalHeader == nil {
		return nil, fmt.Errorf("%w: 缺少可选头", ErrNotPE)
	}
	return &Image{Data: data, File: f}, nil
}

// PointerSize is 4 for PE32 and 8 for PE32+.
func (img *Image) PointerSize() int {
	if _, ok := img.File.OptionalHeader.(*pe.OptionalHeader64); ok {
		return 8
	}
	return 4
}

// ImageBase returns the preferred load address.
func (img *Image) ImageBase() uint64 {
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

// EntryPoint returns the entry point RVA.
func (img *Image) EntryPoint() uint32 {
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.AddressOfEntryPoint
	case *pe.OptionalHeader64:
		return oh.AddressOfEntryPoint
	}
	return 0
}

// Offset converts an RVA to a file offset.
func (img *Image) Offset(rva uint32) (int64, error) {
	for _, s := range img.File.Sections {
		// Only the raw part of a section has a file offset.
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.Size {
			return int64(rva - s.VirtualAddress + s.Offset), nil
		}
	}
	return 0, fmt.Errorf("RVA 0x%X: %w", rva, ErrNoSection)
}

// RVA converts a file offset to an RVA.
func (img *Image) RVA(offset int64) (uint32, error) {
	for _, s := range img.File.Sections {
		if offset >= int64(s.Offset) && offset < int64(s.Offset)+int64(s.Size) {
			return uint32(offset-int64(s.Offset)) + s.VirtualAddress, nil
		}
	}
	return 0, fmt.Errorf("文件偏移 0x%X: %w", offset, ErrNoSection)
}

// Section returns the section holding the file offset.
func (img *Image) Section(offset int64) (*pe.Section, bool) {
	for _, s := range img.File.Sections {
		if offset >= int64(s.Offset) && offset < int64(s.Offset)+int64(s.Size) {
			return s, true
		}
	}
	return nil, false
}

// checksumOffset is e_lfanew + signature(4) + COFF header(20) + 64.
func (img *Image) checksumOffset() (int64, error) {
	if len(img.Data) < 64 {
		return 0, fmt.Errorf("%w: DOS头不完整", ErrNotPE)
	}
	off := int64(binary.LittleEndian.Uint32(img.Data[60:64])) + 4 + 20 + 64
	if off+4 > int64(len(img.Data)) {
		return 0, fmt.Errorf("%w: 校验和字段越界", ErrNotPE)
	}
	return off, nil
}

// UpdateChecksum recomputes the header checksum of Data and stores it.
func (img *Image) UpdateChecksum() (uint32, error) {
	off, err := img.checksumOffset()
	if err != nil {
		return 0, err
	}
	sum, err := CalculatePEChecksum(bytes.NewReader(img.Data), int64(len(img.Data)), off)
	if err != nil {
		return 0, fmt.Errorf("计算校验和失败: %w", err)
	}
	binary.LittleEndian.PutUint32(img.Data[off:], sum)
	return sum, nil
}

// Save writes Data back to Path, keeping the file mode.
func (img *Image) Save() error {
	if img.Path == "" {
		return ErrNoFilePath
	}
	mode := os.FileMode(0644)
	if st, err := os.Stat(img.Path); err == nil {
		mode = st.Mode().Perm()
	}
	if err := os.WriteFile(img.Path, img.Data, mode); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return nil
}

// Backup copies the file on disk to Path+suffix. An existing backup is left
// alone so it always holds the unpatched file. It returns the backup path and
// whether a new copy was made.
func (img *Image) Backup(suffix string) (string, bool, error) {
	if img.Path == "" {
		return "", false, ErrNoFilePath
	}
	dst := img.Path + suffix
	if _, err := os.Stat(dst); err == nil {
		return dst, false, nil
	}

	in, err := os.Open(img.Path)
	if err != nil {
		return "", false, fmt.Errorf("打开原文件失败: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", false, fmt.Errorf("创建备份失败: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", false, fmt.Errorf("写入备份失败: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", false, fmt.Errorf("写入备份失败: %w", err)
	}
	return dst, true, nil
}
