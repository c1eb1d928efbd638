package pe

import (
	"debug/pe"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/WSFix/internal/pe/petest"
)

func TestGetSectionPermissions(t *testing.T) {
	tests := []struct {
		name string
		char uint32
		want string
	}{
		{name: "Read only", char: pe.IMAGE_SCN_MEM_READ, want: "R--"},
		{name: "Read Write", char: pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE, want: "RW-"},
		{name: "Read Execute", char: pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_EXECUTE, want: "R-X"},
		{name: "Read Write Execute", char: pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE | pe.IMAGE_SCN_MEM_EXECUTE, want: "RWX"},
		{name: "Write Execute", char: pe.IMAGE_SCN_MEM_WRITE | pe.IMAGE_SCN_MEM_EXECUTE, want: "-WX"},
		{name: "No permissions", char: 0, want: "---"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getSectionPermissions(tt.char))
		})
	}
}

func TestGetSubsystem(t *testing.T) {
	tests := []struct {
		name      string
		subsystem uint16
		want      string
	}{
		{name: "Windows GUI", subsystem: pe.IMAGE_SUBSYSTEM_WINDOWS_GUI, want: "Windows GUI"},
		{name: "Windows Console", subsystem: pe.IMAGE_SUBSYSTEM_WINDOWS_CUI, want: "Windows 控制台"},
		{name: "Native", subsystem: pe.IMAGE_SUBSYSTEM_NATIVE, want: "Native"},
		{name: "Unknown subsystem", subsystem: 0xFF, want: "未知 (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getSubsystem(tt.subsystem))
		})
	}
}

func TestEntropy(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}

	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{name: "Empty", data: nil, want: 0},
		{name: "Uniform", data: []byte{0, 0, 0, 0, 0, 0, 0, 0}, want: 0},
		{name: "Eight distinct", data: []byte{0, 1, 2, 3, 4, 5, 6, 7}, want: 3},
		{name: "Every byte once", data: all, want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, entropy(tt.data), 1e-9)
		})
	}
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name    string
		machine uint16
		base    uint64
		arch    string
		ptr     int
	}{
		{name: "PE32", machine: pe.IMAGE_FILE_MACHINE_I386, base: 0x400000, arch: "x86 (32位)", ptr: 4},
		{name: "PE32+", machine: pe.IMAGE_FILE_MACHINE_AMD64, base: 0x140000000, arch: "x64 (64位)", ptr: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Parse(petest.Build(tt.machine, tt.base, []byte{0xC3}))
			require.NoError(t, err)
			assert.Equal(t, tt.ptr, img.PointerSize())

			info := img.Info()
			assert.Equal(t, tt.arch, info.Architecture)
			assert.Equal(t, "Windows GUI", info.Subsystem)
			assert.Equal(t, tt.base, info.ImageBase)
			assert.Equal(t, uint64(petest.TextRVA), info.EntryPoint)
			assert.Equal(t, int64(len(img.Data)), info.FileSize)
			require.NotNil(t, info.Checksum)
			assert.True(t, info.Checksum.Valid)

			require.Len(t, info.Sections, 1)
			s := info.Sections[0]
			assert.Equal(t, ".text", s.Name)
			assert.Equal(t, "R-X", s.Permissions)
			assert.Equal(t, uint32(petest.TextOffset), s.Offset)
		})
	}
}
