package fix

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/WSFix/internal/config"
	wpe "github.com/ZacharyZcR/WSFix/internal/pe"
	"github.com/ZacharyZcR/WSFix/internal/pe/petest"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

var aspect16x9 = []byte{0x39, 0x8E, 0xE3, 0x3F}

// witcherCode holds the 16:9 constant three times, like the shipped game.
func witcherCode() []byte {
	code := bytes.Repeat([]byte{0xCC}, 0x100)
	for _, off := range []int{0x10, 0x48, 0xA0} {
		copy(code[off:], aspect16x9)
	}
	return code
}

func writeExe(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func witcher(t *testing.T) *titles.Title {
	t.Helper()
	table, err := titles.Default()
	require.NoError(t, err)
	title, ok := table.Match("witcher3.exe")
	require.True(t, ok)
	return title
}

func TestPatchFile(t *testing.T) {
	original := petest.Build(pe.IMAGE_FILE_MACHINE_AMD64, 0x140000000, witcherCode())
	path := writeExe(t, t.TempDir(), "witcher3.exe", original)

	report, err := PatchFile(context.Background(), path, witcher(t), config.New(2560, 1080),
		Options{Backup: true, UpdateChecksum: true, Logger: discard})
	require.NoError(t, err)
	assert.True(t, report.Saved)
	assert.Equal(t, path+BackupSuffix, report.Backup)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, []uintptr{petest.TextOffset + 0x10, petest.TextOffset + 0x48, petest.TextOffset + 0xA0}, report.Steps[0].Offsets)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	want := f32Bytes(2560.0 / 1080.0)
	for _, off := range report.Steps[0].Offsets {
		assert.Equal(t, want, patched[off:off+4])
	}
	assert.False(t, bytes.Contains(patched, aspect16x9))

	// Only the constants and the checksum changed.
	diff := 0
	for i := range original {
		if original[i] != patched[i] {
			diff++
		}
	}
	assert.LessOrEqual(t, diff, 3*4+4)

	backup, err := os.ReadFile(report.Backup)
	require.NoError(t, err)
	assert.Equal(t, original, backup)

	img, err := wpe.Load(path)
	require.NoError(t, err)
	sum, err := img.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, sum.Valid)
	assert.Equal(t, report.Checksum, sum.Stored)
}

func TestPatchFileDeterministic(t *testing.T) {
	original := petest.Build(pe.IMAGE_FILE_MACHINE_AMD64, 0x140000000, witcherCode())
	a := writeExe(t, t.TempDir(), "witcher3.exe", original)
	b := writeExe(t, t.TempDir(), "witcher3.exe", original)

	for _, path := range []string{a, b} {
		_, err := PatchFile(context.Background(), path, witcher(t), config.New(3440, 1440),
			Options{UpdateChecksum: true, Logger: discard})
		require.NoError(t, err)
	}

	outA, err := os.ReadFile(a)
	require.NoError(t, err)
	outB, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, outA, outB)
}

func TestPatchFileDryRun(t *testing.T) {
	original := petest.Build(pe.IMAGE_FILE_MACHINE_AMD64, 0x140000000, witcherCode())
	dir := t.TempDir()
	path := writeExe(t, dir, "witcher3.exe", original)

	report, err := PatchFile(context.Background(), path, witcher(t), config.New(2560, 1080),
		Options{DryRun: true, Backup: true, Logger: discard})
	require.NoError(t, err)
	assert.False(t, report.Saved)
	assert.Len(t, report.Steps[0].Offsets, 3)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, after)
	assert.NoFileExists(t, path+BackupSuffix)
}

func TestPatchFilePointer(t *testing.T) {
	code := bytes.Repeat([]byte{0xCC}, 0x40)
	copy(code[0x00:], []byte{0x68, 0xAB, 0xAA, 0xAA, 0x3F})       // push 4/3
	copy(code[0x20:], []byte{0xB8, 0x00, 0x00, 0x00, 0x00, 0xC3}) // mov eax, imm32
	path := writeExe(t, t.TempDir(), "sample.exe", petest.Build(pe.IMAGE_FILE_MACHINE_I386, 0x400000, code))

	title := &titles.Title{
		Name:        "Sample Engine",
		Executables: []string{"sample.exe"},
		Offline:     true,
		Steps: []titles.Step{
			{Name: "aspect", Pattern: "68 AB AA AA 3F", Offset: 1, Action: titles.ActionValue, Type: "f32", Value: titles.SourceAspect},
			{Name: "aspect-ptr", Pattern: "B8 ** ** ** ** C3", Offset: 1, Action: titles.ActionPointer, Target: "aspect"},
		},
	}
	_, err := PatchFile(context.Background(), path, title, config.New(1920, 1080), Options{Logger: discard})
	require.NoError(t, err)

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	ptr := binary.LittleEndian.Uint32(out[petest.TextOffset+0x21:])
	assert.Equal(t, uint32(0x400000+petest.TextRVA+1), ptr)
}

func TestPatchFileRefuses(t *testing.T) {
	original := petest.Build(pe.IMAGE_FILE_MACHINE_I386, 0x400000, witcherCode())
	path := writeExe(t, t.TempDir(), "sample.exe", original)

	hooked := sampleTitle()
	_, err := PatchFile(context.Background(), path, hooked, config.New(1920, 1080), Options{Logger: discard})
	assert.ErrorIs(t, err, ErrHookOffline)

	missing := witcher(t)
	missing.Steps[0].Expect = 4
	_, err = PatchFile(context.Background(), path, missing, config.New(1920, 1080), Options{Backup: true, Logger: discard})
	assert.ErrorIs(t, err, ErrExpect)
	assert.NoFileExists(t, path+BackupSuffix)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, after)

	notPE := writeExe(t, t.TempDir(), "witcher3.exe", []byte("not an executable"))
	_, err = PatchFile(context.Background(), notPE, witcher(t), config.New(1920, 1080), Options{Logger: discard})
	assert.ErrorIs(t, err, wpe.ErrNotPE)
}
