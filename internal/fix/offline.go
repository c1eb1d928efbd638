package fix

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ZacharyZcR/WSFix/internal/config"
	"github.com/ZacharyZcR/WSFix/internal/memory"
	"github.com/ZacharyZcR/WSFix/internal/patch"
	"github.com/ZacharyZcR/WSFix/internal/pe"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

// BackupSuffix is appended to the executable name for its backup copy.
const BackupSuffix = ".bak"

// Options controls PatchFile.
type Options struct {
	// DryRun resolves and applies every step to a copy of the file and
	// reports what would change without writing anything.
	DryRun bool
	// Backup copies the original to path+BackupSuffix first. An existing
	// backup is kept.
	Backup bool
	// UpdateChecksum recomputes the PE header checksum after patching.
	UpdateChecksum bool
	Logger         *slog.Logger
}

// FileReport extends Report with what happened to the file.
type FileReport struct {
	*Report
	Path     string
	Backup   string
	Checksum uint32
	Saved    bool
}

// PatchFile applies title to the executable at path. The file is mapped at
// address 0, so module offsets are file offsets. Hooks are not available.
// For a given input file and configuration the output is always the same.
func PatchFile(ctx context.Context, path string, title *titles.Title, cfg *config.Config, opts Options) (*FileReport, error) {
	if HasHooks(title) {
		return nil, fmt.Errorf("%w: %s", ErrHookOffline, title.Name)
	}

	img, err := pe.Load(path)
	if err != nil {
		return nil, err
	}

	data := img.Data
	if opts.DryRun {
		data = append([]byte(nil), img.Data...)
	}
	buf := memory.NewBuffer(data, 0, memory.ProtRW, img.PointerSize())
	mod := buf.Module(baseName(path))

	f := &Fix{
		Title:   title,
		Config:  cfg,
		Space:   buf,
		Finder:  func(string) (memory.Module, error) { return mod, nil },
		Patcher: patch.New(buf),
		Logger:  opts.Logger,
		Relocate: func(addr uintptr) (uint64, error) {
			rva, err := img.RVA(int64(addr))
			if err != nil {
				return 0, err
			}
			return img.ImageBase() + uint64(rva), nil
		},
	}
	report, err := f.Run(ctx)
	if err != nil {
		return nil, err
	}

	out := &FileReport{Report: report, Path: path}
	if opts.DryRun {
		return out, nil
	}

	log := f.logger()
	if opts.Backup {
		bak, created, err := img.Backup(BackupSuffix)
		if err != nil {
			return nil, err
		}
		out.Backup = bak
		if created {
			log.Info("已创建备份", "path", bak)
		} else {
			log.Info("备份已存在, 保留原备份", "path", bak)
		}
	}
	if opts.UpdateChecksum {
		sum, err := img.UpdateChecksum()
		if err != nil {
			return nil, err
		}
		out.Checksum = sum
		log.Info("校验和已更新", "checksum", fmt.Sprintf("0x%08X", sum))
	}
	if err := img.Save(); err != nil {
		return nil, err
	}
	out.Saved = true
	log.Info("文件已保存", "path", path)
	return out, nil
}
