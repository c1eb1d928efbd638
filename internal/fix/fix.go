// Package fix runs a title's steps against a loaded game or an executable on
// disk: wait for the module, resolve every signature, then patch and hook.
package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ZacharyZcR/WSFix/internal/config"
	"github.com/ZacharyZcR/WSFix/internal/detect"
	"github.com/ZacharyZcR/WSFix/internal/fov"
	"github.com/ZacharyZcR/WSFix/internal/hook"
	"github.com/ZacharyZcR/WSFix/internal/memory"
	"github.com/ZacharyZcR/WSFix/internal/patch"
	"github.com/ZacharyZcR/WSFix/internal/scan"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

var (
	ErrDisabled    = errors.New("该游戏的修复已在配置中禁用")
	ErrNotDetected = detect.ErrNotDetected
	ErrApply       = errors.New("应用修补失败")
	ErrHookOffline = errors.New("离线修补不支持拦截")
	ErrExpect      = errors.New("特征码匹配次数不符")
)

// Fix applies one title to one address space.
type Fix struct {
	Title   *titles.Title
	Config  *config.Config
	Space   memory.Space
	Finder  memory.Finder
	Patcher *patch.Patcher
	Engine  *hook.Engine // nil when hooks are unavailable
	Logger  *slog.Logger

	// Exe is the host executable. When set it must match the title.
	Exe string
	// Desktop supplies the resolution when the configuration has none.
	Desktop func() (int, int, error)
	// Relocate maps a patched address to the address the game will see.
	// Used by pointer steps; nil means identity.
	Relocate func(addr uintptr) (uint64, error)
}

// StepResult describes what a step changed.
type StepResult struct {
	Name       string
	Action     string
	Offsets    []uintptr // relative to the module base
	Value      string
	Intercepts []*hook.Intercept
	// Last holds the most recent value the step's intercepts produced.
	Last *fov.Cell
}

// Report is the outcome of a successful Run.
type Report struct {
	Title  string
	Module memory.Module
	Steps  []StepResult
}

// Run applies every step or none. A failure after the signatures resolved
// rolls back whatever was already written and detaches installed hooks.
func (f *Fix) Run(ctx context.Context) (*Report, error) {
	log := f.logger().With("title", f.Title.Name)

	section := f.Title.ConfigSection()
	if !f.Config.Enabled(section) {
		log.Info("已在配置中禁用", "section", section)
		return nil, fmt.Errorf("%w: [%s]", ErrDisabled, section)
	}
	if f.Exe != "" && !f.Title.Matches(f.Exe) {
		return nil, fmt.Errorf("%w: %s", ErrNotDetected, f.Exe)
	}
	if f.Engine == nil && HasHooks(f.Title) {
		return nil, fmt.Errorf("%w: %s", ErrHookOffline, f.Title.Name)
	}

	desktop := f.Desktop
	if desktop == nil {
		desktop = config.Desktop
	}
	if err := f.Config.Resolve(desktop); err != nil {
		return nil, err
	}
	aspect, err := f.Config.Aspect()
	if err != nil {
		return nil, err
	}
	vals := &env{
		aspect: aspect,
		base:   f.Title.BaseAspect(),
		factor: f.Config.FOVFactor,
		width:  f.Config.Width,
		height: f.Config.Height,
	}
	log.Info("分辨率", "width", vals.width, "height", vals.height, "aspect", fmt.Sprintf("%.4f", aspect), "fov_factor", vals.factor)

	name := f.moduleName()
	waitCtx, cancel := context.WithTimeout(ctx, f.Config.WaitTimeout)
	defer cancel()
	mod, err := memory.WaitModule(waitCtx, f.Finder, name, memory.DefaultWaitInterval)
	if err != nil {
		return nil, err
	}
	log.Info("模块已加载", "module", mod.Name, "base", fmt.Sprintf("0x%X", mod.Base), "size", fmt.Sprintf("0x%X", mod.Size))

	matches, err := f.resolve(mod)
	if err != nil {
		log.Error("特征码解析失败", "err", err)
		return nil, err
	}
	for i, s := range f.Title.Steps {
		for _, addr := range matches[i] {
			log.Info("特征码已找到", "step", s.Name, "offset", fmt.Sprintf("0x%X", mod.Offset(addr)))
		}
	}

	report := &Report{Title: f.Title.Name, Module: mod}
	applied := make(map[string][]uintptr)
	for i, s := range f.Title.Steps {
		res, err := f.apply(s, matches[i], applied, vals, log)
		if err != nil {
			log.Error("应用修补失败, 回滚", "step", s.Name, "err", err)
			f.rollback(log)
			return nil, fmt.Errorf("%w: %s: %w", ErrApply, s.Name, err)
		}
		for _, addr := range matches[i] {
			res.Offsets = append(res.Offsets, mod.Offset(addr))
		}
		if s.Name != "" {
			applied[s.Name] = matches[i]
		}
		report.Steps = append(report.Steps, res)
	}

	log.Info("修复已应用", "steps", len(report.Steps))
	return report, nil
}

// resolve scans every step in one batch and returns, per step, the
// addresses to act on.
func (f *Fix) resolve(mod memory.Module) ([][]uintptr, error) {
	queries := make([]scan.Query, len(f.Title.Steps))
	for i, s := range f.Title.Steps {
		p, err := s.Compile()
		if err != nil {
			return nil, fmt.Errorf("步骤 %s: %w", s.Name, err)
		}
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		queries[i] = scan.Query{Name: name, Pattern: p, All: s.All}
	}

	results, err := scan.NewScanner(f.Space).ScanQueries(mod, queries)
	if err != nil {
		return nil, err
	}

	addrs := make([][]uintptr, len(results))
	var errs []error
	for i, r := range results {
		s := f.Title.Steps[i]
		if s.Expect > 0 && len(r.Matches) != s.Expect {
			errs = append(errs, fmt.Errorf("%w: %s 找到 %d 处, 应为 %d", ErrExpect, r.Name, len(r.Matches), s.Expect))
			continue
		}
		for _, m := range r.Matches {
			addrs[i] = append(addrs[i], uintptr(int64(m.Addr)+s.Offset))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return addrs, nil
}

func (f *Fix) rollback(log *slog.Logger) {
	if f.Engine != nil {
		if err := f.Engine.DetachAll(); err != nil {
			log.Error("卸载拦截失败", "err", err)
		}
	}
	if err := f.Patcher.RestoreAll(); err != nil {
		log.Error("恢复原始字节失败", "err", err)
	}
}

func (f *Fix) moduleName() string {
	switch {
	case f.Title.Module != "":
		return f.Title.Module
	case f.Exe != "":
		return baseName(f.Exe)
	default:
		return f.Title.Executables[0]
	}
}

func (f *Fix) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// HasHooks reports whether the title needs the intercept engine.
func HasHooks(t *titles.Title) bool {
	for _, s := range t.Steps {
		if s.Action == titles.ActionHook {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
