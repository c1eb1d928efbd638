// Package titles describes, per game, which signatures to find and what to
// do at each of them.
package titles

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ZacharyZcR/WSFix/internal/hook"
	"github.com/ZacharyZcR/WSFix/internal/scan"
)

//go:embed titles.yaml
var defaultTable []byte

var (
	ErrInvalid = errors.New("游戏配置表无效")
	ErrFormat  = errors.New("不支持的配置表格式")
)

// Step actions.
const (
	ActionNop     = "nop"
	ActionWrite   = "write"
	ActionValue   = "value"
	ActionPointer = "pointer"
	ActionHook    = "hook"
)

// Value sources for ActionValue.
const (
	SourceAspect    = "aspect"
	SourceWidth     = "width"
	SourceHeight    = "height"
	SourceScale     = "scale"
	SourceHFOV      = "hfov"
	SourceLiteral   = "literal"
	SourceFOVFactor = "fovfactor"
)

// Hook kinds. The load kinds stand in for the instruction they replaced.
const (
	KindFPULoad = "fpu-load" // fld dword [reg+disp]
	KindXMMLoad = "xmm-load" // movss xmm, [reg+disp]
	KindFPU     = "fpu"      // ST(0) in place
	KindXMM     = "xmm"      // low lane of xmm in place
	KindReg     = "reg"      // float32 bits held in a general register
)

// Transforms applied to a value inside a hook, in order.
const (
	TransformHFOV      = "hfov"
	TransformHFOVRad   = "hfov-rad"
	TransformScale     = "scale"
	TransformInvScale  = "inv-scale"
	TransformAspect    = "aspect"
	TransformFOVFactor = "fovfactor"
)

// Value types for ActionValue.
var valueSizes = map[string]int{
	"f32": 4, "f64": 8,
	"i8": 1, "u8": 1, "i16": 2, "u16": 2,
	"i32": 4, "u32": 4, "i64": 8, "u64": 8,
}

// ValueSize returns the encoded size of a value type, or 0.
func ValueSize(typ string) int {
	return valueSizes[typ]
}

// Ratio is an aspect ratio written as "16:9" or as a plain number.
type Ratio float64

func (r *Ratio) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if w, h, ok := strings.Cut(s, ":"); ok {
		fw, err1 := strconv.ParseFloat(w, 64)
		fh, err2 := strconv.ParseFloat(h, 64)
		if err1 != nil || err2 != nil || fw <= 0 || fh <= 0 {
			return fmt.Errorf("%w: 宽高比 %q", ErrInvalid, s)
		}
		*r = Ratio(fw / fh)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fmt.Errorf("%w: 宽高比 %q", ErrInvalid, s)
	}
	*r = Ratio(v)
	return nil
}

func (r Ratio) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(r), 'g', -1, 64)), nil
}

// Hook describes the callback installed by an ActionHook step.
type Hook struct {
	Kind       string   `yaml:"kind" toml:"kind"`
	Reg        string   `yaml:"reg,omitempty" toml:"reg,omitempty"`
	Disp       int64    `yaml:"disp,omitempty" toml:"disp,omitempty"`
	XMM        int      `yaml:"xmm,omitempty" toml:"xmm,omitempty"`
	Transforms []string `yaml:"transforms" toml:"transforms"`
}

// Step is one signature and what to do where it matches.
type Step struct {
	Name    string `yaml:"name" toml:"name"`
	Pattern string `yaml:"pattern" toml:"pattern"`
	Offset  int64  `yaml:"offset,omitempty" toml:"offset,omitempty"`
	All     bool   `yaml:"all,omitempty" toml:"all,omitempty"`
	Expect  int    `yaml:"expect,omitempty" toml:"expect,omitempty"`
	Action  string `yaml:"action" toml:"action"`

	Length  int     `yaml:"length,omitempty" toml:"length,omitempty"`   // nop, hook
	Bytes   string  `yaml:"bytes,omitempty" toml:"bytes,omitempty"`     // write
	Type    string  `yaml:"type,omitempty" toml:"type,omitempty"`       // value
	Value   string  `yaml:"value,omitempty" toml:"value,omitempty"`     // value
	Literal float64 `yaml:"literal,omitempty" toml:"literal,omitempty"` // value
	Target  string  `yaml:"target,omitempty" toml:"target,omitempty"`   // pointer
	Hook    *Hook   `yaml:"hook,omitempty" toml:"hook,omitempty"`
}

// Compile parses the step pattern.
func (s Step) Compile() (scan.Pattern, error) {
	return scan.Parse(s.Pattern)
}

// Title is one supported game.
type Title struct {
	Name        string   `yaml:"name" toml:"name"`
	Section     string   `yaml:"section,omitempty" toml:"section,omitempty"`
	Executables []string `yaml:"executables" toml:"executables"`
	Module      string   `yaml:"module,omitempty" toml:"module,omitempty"`
	Aspect      Ratio    `yaml:"aspect,omitempty" toml:"aspect,omitempty"`
	Offline     bool     `yaml:"offline,omitempty" toml:"offline,omitempty"`
	Steps       []Step   `yaml:"steps" toml:"steps"`
}

// ConfigSection returns the INI section holding the title's switches.
func (t *Title) ConfigSection() string {
	if t.Section != "" {
		return t.Section
	}
	return strings.ReplaceAll(t.Name, " ", "")
}

// BaseAspect returns the aspect ratio the game was authored for.
func (t *Title) BaseAspect() float64 {
	if t.Aspect <= 0 {
		return 4.0 / 3.0
	}
	return float64(t.Aspect)
}

// Table is a set of titles.
type Table struct {
	Titles []Title `yaml:"titles" toml:"titles"`
}

// Default returns the built-in table.
func Default() (*Table, error) {
	return Parse(defaultTable, "yaml")
}

// Load reads a table, choosing the decoder by file extension.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置表失败: %w", err)
	}
	return Parse(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// Parse decodes and validates a table in the given format ("yaml", "yml"
// or "toml").
func Parse(data []byte, format string) (*Table, error) {
	var t Table
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置表失败: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &t); err != nil {
			return nil, fmt.Errorf("解析 TOML 配置表失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Match returns the title whose executable list contains the base name of
// exe, compared case-insensitively.
func (t *Table) Match(exe string) (*Title, bool) {
	for i := range t.Titles {
		if t.Titles[i].Matches(exe) {
			return &t.Titles[i], true
		}
	}
	return nil, false
}

// Matches reports whether the base name of exe is one of the title's
// executables, ignoring case.
func (t *Title) Matches(exe string) bool {
	name := baseName(exe)
	for _, e := range t.Executables {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// Find returns a title by name, ignoring case.
func (t *Table) Find(name string) (*Title, bool) {
	for i := range t.Titles {
		if strings.EqualFold(t.Titles[i].Name, name) {
			return &t.Titles[i], true
		}
	}
	return nil, false
}

// baseName strips both separators so Windows paths work on any host.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Validate checks every title and reports all problems at once.
func (t *Table) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i := range t.Titles {
		title := &t.Titles[i]
		if seen[strings.ToLower(title.Name)] {
			errs = append(errs, fmt.Errorf("%w: 重复的游戏 %q", ErrInvalid, title.Name))
		}
		seen[strings.ToLower(title.Name)] = true
		if err := title.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Title) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, t.Name, fmt.Sprintf(format, args...)))
	}

	if t.Name == "" {
		fail("缺少游戏名称")
	}
	if len(t.Executables) == 0 {
		fail("缺少可执行文件名")
	}
	if len(t.Steps) == 0 {
		fail("没有修补步骤")
	}

	names := make(map[string]bool)
	for i, s := range t.Steps {
		where := s.Name
		if where == "" {
			where = fmt.Sprintf("步骤 %d", i+1)
		}
		if s.Name != "" && names[s.Name] {
			fail("%s: 步骤名重复", where)
		}

		if _, err := s.Compile(); err != nil {
			fail("%s: %v", where, err)
		}
		if s.Expect < 0 {
			fail("%s: expect 不能为负数", where)
		}

		switch s.Action {
		case ActionNop:
			if s.Length <= 0 {
				fail("%s: nop 需要 length", where)
			}
		case ActionWrite:
			if _, err := ParseBytes(s.Bytes); err != nil {
				fail("%s: %v", where, err)
			}
		case ActionValue:
			if ValueSize(s.Type) == 0 {
				fail("%s: 未知的数值类型 %q", where, s.Type)
			}
			switch s.Value {
			case SourceAspect, SourceWidth, SourceHeight, SourceScale, SourceLiteral, SourceFOVFactor:
			case SourceHFOV:
				if s.Type != "f32" && s.Type != "f64" {
					fail("%s: hfov 只能写入浮点数", where)
				}
			default:
				fail("%s: 未知的数值来源 %q", where, s.Value)
			}
		case ActionPointer:
			if !names[s.Target] {
				fail("%s: 指针目标 %q 必须是之前的步骤", where, s.Target)
			}
		case ActionHook:
			if t.Offline {
				fail("%s: 离线修补不支持拦截", where)
			}
			if s.Length < hook.JumpSize {
				fail("%s: 拦截长度至少为 %d", where, hook.JumpSize)
			}
			if s.Hook == nil {
				fail("%s: 缺少 hook 定义", where)
			} else if err := s.Hook.validate(); err != nil {
				fail("%s: %v", where, err)
			}
		default:
			fail("%s: 未知的操作 %q", where, s.Action)
		}

		if s.Name != "" {
			names[s.Name] = true
		}
	}
	return errors.Join(errs...)
}

func (h *Hook) validate() error {
	switch h.Kind {
	case KindFPULoad, KindXMMLoad, KindReg:
		if _, err := hook.ParseReg(h.Reg); err != nil {
			return err
		}
	case KindFPU, KindXMM:
	default:
		return fmt.Errorf("未知的拦截类型 %q", h.Kind)
	}
	if (h.Kind == KindXMM || h.Kind == KindXMMLoad) && (h.XMM < 0 || h.XMM > 15) {
		return fmt.Errorf("XMM 编号无效: %d", h.XMM)
	}
	if len(h.Transforms) == 0 {
		return errors.New("拦截没有任何变换")
	}
	for _, tr := range h.Transforms {
		switch tr {
		case TransformHFOV, TransformHFOVRad, TransformScale, TransformInvScale, TransformAspect, TransformFOVFactor:
		default:
			return fmt.Errorf("未知的变换 %q", tr)
		}
	}
	return nil
}

// ParseBytes decodes space separated hex bytes.
func ParseBytes(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.New("写入字节为空")
	}
	out := make([]byte, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("字节 %q 无效", f)
		}
		out[i] = byte(v)
	}
	return out, nil
}
