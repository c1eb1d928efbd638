package fix

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/ZacharyZcR/WSFix/internal/fov"
	"github.com/ZacharyZcR/WSFix/internal/hook"
	"github.com/ZacharyZcR/WSFix/internal/patch"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

// env holds the numbers every step and hook derives its values from.
type env struct {
	aspect float64 // target
	base   float64 // authored
	factor float64
	width  int
	height int
}

func (f *Fix) apply(s titles.Step, addrs []uintptr, applied map[string][]uintptr, e *env, log *slog.Logger) (StepResult, error) {
	res := StepResult{Name: s.Name, Action: s.Action}
	log = log.With("step", s.Name)

	for _, addr := range addrs {
		switch s.Action {
		case titles.ActionNop:
			if err := f.Patcher.Nop(addr, s.Length); err != nil {
				return res, err
			}
			res.Value = fmt.Sprintf("%d x NOP", s.Length)

		case titles.ActionWrite:
			data, err := titles.ParseBytes(s.Bytes)
			if err != nil {
				return res, err
			}
			if err := f.Patcher.Write(addr, data); err != nil {
				return res, err
			}
			res.Value = fmt.Sprintf("% X", data)

		case titles.ActionValue:
			v, err := f.source(s, addr, e)
			if err != nil {
				return res, err
			}
			if err := writeValue(f.Patcher, addr, s.Type, v); err != nil {
				return res, err
			}
			res.Value = fmt.Sprintf("%s %g", s.Type, v)

		case titles.ActionPointer:
			targets := applied[s.Target]
			if len(targets) == 0 {
				return res, fmt.Errorf("指针目标 %q 没有地址", s.Target)
			}
			ptr, err := f.relocate(targets[0])
			if err != nil {
				return res, err
			}
			if err := f.Patcher.WritePointer(addr, ptr); err != nil {
				return res, err
			}
			res.Value = fmt.Sprintf("-> %s (0x%X)", s.Target, ptr)

		case titles.ActionHook:
			if f.Engine == nil {
				return res, ErrHookOffline
			}
			if res.Last == nil {
				res.Last = new(fov.Cell)
			}
			cb, err := newCallback(s.Hook, e, res.Last)
			if err != nil {
				return res, err
			}
			if err := f.Patcher.Nop(addr, s.Length); err != nil {
				return res, err
			}
			h, err := f.Engine.Attach(addr, s.Length, cb)
			if err != nil {
				return res, err
			}
			res.Intercepts = append(res.Intercepts, h)
			res.Value = fmt.Sprintf("%s %v", s.Hook.Kind, s.Hook.Transforms)

		default:
			return res, fmt.Errorf("未知的操作 %q", s.Action)
		}
	}

	log.Info("步骤已应用", "action", s.Action, "count", len(addrs), "value", res.Value)
	return res, nil
}

func (f *Fix) relocate(addr uintptr) (uint64, error) {
	if f.Relocate == nil {
		return uint64(addr), nil
	}
	return f.Relocate(addr)
}

// source computes the number a value step writes at addr.
func (f *Fix) source(s titles.Step, addr uintptr, e *env) (float64, error) {
	switch s.Value {
	case titles.SourceAspect:
		return e.aspect, nil
	case titles.SourceWidth:
		return float64(e.width), nil
	case titles.SourceHeight:
		return float64(e.height), nil
	case titles.SourceScale:
		return fov.Scale(e.aspect, e.base), nil
	case titles.SourceLiteral:
		return s.Literal, nil
	case titles.SourceFOVFactor:
		return e.factor, nil
	case titles.SourceHFOV:
		cur, err := readFloat(f.Space.Read, addr, s.Type)
		if err != nil {
			return 0, err
		}
		return fov.HorPlus(cur, e.base, e.aspect) * e.factor, nil
	}
	return 0, fmt.Errorf("未知的数值来源 %q", s.Value)
}

func readFloat(read func(uintptr, int) ([]byte, error), addr uintptr, typ string) (float64, error) {
	b, err := read(addr, titles.ValueSize(typ))
	if err != nil {
		return 0, err
	}
	switch typ {
	case "f32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case "f64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("%s 不是浮点类型", typ)
}

// writeValue stores v at addr encoded as typ. Integers are rounded.
func writeValue(p *patch.Patcher, addr uintptr, typ string, v float64) error {
	r := math.Round(v)
	switch typ {
	case "f32":
		return patch.WriteValue(p, addr, float32(v))
	case "f64":
		return patch.WriteValue(p, addr, v)
	case "i8":
		return patch.WriteValue(p, addr, int8(r))
	case "u8":
		return patch.WriteValue(p, addr, uint8(r))
	case "i16":
		return patch.WriteValue(p, addr, int16(r))
	case "u16":
		return patch.WriteValue(p, addr, uint16(r))
	case "i32":
		return patch.WriteValue(p, addr, int32(r))
	case "u32":
		return patch.WriteValue(p, addr, uint32(r))
	case "i64":
		return patch.WriteValue(p, addr, int64(r))
	case "u64":
		return patch.WriteValue(p, addr, uint64(r))
	}
	return fmt.Errorf("未知的数值类型 %q", typ)
}

// transform chains the named corrections.
func (e *env) transform(names []string) func(float64) float64 {
	steps := make([]func(float64) float64, 0, len(names))
	for _, n := range names {
		switch n {
		case titles.TransformHFOV:
			steps = append(steps, func(v float64) float64 { return fov.HorPlus(v, e.base, e.aspect) })
		case titles.TransformHFOVRad:
			steps = append(steps, func(v float64) float64 { return fov.HorPlusRad(v, e.base, e.aspect) })
		case titles.TransformScale:
			steps = append(steps, func(v float64) float64 { return v * fov.Scale(e.aspect, e.base) })
		case titles.TransformInvScale:
			steps = append(steps, func(v float64) float64 { return v / fov.Scale(e.aspect, e.base) })
		case titles.TransformAspect:
			steps = append(steps, func(float64) float64 { return e.aspect })
		case titles.TransformFOVFactor:
			steps = append(steps, func(v float64) float64 { return v * e.factor })
		}
	}
	return func(v float64) float64 {
		for _, step := range steps {
			v = step(v)
		}
		return v
	}
}

// newCallback builds the intercept callback for h. The last value it
// produced is kept in cell.
func newCallback(h *titles.Hook, e *env, cell *fov.Cell) (hook.Callback, error) {
	if h == nil {
		return nil, fmt.Errorf("缺少 hook 定义")
	}
	tr := e.transform(h.Transforms)

	var reg hook.Reg
	switch h.Kind {
	case titles.KindFPULoad, titles.KindXMMLoad, titles.KindReg:
		r, err := hook.ParseReg(h.Reg)
		if err != nil {
			return nil, err
		}
		reg = r
	}

	// load reads the operand of the replaced "fld/movss [reg+disp]".
	load := func(ctx *hook.Context) (float32, error) {
		base, err := ctx.RegRead(reg)
		if err != nil {
			return 0, err
		}
		return ctx.ReadFloat32(uintptr(int64(base) + h.Disp))
	}
	correct := func(v float64) float32 {
		out := float32(tr(v))
		cell.Store(out)
		return out
	}

	switch h.Kind {
	case titles.KindFPULoad:
		return func(ctx *hook.Context) error {
			v, err := load(ctx)
			if err != nil {
				return err
			}
			return ctx.FPUPush(float64(correct(float64(v))))
		}, nil

	case titles.KindXMMLoad:
		return func(ctx *hook.Context) error {
			v, err := load(ctx)
			if err != nil {
				return err
			}
			return ctx.LoadXMMFloat32(h.XMM, correct(float64(v)))
		}, nil

	case titles.KindFPU:
		return func(ctx *hook.Context) error {
			v, err := ctx.ST(0)
			if err != nil {
				return err
			}
			return ctx.SetST(0, float64(correct(v)))
		}, nil

	case titles.KindXMM:
		return func(ctx *hook.Context) error {
			v, err := ctx.XMMFloat32(h.XMM)
			if err != nil {
				return err
			}
			return ctx.SetXMMFloat32(h.XMM, correct(float64(v)))
		}, nil

	case titles.KindReg:
		return func(ctx *hook.Context) error {
			bits, err := ctx.RegRead(reg)
			if err != nil {
				return err
			}
			v := correct(float64(math.Float32frombits(uint32(bits))))
			return ctx.RegWrite(reg, uint64(math.Float32bits(v)))
		}, nil
	}
	return nil, fmt.Errorf("未知的拦截类型 %q", h.Kind)
}
