// Package hook redirects a NOP'd span of game code into a Go callback that
// sees and edits the complete register state of the interrupted thread.
package hook

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ZacharyZcR/WSFix/internal/memory"
	"github.com/ZacharyZcR/WSFix/internal/patch"
)

var (
	ErrSpan       = errors.New("拦截区长度不足")
	ErrNotPatched = errors.New("拦截区未被 NOP 填充")
	ErrConflict   = errors.New("地址已存在拦截")
	ErrJumpRange  = errors.New("跳转距离超出 rel32 范围")
	ErrDetached   = errors.New("拦截已卸载")
)

// Callback runs on the game thread each time the intercept is reached.
// Returned errors are logged; execution resumes either way.
type Callback func(ctx *Context) error

type State int32

const (
	StateUninstalled State = iota
	StateInstalled
)

func (s State) String() string {
	if s == StateInstalled {
		return "installed"
	}
	return "uninstalled"
}

// registry maps intercept ids to intercepts for every engine in the
// process; the native dispatcher only receives the id.
var (
	registry sync.Map
	nextID   atomic.Uint32
)

// Intercept is one installed redirection.
type Intercept struct {
	id     uint32
	addr   uintptr
	span   int
	cb     Callback
	engine *Engine
	saved  []byte

	state atomic.Int32
	fired atomic.Uint64
}

func (h *Intercept) ID() uint32 {
	return h.id
}

func (h *Intercept) Addr() uintptr {
	return h.addr
}

func (h *Intercept) Span() int {
	return h.span
}

func (h *Intercept) State() State {
	return State(h.state.Load())
}

// Fired returns how often the callback ran.
func (h *Intercept) Fired() uint64 {
	return h.fired.Load()
}

// Close detaches the intercept.
func (h *Intercept) Close() error {
	return h.engine.Detach(h)
}

// Engine installs intercepts into one address space.
type Engine struct {
	space   memory.Space
	patcher *patch.Patcher
	backend Backend
	log     *slog.Logger

	mu   sync.Mutex
	live map[uintptr]*Intercept
}

func NewEngine(space memory.Space, patcher *patch.Patcher, backend Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		space:   space,
		patcher: patcher,
		backend: backend,
		log:     logger,
		live:    make(map[uintptr]*Intercept),
	}
}

func (e *Engine) Arch() Arch {
	return e.backend.Arch()
}

// Attach redirects [addr, addr+span) to cb. The span must already be
// filled with NOPs and be at least JumpSize bytes; the instructions that
// were there are the callback's to emulate.
func (e *Engine) Attach(addr uintptr, span int, cb Callback) (*Intercept, error) {
	if span < JumpSize {
		return nil, fmt.Errorf("%w: 0x%X 只有 %d 字节, 至少需要 %d", ErrSpan, addr, span, JumpSize)
	}
	if cb == nil {
		return nil, fmt.Errorf("0x%X 的拦截回调为空", addr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range e.live {
		if addr < h.addr+uintptr(h.span) && h.addr < addr+uintptr(span) {
			return nil, fmt.Errorf("%w: 0x%X 与 0x%X 重叠", ErrConflict, addr, h.addr)
		}
	}

	code, err := e.space.Read(addr, span)
	if err != nil {
		return nil, fmt.Errorf("读取拦截区 0x%X 失败: %w", addr, err)
	}
	if !bytes.Equal(code, bytes.Repeat([]byte{patch.NOP}, span)) {
		return nil, fmt.Errorf("%w: 0x%X [% X]", ErrNotPatched, addr, code)
	}

	h := &Intercept{
		id:     nextID.Add(1),
		addr:   addr,
		span:   span,
		cb:     cb,
		engine: e,
		saved:  code[:JumpSize],
	}
	registry.Store(h.id, h)

	stub, err := e.backend.Install(h.id, addr)
	if err != nil {
		registry.Delete(h.id)
		return nil, fmt.Errorf("安装 0x%X 的跳板失败: %w", addr, err)
	}
	jmp, ok := jump(e.Arch(), addr, stub)
	if !ok {
		e.discard(h)
		return nil, fmt.Errorf("%w: 0x%X -> 0x%X", ErrJumpRange, addr, stub)
	}

	// Armed before the jump lands so a thread that takes it immediately
	// runs the callback.
	h.state.Store(int32(StateInstalled))
	if err := e.patcher.Write(addr, jmp); err != nil {
		h.state.Store(int32(StateUninstalled))
		e.discard(h)
		return nil, fmt.Errorf("写入 0x%X 的跳转失败: %w", addr, err)
	}
	e.live[addr] = h

	e.log.Info("拦截已安装", "addr", fmt.Sprintf("0x%X", addr), "span", span, "stub", fmt.Sprintf("0x%X", stub), "id", h.id)
	return h, nil
}

// Detach puts the NOPs back and releases the stub.
func (e *Engine) Detach(h *Intercept) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detach(h)
}

func (e *Engine) detach(h *Intercept) error {
	if e.live[h.addr] != h {
		return fmt.Errorf("%w: 0x%X", ErrDetached, h.addr)
	}
	if err := e.patcher.Write(h.addr, h.saved); err != nil {
		return fmt.Errorf("恢复拦截区 0x%X 失败: %w", h.addr, err)
	}
	h.state.Store(int32(StateUninstalled))
	delete(e.live, h.addr)

	e.log.Info("拦截已卸载", "addr", fmt.Sprintf("0x%X", h.addr), "fired", h.Fired())
	return e.release(h)
}

// release hands the stub back to the backend. The registry entry stays so
// a thread still inside the stub resumes normally.
func (e *Engine) release(h *Intercept) error {
	if err := e.backend.Release(h.id); err != nil {
		return fmt.Errorf("释放 0x%X 的跳板失败: %w", h.addr, err)
	}
	return nil
}

// discard drops an intercept whose jump never landed. No thread can be
// inside its stub, so the id goes too.
func (e *Engine) discard(h *Intercept) {
	if err := e.release(h); err != nil {
		e.log.Warn("释放跳板失败", "addr", fmt.Sprintf("0x%X", h.addr), "err", err)
	}
	registry.Delete(h.id)
}

// DetachAll detaches every live intercept and reports all failures.
func (e *Engine) DetachAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, h := range e.sorted() {
		if err := e.detach(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Intercepts lists the live intercepts by address.
func (e *Engine) Intercepts() []*Intercept {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sorted()
}

func (e *Engine) sorted() []*Intercept {
	out := make([]*Intercept, 0, len(e.live))
	for _, h := range e.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// dispatchFrame runs the intercept registered under id against one saved
// frame and returns the address execution continues at.
func dispatchFrame(id uint32, frameAddr uintptr, gp, fx []byte) uintptr {
	v, ok := registry.Load(id)
	if !ok {
		// Ids are only dropped when no jump ever reached their stub.
		slog.Error("未知的拦截编号", "id", id)
		return 0
	}
	return v.(*Intercept).fire(frameAddr, gp, fx)
}

func (h *Intercept) fire(frameAddr uintptr, gp, fx []byte) uintptr {
	ctx := decodeFrame(h.engine.Arch(), frameAddr, gp, fx)
	resume, ok := h.invoke(ctx)
	if ok {
		encodeFrame(ctx, gp, fx)
	}
	return resume
}

// Invoke runs the callback against ctx the way a firing thread would and
// returns the address execution continues at. It lets callbacks be
// exercised without a native backend.
func (h *Intercept) Invoke(ctx *Context) uintptr {
	resume, _ := h.invoke(ctx)
	return resume
}

// invoke reports false when the frame must be left untouched.
func (h *Intercept) invoke(ctx *Context) (uintptr, bool) {
	resume := h.addr + uintptr(h.span)
	if h.State() != StateInstalled {
		return resume, false
	}
	e := h.engine

	ctx.addr = h.addr
	ctx.space = e.space
	ctx.ip = uint64(h.addr)
	ctx.ipChanged = false

	h.fired.Add(1)
	panicked, err := h.call(ctx)
	if err != nil {
		e.log.Error("拦截回调失败", "addr", fmt.Sprintf("0x%X", h.addr), "error", err)
	}
	if panicked {
		// Half-applied register edits are dropped.
		return resume, false
	}

	if ctx.ipChanged {
		resume = uintptr(ctx.ip)
	}
	ctx.ip = uint64(resume)
	return resume, true
}

func (h *Intercept) call(ctx *Context) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("回调 panic: %v", r)
		}
	}()
	return false, h.cb(ctx)
}
