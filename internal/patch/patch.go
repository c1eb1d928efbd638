// Package patch overwrites code and data in a memory.Space.
package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

// NOP is the single byte x86 no-op.
const NOP = 0x90

var ErrNoRecord = errors.New("地址没有修补记录")

// Record is one patched range. Original holds the bytes present before the
// first write to the range, Patched the bytes after the latest one.
type Record struct {
	Addr     uintptr
	Original []byte
	Patched  []byte
}

// Patcher writes into a Space, relaxing page protection for the duration of
// each write and keeping the original bytes of every range it touches.
type Patcher struct {
	space memory.Space

	mu      sync.Mutex
	records map[uintptr]*Record
	order   []uintptr
}

// New creates a patcher over space.
func New(space memory.Space) *Patcher {
	return &Patcher{
		space:   space,
		records: make(map[uintptr]*Record),
	}
}

// Space returns the address space the patcher writes to.
func (p *Patcher) Space() memory.Space {
	return p.space
}

// Write overwrites len(data) bytes at addr.
func (p *Patcher) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("写入 0x%X 的数据不能为空", addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.space.Read(addr, len(data))
	if err != nil {
		return fmt.Errorf("读取 0x%X 原始字节失败: %w", addr, err)
	}

	if err := p.writeProtected(addr, data); err != nil {
		return err
	}

	rec, ok := p.records[addr]
	if !ok {
		rec = &Record{Addr: addr, Original: current}
		p.records[addr] = rec
		p.order = append(p.order, addr)
	} else if len(data) > len(rec.Original) {
		// A longer write at the same address: bytes past the old record
		// were untouched until now.
		copy(current, rec.Original)
		rec.Original = current
	}

	patched, err := p.space.Read(addr, len(rec.Original))
	if err != nil {
		patched = bytes.Clone(data)
	}
	rec.Patched = patched
	return nil
}

// Nop fills exactly n bytes at addr with NOP.
func (p *Patcher) Nop(addr uintptr, n int) error {
	if n <= 0 {
		return fmt.Errorf("NOP 长度无效: %d", n)
	}
	return p.Write(addr, bytes.Repeat([]byte{NOP}, n))
}

// WritePointer writes v using the natural pointer width of the space.
func (p *Patcher) WritePointer(addr uintptr, v uint64) error {
	switch p.space.PointerSize() {
	case 4:
		if v > math.MaxUint32 {
			return fmt.Errorf("指针 0x%X 超出32位地址空间", v)
		}
		return WriteValue(p, addr, uint32(v))
	case 8:
		return WriteValue(p, addr, v)
	default:
		return fmt.Errorf("不支持的指针宽度: %d", p.space.PointerSize())
	}
}

// Number is any value WriteValue can encode.
type Number interface {
	constraints.Integer | constraints.Float
}

// WriteValue writes the little-endian encoding of v at addr.
func WriteValue[T Number](p *Patcher, addr uintptr, v T) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return p.Write(addr, data)
}

// Encode returns the little-endian bytes of v. int, uint and uintptr take
// the width of the running process.
func Encode[T Number](v T) ([]byte, error) {
	var x any = v
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Int:
		x = sized(uint64(rv.Int()))
	case reflect.Uint, reflect.Uintptr:
		x = sized(rv.Uint())
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, x); err != nil {
		return nil, fmt.Errorf("编码 %T 失败: %w", v, err)
	}
	return buf.Bytes(), nil
}

func sized(v uint64) any {
	if strconv.IntSize == 32 {
		return uint32(v)
	}
	return v
}

// Records returns the patch records in the order ranges were first touched.
func (p *Patcher) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.order))
	for _, addr := range p.order {
		out = append(out, *p.records[addr])
	}
	return out
}

// Restore writes back the original bytes of the range starting at addr.
func (p *Patcher) Restore(addr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restore(addr)
}

// RestoreAll undoes every recorded patch, newest first, and reports the
// first failure after attempting all of them.
func (p *Patcher) RestoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for i := len(p.order) - 1; i >= 0; i-- {
		if err := p.restore(p.order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Patcher) restore(addr uintptr) error {
	rec, ok := p.records[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%X", ErrNoRecord, addr)
	}
	if err := p.writeProtected(addr, rec.Original); err != nil {
		return err
	}
	delete(p.records, addr)
	for i, a := range p.order {
		if a == addr {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// writeProtected makes the range writable, writes and puts the old
// protection back, also when the write fails. Each region the range
// crosses keeps its own protection.
func (p *Patcher) writeProtected(addr uintptr, data []byte) (err error) {
	type span struct {
		addr uintptr
		size int
		old  memory.Prot
	}
	var spans []span
	defer func() {
		for i := len(spans) - 1; i >= 0; i-- {
			s := spans[i]
			if _, rerr := p.space.Protect(s.addr, s.size, s.old); rerr != nil && err == nil {
				err = fmt.Errorf("恢复 0x%X 保护属性失败: %w", s.addr, rerr)
			}
		}
	}()

	end := addr + uintptr(len(data))
	for cur := addr; cur < end; {
		r, qerr := p.space.Query(cur)
		if qerr != nil {
			return fmt.Errorf("查询 0x%X 失败: %w", cur, qerr)
		}
		next := r.Addr + r.Size
		if next > end || next <= cur {
			next = end
		}
		old, perr := p.space.Protect(cur, int(next-cur), memory.ProtRWX)
		if perr != nil {
			return fmt.Errorf("修改 0x%X 保护属性失败: %w", cur, perr)
		}
		spans = append(spans, span{addr: cur, size: int(next - cur), old: old})
		cur = next
	}

	if err := p.space.WriteRaw(addr, data); err != nil {
		return fmt.Errorf("写入 0x%X 失败: %w", addr, err)
	}
	return nil
}
