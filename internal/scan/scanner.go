package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

var ErrNotFound = errors.New("未找到特征码")

// Match is one hit of a pattern inside a module.
type Match struct {
	Start uintptr // first byte of the match
	Addr  uintptr // value of interest (capture start, or Start)
}

// Query names a pattern inside a batch.
type Query struct {
	Name    string
	Pattern Pattern
	All     bool // collect every match instead of the first
}

// Result holds the matches found for one Query.
type Result struct {
	Name    string
	Matches []Match
}

// BatchError reports every query of a batch that had no match.
type BatchError struct {
	Module  string
	Missing []string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("模块 %s 中 %d 个特征码未找到: %s", e.Module, len(e.Missing), strings.Join(e.Missing, ", "))
}

func (e *BatchError) Unwrap() error {
	return ErrNotFound
}

// Scanner runs patterns against modules mapped in a Space.
type Scanner struct {
	space memory.Space
}

// NewScanner creates a scanner over space.
func NewScanner(space memory.Space) *Scanner {
	return &Scanner{space: space}
}

// Scan returns the first match of p in mod.
func (s *Scanner) Scan(mod memory.Module, p Pattern) (Match, error) {
	image, err := mod.Image(s.space)
	if err != nil {
		return Match{}, err
	}
	off := Find(image, p)
	if off < 0 {
		return Match{}, fmt.Errorf("%w: %s [%s]", ErrNotFound, mod.Name, p)
	}
	return toMatch(mod, p, off), nil
}

// ScanAll returns every match of p in mod.
func (s *Scanner) ScanAll(mod memory.Module, p Pattern) ([]Match, error) {
	image, err := mod.Image(s.space)
	if err != nil {
		return nil, err
	}
	offs := FindAll(image, p)
	if len(offs) == 0 {
		return nil, fmt.Errorf("%w: %s [%s]", ErrNotFound, mod.Name, p)
	}
	matches := make([]Match, len(offs))
	for i, off := range offs {
		matches[i] = toMatch(mod, p, off)
	}
	return matches, nil
}

// ScanBatch resolves every pattern or none of them.
func (s *Scanner) ScanBatch(mod memory.Module, patterns ...Pattern) ([]Match, error) {
	queries := make([]Query, len(patterns))
	for i, p := range patterns {
		queries[i] = Query{Name: p.String(), Pattern: p}
	}
	results, err := s.ScanQueries(mod, queries)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = r.Matches[0]
	}
	return matches, nil
}

// ScanQueries reads the module image once and runs every query against it.
// When any query has no match the result is a *BatchError and no matches are
// returned.
func (s *Scanner) ScanQueries(mod memory.Module, queries []Query) ([]Result, error) {
	image, err := mod.Image(s.space)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(queries))
	var missing []string
	for i, q := range queries {
		results[i].Name = q.Name
		if q.All {
			for _, off := range FindAll(image, q.Pattern) {
				results[i].Matches = append(results[i].Matches, toMatch(mod, q.Pattern, off))
			}
		} else if off := Find(image, q.Pattern); off >= 0 {
			results[i].Matches = []Match{toMatch(mod, q.Pattern, off)}
		}
		if len(results[i].Matches) == 0 {
			missing = append(missing, q.Name)
		}
	}

	if len(missing) > 0 {
		return nil, &BatchError{Module: mod.Name, Missing: missing}
	}
	return results, nil
}

// ReadCapture reads the captured bytes of a match.
func ReadCapture(space memory.Space, m Match, p Pattern) ([]byte, error) {
	if p.CaptureLen == 0 {
		return nil, fmt.Errorf("特征码 [%s] 没有捕获区", p)
	}
	return space.Read(m.Addr, p.CaptureLen)
}

// Uint decodes up to 8 little-endian bytes.
func Uint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func toMatch(mod memory.Module, p Pattern, off int) Match {
	start := mod.Base + uintptr(off)
	return Match{Start: start, Addr: start + uintptr(p.Payload())}
}
