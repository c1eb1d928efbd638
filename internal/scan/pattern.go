// Package scan locates byte signatures inside module images.
//
// Patterns are written as space separated tokens: a two digit hex literal,
// "??" (or "?") for a wildcard byte, and "**" (or "*") for a wildcard byte
// that is part of the value of interest. A pattern may carry at most one
// contiguous run of "**" tokens; its start becomes the match address.
package scan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPatternEmpty   = errors.New("特征码为空")
	ErrPatternToken   = errors.New("特征码格式错误")
	ErrPatternCapture = errors.New("特征码只能包含一段连续的 ** 捕获区")
)

// Pattern is an ordered list of byte matchers.
type Pattern struct {
	Bytes []byte
	Mask  []bool // true = literal, false = wildcard

	// Capture is the index of the first captured byte, or -1.
	Capture    int
	CaptureLen int
}

// Parse compiles the textual form of a pattern.
func Parse(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, ErrPatternEmpty
	}

	p := Pattern{
		Bytes:   make([]byte, len(fields)),
		Mask:    make([]bool, len(fields)),
		Capture: -1,
	}
	for i, tok := range fields {
		switch tok {
		case "?", "??":
		case "*", "**":
			if p.Capture == -1 {
				p.Capture = i
			} else if p.Capture+p.CaptureLen != i {
				return Pattern{}, fmt.Errorf("%w: %q", ErrPatternCapture, s)
			}
			p.CaptureLen++
		default:
			if len(tok) != 2 {
				return Pattern{}, fmt.Errorf("%w: %q (位置 %d)", ErrPatternToken, tok, i)
			}
			b, err := hex.DecodeString(tok)
			if err != nil {
				return Pattern{}, fmt.Errorf("%w: %q (位置 %d)", ErrPatternToken, tok, i)
			}
			p.Bytes[i] = b[0]
			p.Mask[i] = true
		}
	}
	return p, nil
}

// MustParse is Parse for patterns known at compile time.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of bytes the pattern spans.
func (p Pattern) Len() int {
	return len(p.Bytes)
}

// Payload returns the offset of the value of interest relative to the match
// start: the capture start, or 0 when the pattern has no capture.
func (p Pattern) Payload() int {
	if p.Capture < 0 {
		return 0
	}
	return p.Capture
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i := range p.Bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch {
		case p.Mask[i]:
			fmt.Fprintf(&sb, "%02X", p.Bytes[i])
		case p.Capture >= 0 && i >= p.Capture && i < p.Capture+p.CaptureLen:
			sb.WriteString("**")
		default:
			sb.WriteString("??")
		}
	}
	return sb.String()
}

// matchAt reports whether p matches data starting at off. The caller
// guarantees off+len(p) <= len(data).
func (p Pattern) matchAt(data []byte, off int) bool {
	for i, b := range p.Bytes {
		if p.Mask[i] && data[off+i] != b {
			return false
		}
	}
	return true
}

// Find returns the offset of the first match of p in data, or -1.
func Find(data []byte, p Pattern) int {
	n := p.Len()
	if n == 0 {
		return -1
	}
	for off := 0; off+n <= len(data); off++ {
		if p.matchAt(data, off) {
			return off
		}
	}
	return -1
}

// FindAll returns the offsets of every match of p in data.
func FindAll(data []byte, p Pattern) []int {
	n := p.Len()
	if n == 0 {
		return nil
	}
	var offs []int
	for off := 0; off+n <= len(data); off++ {
		if p.matchAt(data, off) {
			offs = append(offs, off)
		}
	}
	return offs
}
