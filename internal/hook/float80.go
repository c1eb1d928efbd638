package hook

import (
	"encoding/binary"
	"math"
)

// Float80 is an x87 extended precision value as stored in an FXSAVE slot:
// 64-bit mantissa with explicit integer bit, then sign and 15-bit exponent.
type Float80 [10]byte

const f80Bias = 16383

// Float64 converts to the nearest float64.
func (f Float80) Float64() float64 {
	mant := binary.LittleEndian.Uint64(f[:8])
	se := binary.LittleEndian.Uint16(f[8:])
	neg := se&0x8000 != 0
	exp := int(se & 0x7FFF)

	var v float64
	switch {
	case exp == 0x7FFF:
		if mant<<1 == 0 {
			v = math.Inf(1)
		} else {
			return math.NaN()
		}
	case mant == 0:
		v = 0
	default:
		e := exp - f80Bias
		if exp == 0 {
			e = 1 - f80Bias
		}
		v = math.Ldexp(float64(mant), e-63)
	}
	if neg {
		v = -v
	}
	return v
}

// NewFloat80 converts a float64 exactly.
func NewFloat80(v float64) Float80 {
	var f Float80
	var se uint16
	if math.Signbit(v) {
		se = 0x8000
		v = -v
	}

	var mant uint64
	switch {
	case math.IsNaN(v):
		se |= 0x7FFF
		mant = 0xC000000000000000
	case math.IsInf(v, 0):
		se |= 0x7FFF
		mant = 0x8000000000000000
	case v == 0:
	default:
		frac, exp := math.Frexp(v) // v = frac * 2^exp, 0.5 <= frac < 1
		mant = uint64(math.Ldexp(frac, 64))
		se |= uint16(exp - 1 + f80Bias)
	}

	binary.LittleEndian.PutUint64(f[:8], mant)
	binary.LittleEndian.PutUint16(f[8:], se)
	return f
}
