// Package fov holds the aspect ratio and field of view corrections shared
// by every title.
package fov

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Aspect ratios games are commonly authored for.
const (
	Aspect4x3  = 4.0 / 3.0
	Aspect16x9 = 16.0 / 9.0
)

var ErrResolution = errors.New("分辨率无效")

// Aspect returns width/height.
func Aspect(width, height int) (float64, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrResolution, width, height)
	}
	return float64(width) / float64(height), nil
}

// Scale is the linear correction for engines that store FOV as a ratio.
func Scale(newAspect, oldAspect float64) float64 {
	return newAspect / oldAspect
}

// HorPlus widens a horizontal FOV in degrees from oldAspect to newAspect
// keeping the vertical FOV.
func HorPlus(hfov, oldAspect, newAspect float64) float64 {
	if newAspect == oldAspect {
		return hfov
	}
	return Rad2Deg(HorPlusRad(Deg2Rad(hfov), oldAspect, newAspect))
}

// HorPlusRad is HorPlus for an angle in radians.
func HorPlusRad(hfov, oldAspect, newAspect float64) float64 {
	if newAspect == oldAspect {
		return hfov
	}
	return 2 * math.Atan(math.Tan(hfov/2)*newAspect/oldAspect)
}

// VFOV returns the vertical FOV in degrees for a horizontal FOV at aspect.
func VFOV(hfov, aspect float64) float64 {
	return Rad2Deg(2 * math.Atan(math.Tan(Deg2Rad(hfov)/2)/aspect))
}

// HFOV is the inverse of VFOV.
func HFOV(vfov, aspect float64) float64 {
	return Rad2Deg(2 * math.Atan(math.Tan(Deg2Rad(vfov)/2)*aspect))
}

func Deg2Rad(deg float64) float64 {
	return deg * math.Pi / 180
}

func Rad2Deg(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Deg2Rad32 converts a single precision angle, rounding once so the result
// is the float32 nearest to the exact value.
func Deg2Rad32(deg float32) float32 {
	return float32(Deg2Rad(float64(deg)))
}

func Rad2Deg32(rad float32) float32 {
	return float32(Rad2Deg(float64(rad)))
}

// Cell keeps the last value an intercept computed. Intercepts may fire on
// any game thread.
type Cell struct {
	bits atomic.Uint32
	set  atomic.Bool
}

func (c *Cell) Store(v float32) {
	c.bits.Store(math.Float32bits(v))
	c.set.Store(true)
}

// Load returns the stored value and whether one was ever stored.
func (c *Cell) Load() (float32, bool) {
	return math.Float32frombits(c.bits.Load()), c.set.Load()
}
