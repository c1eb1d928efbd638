//go:build !windows

package config

import (
	"fmt"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

// Desktop returns the primary display resolution.
func Desktop() (int, int, error) {
	return 0, 0, fmt.Errorf("桌面分辨率: %w", memory.ErrUnsupported)
}
