//go:build windows

package config

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var procGetSystemMetrics = windows.NewLazySystemDLL("user32.dll").NewProc("GetSystemMetrics")

const (
	smCXScreen = 0
	smCYScreen = 1
)

// Desktop returns the primary display resolution.
func Desktop() (int, int, error) {
	if err := procGetSystemMetrics.Find(); err != nil {
		return 0, 0, fmt.Errorf("GetSystemMetrics: %w", err)
	}
	w, _, _ := procGetSystemMetrics.Call(smCXScreen)
	h, _, _ := procGetSystemMetrics.Call(smCYScreen)
	return int(int32(w)), int(int32(h)), nil
}
