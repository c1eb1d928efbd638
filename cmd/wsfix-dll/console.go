//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

var (
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procAllocConsole = kernel32.NewProc("AllocConsole")
	procFreeConsole  = kernel32.NewProc("FreeConsole")
)

// consoleDelay keeps the message readable before the game takes focus.
const consoleDelay = 10 * time.Second

// showConsole opens a console window for errors that cannot go to the log.
func showConsole(err error) {
	_, _, _ = procAllocConsole.Call()
	out, oerr := os.OpenFile("CONOUT$", os.O_WRONLY, 0)
	if oerr != nil {
		return
	}
	defer out.Close()
	fmt.Fprintf(out, "WSFix 错误: %v\n\n请检查游戏目录下的 wsfix.ini。此窗口将在 %d 秒后关闭。\n", err, int(consoleDelay.Seconds()))
	time.Sleep(consoleDelay)
	_, _, _ = procFreeConsole.Call()
}
