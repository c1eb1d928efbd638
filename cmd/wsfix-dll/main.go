//go:build windows

// Command wsfix-dll is built with -buildmode=c-shared and loaded into the
// game. It reads wsfix.ini next to the game executable, logs to wsfix.log
// and applies the matching title from its own goroutine.
package main

import "C"

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ZacharyZcR/WSFix/internal/config"
	"github.com/ZacharyZcR/WSFix/internal/detect"
	"github.com/ZacharyZcR/WSFix/internal/fix"
	"github.com/ZacharyZcR/WSFix/internal/hook"
	"github.com/ZacharyZcR/WSFix/internal/logging"
	"github.com/ZacharyZcR/WSFix/internal/memory"
	"github.com/ZacharyZcR/WSFix/internal/patch"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

const (
	configName = "wsfix.ini"
	logName    = "wsfix.log"
	tableName  = "wsfix.yaml"
)

func init() {
	// Never block the loader.
	go run()
}

func main() {}

func run() {
	exe, err := os.Executable()
	if err != nil {
		showConsole(fmt.Errorf("获取游戏路径失败: %w", err))
		return
	}
	dir := filepath.Dir(exe)

	// The file stays open: intercepts log through it while the game runs.
	logger, _, err := logging.Open(filepath.Join(dir, logName), nil, slog.LevelInfo)
	if err != nil {
		showConsole(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("修复过程中发生内部错误", "panic", r)
		}
	}()

	if err := apply(logger, exe, dir); err != nil {
		switch {
		case errors.Is(err, fix.ErrDisabled):
			logger.Info("修复未启用", "reason", err)
		case errors.Is(err, fix.ErrNotDetected):
			logger.Info("不是支持的游戏, 不做任何修改", "exe", exe)
		case errors.Is(err, config.ErrConfig):
			logger.Error("配置文件错误", "err", err)
			showConsole(err)
		default:
			logger.Error("修复失败, 游戏未被修改", "err", err)
		}
	}
}

func apply(logger *slog.Logger, exe, dir string) error {
	cfg, err := config.Load(filepath.Join(dir, configName))
	if err != nil {
		return err
	}
	table, err := loadTable(dir)
	if err != nil {
		return err
	}
	title, _, err := detect.Current(table)
	if err != nil {
		return err
	}
	logger.Info("检测到游戏", "title", title.Name, "exe", exe)

	space, err := memory.NewSelf()
	if err != nil {
		return err
	}
	backend, err := hook.NewNativeBackend()
	if err != nil {
		return err
	}
	p := patch.New(space)

	f := &fix.Fix{
		Title:   title,
		Config:  cfg,
		Space:   space,
		Finder:  memory.FindModule,
		Patcher: p,
		Engine:  hook.NewEngine(space, p, backend, logger),
		Logger:  logger,
		Exe:     exe,
		Desktop: config.Desktop,
	}
	report, err := f.Run(context.Background())
	if err != nil {
		return err
	}
	for _, s := range report.Steps {
		logger.Info("步骤完成", "step", s.Name, "action", s.Action, "sites", len(s.Offsets), "value", s.Value)
	}
	return nil
}

// loadTable prefers a table file shipped next to the game.
func loadTable(dir string) (*titles.Table, error) {
	path := filepath.Join(dir, tableName)
	if _, err := os.Stat(path); err == nil {
		return titles.Load(path)
	}
	return titles.Default()
}
