// Package main provides the WSFix command-line tool: it lists supported
// games, finds running ones and patches executables on disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"

	"github.com/ZacharyZcR/WSFix/internal/cli"
	"github.com/ZacharyZcR/WSFix/internal/config"
	"github.com/ZacharyZcR/WSFix/internal/detect"
	"github.com/ZacharyZcR/WSFix/internal/fix"
	"github.com/ZacharyZcR/WSFix/internal/logging"
	"github.com/ZacharyZcR/WSFix/internal/pe"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

const defaultConfig = "wsfix.ini"

var (
	// Mode flags.
	patchMode  = flag.Bool("patch", false, "写入模式：修改可执行文件（默认仅预览）")
	listTitles = flag.Bool("list", false, "列出支持的游戏")
	detectRun  = flag.Bool("detect", false, "检测正在运行的支持游戏")
	initConfig = flag.Bool("init", false, "生成配置文件（写入 -config 指定的路径）")
	verbose    = flag.Bool("v", false, "详细模式：显示调试日志和每个游戏的步骤")

	// Input flags.
	titleName = flag.String("title", "", "指定游戏名称（默认按可执行文件名识别）")
	tablePath = flag.String("table", "", "游戏配置表文件 (.yaml/.yml/.toml，默认使用内置表)")
	cfgPath   = flag.String("config", "", "INI 配置文件路径")

	// Overrides.
	width     = flag.Int("width", 0, "目标分辨率宽度（默认读取配置或桌面分辨率）")
	height    = flag.Int("height", 0, "目标分辨率高度")
	fovFactor = flag.Float64("fov", 0, "视野倍率（默认读取配置，1.0 为不变）")

	// Patch flags.
	createBackup = flag.Bool("backup", true, "修改前创建备份文件")
	updateCksum  = flag.Bool("update-checksum", true, "修改后更新校验和")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "\n错误: %v\n\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	table, err := loadTable()
	if err != nil {
		return err
	}
	reporter := cli.NewReporter(os.Stdout)
	reporter.SetVerbose(*verbose)

	switch {
	case *listTitles:
		reporter.PrintTitles(table)
		return nil
	case *detectRun:
		games, err := detect.Running(ctx, table)
		if err != nil {
			return err
		}
		reporter.PrintGames(games)
		return nil
	case *initConfig:
		return writeConfig(table)
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	return patchFile(ctx, table, reporter, flag.Arg(0))
}

func loadTable() (*titles.Table, error) {
	if *tablePath == "" {
		return titles.Default()
	}
	return titles.Load(*tablePath)
}

func loadConfig() (*config.Config, error) {
	cfg := config.New(0, 0)
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return nil, err
		}
	}
	if *width > 0 {
		cfg.Width = *width
	}
	if *height > 0 {
		cfg.Height = *height
	}
	if *fovFactor > 0 {
		cfg.FOVFactor = *fovFactor
	}
	return cfg, nil
}

func pickTitle(table *titles.Table, path string) (*titles.Title, error) {
	if *titleName != "" {
		t, ok := table.Find(*titleName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", detect.ErrNotDetected, *titleName)
		}
		return t, nil
	}
	t, _, err := detect.Match(table, path)
	return t, err
}

func patchFile(ctx context.Context, table *titles.Table, reporter *cli.Reporter, path string) error {
	title, err := pickTitle(table, path)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	img, err := pe.Load(path)
	if err != nil {
		return err
	}
	reporter.Header("WSFix - " + title.Name)
	reporter.PrintImage(img.Info())
	fmt.Println()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(nil, os.Stderr, level)

	report, err := fix.PatchFile(ctx, path, title, cfg, fix.Options{
		DryRun:         !*patchMode,
		Backup:         *createBackup,
		UpdateChecksum: *updateCksum,
		Logger:         logger,
	})
	if err != nil {
		if errors.Is(err, fix.ErrHookOffline) {
			return fmt.Errorf("%w, 请使用 wsfix.dll 注入方式", err)
		}
		return err
	}
	reporter.PrintFileReport(report)
	return nil
}

func writeConfig(table *titles.Table) error {
	path := *cfgPath
	if path == "" {
		path = defaultConfig
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("配置文件已存在: %s", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Resolve(config.Desktop); err != nil {
		color.New(color.FgYellow).Printf("无法读取桌面分辨率, 使用 0x0 (运行时自动检测): %v\n", err)
	}
	for _, t := range table.Titles {
		cfg.SetEnabled(t.ConfigSection(), true)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ 已生成配置文件: %s\n", path)
	return nil
}

func printUsage() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Println("\nWSFix - 经典游戏宽屏/视野修复工具")

	fmt.Println("\n用法:")
	fmt.Println("  wsfix [选项] <游戏可执行文件>")
	fmt.Println("  wsfix -list | -detect | -init")
	fmt.Println("\n模式:")
	fmt.Println("  (默认)                预览：查找特征码并显示将要修改的位置")
	fmt.Println("  -patch                写入修改")
	fmt.Println("  -list                 列出支持的游戏（-v 显示每个步骤）")
	fmt.Println("  -detect               检测正在运行的支持游戏")
	fmt.Println("  -init                 生成配置文件（默认 wsfix.ini）")
	fmt.Println("\n选项:")
	fmt.Println("  -title <名称>         指定游戏，不按文件名识别")
	fmt.Println("  -table <文件>         使用外部游戏配置表 (.yaml/.toml)")
	fmt.Println("  -config <文件>        INI 配置文件")
	fmt.Println("  -width <像素>         目标分辨率宽度")
	fmt.Println("  -height <像素>        目标分辨率高度")
	fmt.Println("  -fov <倍率>           视野倍率（默认: 1.0）")
	fmt.Println("  -backup               修改前创建备份（默认: true，已有备份不会覆盖）")
	fmt.Println("  -update-checksum      修改后更新校验和（默认: true）")
	fmt.Println("  -v                    详细模式")

	fmt.Println("\n示例:")
	fmt.Println("  # 预览")
	fmt.Println("  wsfix -width 2560 -height 1080 \"C:\\GOG Games\\The Witcher 3\\bin\\x64\\witcher3.exe\"")
	fmt.Println("  # 写入")
	fmt.Println("  wsfix -patch -width 2560 -height 1080 \"C:\\GOG Games\\The Witcher 3\\bin\\x64\\witcher3.exe\"")
	fmt.Println()
}
