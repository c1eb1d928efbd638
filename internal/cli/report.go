// Package cli provides command-line interface utilities.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ZacharyZcR/WSFix/internal/detect"
	"github.com/ZacharyZcR/WSFix/internal/fix"
	"github.com/ZacharyZcR/WSFix/internal/pe"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

// packedEntropy is where section data stops looking like plain code.
const packedEntropy = 7.0

// Reporter formats and prints analysis and patch results.
type Reporter struct {
	w       io.Writer
	verbose bool
}

// NewReporter creates a reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// SetVerbose enables verbose mode (show every step of every title).
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// Header prints the banner.
func (r *Reporter) Header(title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintln(r.w, "\n╔════════════════════════════════════════╗")
	cyan.Fprintf(r.w, "║  %-38s║\n", title)
	cyan.Fprintln(r.w, "╚════════════════════════════════════════╝")
}

// PrintImage outputs the PE summary of the file about to be patched.
func (r *Reporter) PrintImage(info *pe.Info) {
	r.printBasicInfo(info)
	r.printSections(info.Sections)
}

func (r *Reporter) section(name string, args ...any) {
	color.New(color.FgYellow, color.Bold).Fprintf(r.w, "\n【"+name+"】\n", args...)
}

func (r *Reporter) printBasicInfo(info *pe.Info) {
	r.section("基本信息")

	fmt.Fprintf(r.w, "  %-12s: %s\n", "文件路径", info.FilePath)
	fmt.Fprintf(r.w, "  %-12s: %s\n", "文件大小", formatSize(info.FileSize))
	fmt.Fprintf(r.w, "  %-12s: %s\n", "架构", info.Architecture)
	fmt.Fprintf(r.w, "  %-12s: %s\n", "子系统", info.Subsystem)
	fmt.Fprintf(r.w, "  %-12s: 0x%X\n", "入口点", info.EntryPoint)
	fmt.Fprintf(r.w, "  %-12s: 0x%X\n", "镜像基址", info.ImageBase)

	if info.Checksum != nil {
		fmt.Fprintf(r.w, "  %-12s: ", "校验和")
		switch {
		case info.Checksum.Stored == 0:
			color.New(color.FgHiBlack).Fprint(r.w, "未设置")
		case info.Checksum.Valid:
			color.New(color.FgGreen).Fprintf(r.w, "✓ 有效 (0x%08X)", info.Checksum.Stored)
		default:
			color.New(color.FgRed, color.Bold).Fprintf(r.w, "✗ 无效 (存储: 0x%08X, 计算: 0x%08X)",
				info.Checksum.Stored, info.Checksum.Computed)
		}
		fmt.Fprintln(r.w)
	}
}

func (r *Reporter) printSections(sections []pe.SectionInfo) {
	r.section("节区信息 (共 %d 个)", len(sections))
	if len(sections) == 0 {
		fmt.Fprintln(r.w, "  未发现节区")
		return
	}

	fmt.Fprintln(r.w, strings.Repeat("-", 80))
	fmt.Fprintf(r.w, "  %-10s %-12s %-12s %-12s %-6s %s\n", "名称", "虚拟地址", "文件偏移", "原始大小", "权限", "熵")
	fmt.Fprintln(r.w, strings.Repeat("-", 80))

	for _, s := range sections {
		permColor := color.New(color.FgWhite)
		if s.Permissions == "RWX" {
			permColor = color.New(color.FgRed, color.Bold)
		} else if strings.Contains(s.Permissions, "X") {
			permColor = color.New(color.FgYellow)
		}

		fmt.Fprintf(r.w, "  %-10s 0x%08X   0x%08X   %-12s ", s.Name, s.VirtualAddress, s.Offset, formatSize(int64(s.Size)))
		permColor.Fprintf(r.w, "%-6s", s.Permissions)
		fmt.Fprintf(r.w, " %.2f", s.Entropy)
		if s.Entropy > packedEntropy && strings.Contains(s.Permissions, "X") {
			color.New(color.FgRed).Fprint(r.w, "  可能已加壳, 特征码可能无法匹配")
		}
		fmt.Fprintln(r.w)
	}
	fmt.Fprintln(r.w, strings.Repeat("-", 80))
}

// PrintReport outputs what a fix changed.
func (r *Reporter) PrintReport(report *fix.Report) {
	r.section("修补结果: %s", report.Title)
	fmt.Fprintf(r.w, "  %-12s: %s\n", "模块", report.Module)

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for i, s := range report.Steps {
		green.Fprintf(r.w, "  %3d. %-20s", i+1, s.Name)
		fmt.Fprintf(r.w, " %-8s %s\n", s.Action, s.Value)
		for _, off := range s.Offsets {
			gray.Fprintf(r.w, "       @ +0x%X\n", off)
		}
		if s.Last != nil {
			if v, ok := s.Last.Load(); ok {
				gray.Fprintf(r.w, "       最近值: %g\n", v)
			}
		}
	}
}

// PrintFileReport outputs an offline patch result.
func (r *Reporter) PrintFileReport(report *fix.FileReport) {
	r.PrintReport(report.Report)
	fmt.Fprintln(r.w)
	if report.Backup != "" {
		fmt.Fprintf(r.w, "  %-12s: %s\n", "备份", report.Backup)
	}
	if report.Checksum != 0 {
		fmt.Fprintf(r.w, "  %-12s: 0x%08X\n", "新校验和", report.Checksum)
	}
	if report.Saved {
		color.New(color.FgGreen, color.Bold).Fprintf(r.w, "✓ 已写入 %s\n", report.Path)
	} else {
		color.New(color.FgYellow).Fprintln(r.w, "仅预览, 文件未修改")
	}
}

// PrintTitles lists the supported games.
func (r *Reporter) PrintTitles(table *titles.Table) {
	r.section("支持的游戏 (共 %d 个)", len(table.Titles))

	green := color.New(color.FgGreen)
	for i, t := range table.Titles {
		mode := "注入"
		if t.Offline {
			mode = "离线"
		}
		green.Fprintf(r.w, "  %3d. %s", i+1, t.Name)
		fmt.Fprintf(r.w, " [%s] %s (%d 个步骤)\n", t.ConfigSection(), strings.Join(t.Executables, ", "), len(t.Steps))
		fmt.Fprintf(r.w, "       模式: %s, 原始宽高比: %.4f\n", mode, t.BaseAspect())
		if r.verbose {
			for _, s := range t.Steps {
				fmt.Fprintf(r.w, "       - %-20s %-8s [%s]\n", s.Name, s.Action, s.Pattern)
			}
		}
	}
}

// PrintGames lists running supported games.
func (r *Reporter) PrintGames(games []detect.Game) {
	r.section("正在运行的游戏 (共 %d 个)", len(games))
	if len(games) == 0 {
		fmt.Fprintln(r.w, "  未检测到支持的游戏")
		return
	}
	for _, g := range games {
		color.New(color.FgGreen).Fprintf(r.w, "  PID %-6d %s", g.PID, g.Title.Name)
		fmt.Fprintf(r.w, " (%s)\n", g.Exe)
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
