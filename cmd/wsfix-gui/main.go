// Package main provides the WSFix GUI for patching executables on disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/fatih/color"

	"github.com/ZacharyZcR/WSFix/internal/cli"
	"github.com/ZacharyZcR/WSFix/internal/config"
	"github.com/ZacharyZcR/WSFix/internal/fix"
	"github.com/ZacharyZcR/WSFix/internal/logging"
	"github.com/ZacharyZcR/WSFix/internal/pe"
	"github.com/ZacharyZcR/WSFix/internal/titles"
)

const autoTitle = "自动识别"

func main() {
	// Reports go into a text widget.
	color.NoColor = true

	myApp := app.New()
	myWindow := myApp.NewWindow("WSFix - 宽屏修复工具")
	myWindow.Resize(fyne.NewSize(900, 700))

	table, err := titles.Default()
	if err != nil {
		dialog.ShowError(err, myWindow)
	}

	// File path
	filePathEntry := widget.NewEntry()
	filePathEntry.SetPlaceHolder("选择游戏可执行文件...")

	// Title
	options := []string{autoTitle}
	if table != nil {
		for _, t := range table.Titles {
			options = append(options, t.Name)
		}
	}
	titleSelect := widget.NewSelect(options, nil)
	titleSelect.SetSelected(autoTitle)

	// Resolution
	widthEntry := widget.NewEntry()
	heightEntry := widget.NewEntry()
	if w, h, err := config.Desktop(); err == nil {
		widthEntry.SetText(strconv.Itoa(w))
		heightEntry.SetText(strconv.Itoa(h))
	}
	fovEntry := widget.NewEntry()
	fovEntry.SetText("1.0")

	backupCheck := widget.NewCheck("修改前创建备份", nil)
	backupCheck.SetChecked(true)
	checksumCheck := widget.NewCheck("更新校验和", nil)
	checksumCheck.SetChecked(true)

	// Output
	output := widget.NewMultiLineEntry()
	output.SetPlaceHolder("结果将显示在这里...")
	output.Disable()

	statusLabel := widget.NewLabel("就绪")

	fileButton := widget.NewButton("选择文件", func() {
		dialog.ShowFileOpen(func(file fyne.URIReadCloser, err error) {
			if err != nil || file == nil {
				return
			}
			defer func() { _ = file.Close() }()
			filePathEntry.SetText(file.URI().Path())
			if table == nil {
				return
			}
			if t, ok := table.Match(file.URI().Name()); ok {
				titleSelect.SetSelected(t.Name)
			}
		}, myWindow)
	})

	run := func(dryRun bool) {
		if filePathEntry.Text == "" {
			dialog.ShowError(fmt.Errorf("请先选择游戏可执行文件"), myWindow)
			return
		}
		req, err := newRequest(table, filePathEntry.Text, titleSelect.Selected,
			widthEntry.Text, heightEntry.Text, fovEntry.Text)
		if err != nil {
			dialog.ShowError(err, myWindow)
			return
		}
		req.opts = fix.Options{DryRun: dryRun, Backup: backupCheck.Checked, UpdateChecksum: checksumCheck.Checked}

		statusLabel.SetText("正在处理...")
		go func() {
			text, err := req.run()
			fyne.Do(func() {
				output.SetText(text)
				if err != nil {
					dialog.ShowError(err, myWindow)
					statusLabel.SetText("失败, 文件未修改")
					return
				}
				if dryRun {
					statusLabel.SetText("预览完成")
				} else {
					statusLabel.SetText("修补完成")
					dialog.ShowInformation("成功", fmt.Sprintf("已修补 %s", req.path), myWindow)
				}
			})
		}()
	}

	previewButton := widget.NewButton("预览", func() { run(true) })
	patchButton := widget.NewButton("修补", func() {
		dialog.ShowConfirm("确认", "将修改所选文件, 是否继续?", func(ok bool) {
			if ok {
				run(false)
			}
		}, myWindow)
	})

	// Layout
	fileBox := container.NewBorder(nil, nil, nil, fileButton, filePathEntry)

	settingsBox := container.NewVBox(
		container.NewGridWithColumns(2, widget.NewLabel("游戏:"), titleSelect),
		container.NewGridWithColumns(4,
			widget.NewLabel("宽度:"), widthEntry,
			widget.NewLabel("高度:"), heightEntry,
		),
		container.NewGridWithColumns(2, widget.NewLabel("视野倍率:"), fovEntry),
		container.NewGridWithColumns(2, backupCheck, checksumCheck),
		container.NewGridWithColumns(2, previewButton, patchButton),
	)

	mainContent := container.NewBorder(
		container.NewVBox(
			widget.NewLabel("游戏可执行文件:"),
			fileBox,
			widget.NewSeparator(),
			settingsBox,
			widget.NewSeparator(),
		),
		container.NewVBox(
			widget.NewSeparator(),
			statusLabel,
		),
		nil,
		nil,
		container.NewVScroll(output),
	)

	myWindow.SetContent(mainContent)
	myWindow.ShowAndRun()
}

type request struct {
	path  string
	title *titles.Title
	cfg   *config.Config
	opts  fix.Options
}

func newRequest(table *titles.Table, path, titleName, width, height, factor string) (*request, error) {
	if table == nil {
		return nil, fmt.Errorf("游戏配置表不可用")
	}
	var (
		t  *titles.Title
		ok bool
	)
	if titleName == "" || titleName == autoTitle {
		t, ok = table.Match(path)
	} else {
		t, ok = table.Find(titleName)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", fix.ErrNotDetected, path)
	}

	w, err := strconv.Atoi(strings.TrimSpace(width))
	if err != nil {
		return nil, fmt.Errorf("宽度格式错误: %q", width)
	}
	h, err := strconv.Atoi(strings.TrimSpace(height))
	if err != nil {
		return nil, fmt.Errorf("高度格式错误: %q", height)
	}
	cfg := config.New(w, h)
	if f, err := strconv.ParseFloat(strings.TrimSpace(factor), 64); err == nil && f > 0 {
		cfg.FOVFactor = f
	}
	if _, err := cfg.Aspect(); err != nil {
		return nil, err
	}
	return &request{path: path, title: t, cfg: cfg}, nil
}

// run patches the file and returns the analysis, the log and the report as
// text.
func (r *request) run() (string, error) {
	var out strings.Builder
	reporter := cli.NewReporter(&out)

	img, err := pe.Load(r.path)
	if err != nil {
		return "", err
	}
	reporter.PrintImage(img.Info())

	out.WriteString("\n")
	r.opts.Logger = logging.New(nil, &out, slog.LevelInfo)
	report, err := fix.PatchFile(context.Background(), r.path, r.title, r.cfg, r.opts)
	if err != nil {
		return out.String(), err
	}
	reporter.PrintFileReport(report)
	return out.String(), nil
}
