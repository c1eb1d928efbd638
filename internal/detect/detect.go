// Package detect figures out which supported game is running.
package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ZacharyZcR/WSFix/internal/titles"
)

var ErrNotDetected = errors.New("未检测到支持的游戏")

// Current returns the title for the executable of this process, which is
// the game when running injected.
func Current(table *titles.Table) (*titles.Title, string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, "", fmt.Errorf("获取可执行文件路径失败: %w", err)
	}
	return Match(table, exe)
}

// Match returns the title for an executable path.
func Match(table *titles.Table, exe string) (*titles.Title, string, error) {
	t, ok := table.Match(exe)
	if !ok {
		return nil, exe, fmt.Errorf("%w: %s", ErrNotDetected, exe)
	}
	return t, exe, nil
}

// Game is a running process of a supported title.
type Game struct {
	PID   int32
	Name  string
	Exe   string
	Title *titles.Title
}

type proc interface {
	NameWithContext(ctx context.Context) (string, error)
	ExeWithContext(ctx context.Context) (string, error)
}

// Running lists running processes of supported titles, ordered by PID.
func Running(ctx context.Context, table *titles.Table) ([]Game, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("枚举进程失败: %w", err)
	}
	list := make(map[int32]proc, len(procs))
	for _, p := range procs {
		list[p.Pid] = p
	}
	return match(ctx, table, list), nil
}

func match(ctx context.Context, table *titles.Table, procs map[int32]proc) []Game {
	var games []Game
	for pid, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited, or not ours to inspect.
			continue
		}
		t, ok := table.Match(name)
		if !ok {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		games = append(games, Game{PID: pid, Name: name, Exe: exe, Title: t})
	}
	sort.Slice(games, func(i, j int) bool { return games[i].PID < games[j].PID })
	return games
}
