package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestFanout(t *testing.T) {
	var file, console bytes.Buffer
	log := New(&file, &console, slog.LevelInfo)

	log.Debug("hidden")
	log.Info("特征码已找到", "step", "fov", "offset", "0x1A2B")
	log.With("title", "Witcher3").Warn("匹配次数不符", "want", 3)

	assert.NotContains(t, file.String(), "hidden")
	assert.Contains(t, file.String(), `msg=特征码已找到 step=fov offset=0x1A2B`)
	assert.Contains(t, file.String(), "title=Witcher3")

	assert.Equal(t,
		"[INFO] 特征码已找到 step=fov offset=0x1A2B\n"+
			"[WARN] 匹配次数不符 title=Witcher3 want=3\n",
		console.String())
}

func TestConsoleGroups(t *testing.T) {
	var console bytes.Buffer
	log := slog.New(NewConsoleHandler(&console, slog.LevelDebug))

	log.WithGroup("hook").With("addr", "0x401000").Error("回调失败", "fired", 2)
	assert.Equal(t, "[ERROR] 回调失败 hook.addr=0x401000 hook.fired=2\n", console.String())
}

func TestOpenTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsfix.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	log, closer, err := Open(path, nil, slog.LevelInfo)
	require.NoError(t, err)
	log.Info("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "previous run")
	assert.Contains(t, string(data), "msg=started")
}

func TestNoSinks(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil, nil, slog.LevelInfo).Info("dropped")
	})
}
