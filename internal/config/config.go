// Package config reads the per-fix INI file.
//
//	[Settings]
//	Width = 2560
//	Height = 1080
//	FOVFactor = 1.0
//	WaitTimeout = 30000   ; milliseconds
//
//	[Witcher3]
//	Enabled = true
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/ZacharyZcR/WSFix/internal/fov"
)

const (
	SettingsSection    = "Settings"
	DefaultWaitTimeout = 30 * time.Second
)

var (
	ErrConfig  = errors.New("配置文件无效")
	ErrDesktop = errors.New("无法获取桌面分辨率")
)

// Config is the user's choice of resolution and per-title switches.
type Config struct {
	Width       int
	Height      int
	FOVFactor   float64
	WaitTimeout time.Duration

	file *ini.File
}

// Load reads an INI file. A missing or unreadable file is an error: a fix
// without configuration does nothing.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}
	return fromFile(f)
}

// Parse reads INI text.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return fromFile(f)
}

// New returns a configuration for the given resolution with every title
// enabled.
func New(width, height int) *Config {
	return &Config{
		Width:       width,
		Height:      height,
		FOVFactor:   1,
		WaitTimeout: DefaultWaitTimeout,
		file:        ini.Empty(),
	}
}

func fromFile(f *ini.File) (*Config, error) {
	s := f.Section(SettingsSection)
	c := &Config{
		Width:       s.Key("Width").MustInt(0),
		Height:      s.Key("Height").MustInt(0),
		FOVFactor:   s.Key("FOVFactor").MustFloat64(1),
		WaitTimeout: time.Duration(s.Key("WaitTimeout").MustInt64(DefaultWaitTimeout.Milliseconds())) * time.Millisecond,
		file:        f,
	}
	if c.FOVFactor <= 0 {
		c.FOVFactor = 1
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c, nil
}

// Enabled reports the Enabled switch of a title section. Titles without a
// section or key are enabled.
func (c *Config) Enabled(section string) bool {
	if c.file == nil {
		return true
	}
	sec, err := c.file.GetSection(section)
	if err != nil {
		return true
	}
	return sec.Key("Enabled").MustBool(true)
}

// SetEnabled changes the switch of a title section.
func (c *Config) SetEnabled(section string, on bool) {
	if c.file == nil {
		c.file = ini.Empty()
	}
	c.file.Section(section).Key("Enabled").SetValue(fmt.Sprint(on))
}

// Resolve fills a missing or non-positive resolution from desktop.
func (c *Config) Resolve(desktop func() (int, int, error)) error {
	if c.Width > 0 && c.Height > 0 {
		return nil
	}
	w, h, err := desktop()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDesktop, err)
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrDesktop, w, h)
	}
	c.Width, c.Height = w, h
	return nil
}

// Aspect returns the configured aspect ratio.
func (c *Config) Aspect() (float64, error) {
	return fov.Aspect(c.Width, c.Height)
}

// Save writes the configuration, including every title section, to path.
func (c *Config) Save(path string) error {
	f := c.file
	if f == nil {
		f = ini.Empty()
	}
	s := f.Section(SettingsSection)
	s.Key("Width").SetValue(fmt.Sprint(c.Width))
	s.Key("Height").SetValue(fmt.Sprint(c.Height))
	s.Key("FOVFactor").SetValue(fmt.Sprint(c.FOVFactor))
	s.Key("WaitTimeout").SetValue(fmt.Sprint(c.WaitTimeout.Milliseconds()))
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return nil
}
