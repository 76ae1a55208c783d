// Package config holds the bootloader settings shared by the firmware
// target and the simulator.
package config

import (
	"encoding/json"
	"errors"
	"os"

	"flashboot/boot"
	"flashboot/staging"
)

// Config is the bootloader configuration. Zero values are replaced by
// defaults.
type Config struct {
	// WaitWindowMillis is the host inactivity window before booting.
	WaitWindowMillis uint32 `json:"wait_window_ms"`

	// CopyBlockSize is the RAM buffer used to copy staging to active.
	CopyBlockSize int `json:"copy_block_size"`

	// RAM bounds for application validation
	RAMStart uint32 `json:"ram_start"`
	RAMSize  uint32 `json:"ram_size"`

	Debug bool `json:"debug"`

	Display  DisplayConfig  `json:"display"`
	Emulator EmulatorConfig `json:"emulator"`
}

// DisplayConfig describes the optional SSD1306 status display.
type DisplayConfig struct {
	Enabled bool   `json:"enabled"`
	Address uint16 `json:"address"`
	Width   int16  `json:"width"`
	Height  int16  `json:"height"`
}

// EmulatorConfig slows the simulated flash down to hardware speeds.
type EmulatorConfig struct {
	EraseMillisPerSector uint32 `json:"erase_ms_per_sector"`
	ProgramMicrosPerWord uint32 `json:"program_us_per_word"`
}

// LoadConfig parses a JSON configuration and applies defaults
func LoadConfig(jsonData []byte) (*Config, error) {
	var config Config

	err := json.Unmarshal(jsonData, &config)
	if err != nil {
		return nil, err
	}

	// Apply defaults
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFile reads a JSON configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfig(data)
}

// applyDefaults fills in missing configuration values
func applyDefaults(config *Config) {
	if config.WaitWindowMillis == 0 {
		config.WaitWindowMillis = boot.DefaultWaitWindowMillis
	}
	if config.CopyBlockSize == 0 {
		config.CopyBlockSize = staging.DefaultCopyBlockSize
	}
	if config.RAMSize == 0 {
		config.RAMStart = boot.DefaultRAMStart
		config.RAMSize = boot.DefaultRAMSize
	}

	// 128x64 panel at the usual address
	if config.Display.Address == 0 {
		config.Display.Address = 0x3C
	}
	if config.Display.Width == 0 {
		config.Display.Width = 128
	}
	if config.Display.Height == 0 {
		config.Display.Height = 64
	}
}

// Validate rejects values the bootloader cannot run with.
func (c *Config) Validate() error {
	if c.CopyBlockSize < 16 || c.CopyBlockSize > 64*1024 {
		return errors.New("copy_block_size must be between 16 and 65536")
	}
	if c.RAMStart+c.RAMSize < c.RAMStart {
		return errors.New("ram_start + ram_size overflows")
	}
	if c.Display.Height != 32 && c.Display.Height != 64 {
		return errors.New("display height must be 32 or 64")
	}
	return nil
}

// Default returns the configuration for the STM32F4 target
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// StagingOptions returns the staging manager options for c.
func (c *Config) StagingOptions() []staging.Option {
	return []staging.Option{staging.WithCopyBlockSize(c.CopyBlockSize)}
}

// BootOptions returns the orchestrator options for c.
func (c *Config) BootOptions() []boot.Option {
	return []boot.Option{
		boot.WithWaitWindow(c.WaitWindowMillis),
		boot.WithRAM(c.RAMStart, c.RAMSize),
	}
}
