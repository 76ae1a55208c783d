package config

import (
	"testing"

	"flashboot/boot"
	"flashboot/staging"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.WaitWindowMillis != boot.DefaultWaitWindowMillis {
		t.Errorf("WaitWindowMillis = %d", c.WaitWindowMillis)
	}
	if c.CopyBlockSize != staging.DefaultCopyBlockSize {
		t.Errorf("CopyBlockSize = %d", c.CopyBlockSize)
	}
	if c.RAMStart != 0x20000000 || c.RAMSize != 128*1024 {
		t.Errorf("RAM = 0x%08X+%d", c.RAMStart, c.RAMSize)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig([]byte(`{
		"wait_window_ms": 10000,
		"ram_start": 536870912,
		"ram_size": 196608,
		"display": {"enabled": true, "height": 32},
		"emulator": {"erase_ms_per_sector": 5}
	}`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if c.WaitWindowMillis != 10000 {
		t.Errorf("WaitWindowMillis = %d", c.WaitWindowMillis)
	}
	if c.RAMSize != 192*1024 {
		t.Errorf("RAMSize = %d", c.RAMSize)
	}
	if c.CopyBlockSize != staging.DefaultCopyBlockSize {
		t.Errorf("CopyBlockSize default not applied: %d", c.CopyBlockSize)
	}
	if !c.Display.Enabled || c.Display.Height != 32 || c.Display.Width != 128 || c.Display.Address != 0x3C {
		t.Errorf("Display = %+v", c.Display)
	}
	if c.Emulator.EraseMillisPerSector != 5 {
		t.Errorf("Emulator = %+v", c.Emulator)
	}
	if len(c.StagingOptions()) != 1 || len(c.BootOptions()) != 2 {
		t.Error("unexpected option count")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"syntax", `{"wait_window_ms": }`},
		{"block too small", `{"copy_block_size": 8}`},
		{"block too large", `{"copy_block_size": 131072}`},
		{"ram overflow", `{"ram_start": 4294967040, "ram_size": 512}`},
		{"display height", `{"display": {"height": 48}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig([]byte(tt.json)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
