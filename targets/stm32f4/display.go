//go:build stm32f4

package main

import (
	"machine"

	"tinygo.org/x/drivers/ssd1306"

	"flashboot/config"
	"flashboot/diag"
	"flashboot/status"
)

// InitDisplay brings up the SSD1306 on I2C1. It returns nil when the bus
// cannot be configured; the bootloader runs without a display then.
func InitDisplay(cfg config.DisplayConfig, logger diag.Logger) *status.Display {
	err := machine.I2C1.Configure(machine.I2CConfig{Frequency: 400 * machine.KHz})
	if err != nil {
		logger.Error("display bus not configured", "err", err)
		return nil
	}

	panel := ssd1306.NewI2C(machine.I2C1)
	panel.Configure(ssd1306.Config{
		Address: cfg.Address,
		Width:   cfg.Width,
		Height:  cfg.Height,
	})
	panel.ClearDisplay()

	return status.New(panel, logger)
}
