//go:build stm32f4

package main

import (
	"device/stm32"

	"flashboot/boot"
)

// BackupMarker keeps the boot intent in RTC backup register 0. It survives
// a system reset, and a power loss while VBAT is supplied.
type BackupMarker struct{}

// NewBackupMarker enables write access to the backup domain.
func NewBackupMarker() *BackupMarker {
	stm32.RCC.APB1ENR.SetBits(stm32.RCC_APB1ENR_PWREN)
	stm32.PWR.CR.SetBits(stm32.PWR_CR_DBP)
	return &BackupMarker{}
}

func (*BackupMarker) Load() (boot.Intent, error) {
	return boot.Intent(stm32.RTC.BKP0R.Get()), nil
}

func (*BackupMarker) Store(i boot.Intent) error {
	stm32.RTC.BKP0R.Set(uint32(i))
	return nil
}
