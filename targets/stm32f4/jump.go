//go:build stm32f4

package main

import (
	"device/arm"
	"device/stm32"
	"runtime/volatile"
	"unsafe"
)

// JumpToApplication hands the core to the image whose vector table starts
// at addr. It does not return.
func JumpToApplication(addr uint32) {
	sp := (*volatile.Register32)(unsafe.Pointer(uintptr(addr))).Get()
	reset := (*volatile.Register32)(unsafe.Pointer(uintptr(addr + 4))).Get()

	arm.DisableInterrupts()

	// Leave no bootloader interrupt source armed
	arm.SYST.SYST_CSR.Set(0)
	for i := range arm.NVIC.ICER {
		arm.NVIC.ICER[i].Set(0xFFFFFFFF)
		arm.NVIC.ICPR[i].Set(0xFFFFFFFF)
	}
	stm32.RCC.CIR.Set(0)

	arm.SCB.VTOR.Set(addr)
	arm.AsmFull(`
		msr msp, {sp}
		dsb
		isb
		bx {reset}
	`, map[string]interface{}{
		"sp":    sp,
		"reset": reset,
	})
	for {
	}
}
