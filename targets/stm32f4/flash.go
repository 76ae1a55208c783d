//go:build stm32f4

package main

import (
	"device/stm32"
	"runtime/volatile"
	"unsafe"

	"flashboot/diag"
	"flashboot/fault"
)

// FLASH_KEYR unlock sequence
const (
	flashKey1 = 0x45670123
	flashKey2 = 0xCDEF89AB
)

// FLASH_CR bits
const (
	crPG       = 1 << 0
	crSER      = 1 << 1
	crSNBShift = 3
	crSNBMask  = 0xF << crSNBShift
	crPSize8   = 0 << 8
	crPSize32  = 2 << 8
	crPSizeMsk = 3 << 8
	crSTRT     = 1 << 16
	crLOCK     = 1 << 31
)

// FLASH_SR bits
const (
	srEOP    = 1 << 0
	srOPERR  = 1 << 1
	srWRPERR = 1 << 4
	srPGAERR = 1 << 5
	srPGPERR = 1 << 6
	srPGSERR = 1 << 7
	srBSY    = 1 << 16

	srErrors = srOPERR | srWRPERR | srPGAERR | srPGPERR | srPGSERR
)

// FlashController drives the STM32F4 flash interface registers. Code runs
// from flash, so every operation stalls the core until it completes.
type FlashController struct{}

// NewFlashController returns the controller, locked.
func NewFlashController() *FlashController {
	return &FlashController{}
}

func (c *FlashController) unlock() {
	if stm32.FLASH.CR.Get()&crLOCK != 0 {
		stm32.FLASH.KEYR.Set(flashKey1)
		stm32.FLASH.KEYR.Set(flashKey2)
	}
}

func (c *FlashController) lock() {
	stm32.FLASH.CR.SetBits(crLOCK)
}

// wait blocks until the controller is idle and reports any error flags,
// clearing them for the next operation.
func (c *FlashController) wait(op string) error {
	for stm32.FLASH.SR.Get()&srBSY != 0 {
	}
	sr := stm32.FLASH.SR.Get()
	stm32.FLASH.SR.Set(sr & (srErrors | srEOP))
	if sr&srErrors != 0 {
		return fault.New(fault.HardwareFault, op, "status "+diag.Hex32(sr))
	}
	return nil
}

func (c *FlashController) EraseSector(index int) error {
	if index < 0 || index > 11 {
		return fault.New(fault.OutOfBounds, "erase", "sector "+diag.Itoa(index))
	}
	if err := c.wait("erase"); err != nil {
		return err
	}
	c.unlock()
	defer c.lock()

	cr := stm32.FLASH.CR.Get() &^ (crSNBMask | crPSizeMsk | crPG)
	stm32.FLASH.CR.Set(cr | crSER | crPSize32 | uint32(index)<<crSNBShift)
	stm32.FLASH.CR.SetBits(crSTRT)
	err := c.wait("erase")
	stm32.FLASH.CR.ClearBits(crSER | crSNBMask)
	return err
}

func (c *FlashController) Program(addr uint32, data []byte) error {
	if err := c.wait("program"); err != nil {
		return err
	}
	c.unlock()
	defer c.lock()
	defer stm32.FLASH.CR.ClearBits(crPG)

	for i := 0; i < len(data); {
		a := addr + uint32(i)
		if a&3 == 0 && len(data)-i >= 4 {
			word := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			c.setProgramSize(crPSize32)
			(*volatile.Register32)(unsafe.Pointer(uintptr(a))).Set(word)
			i += 4
		} else {
			c.setProgramSize(crPSize8)
			(*volatile.Register8)(unsafe.Pointer(uintptr(a))).Set(data[i])
			i++
		}
		if err := c.wait("program"); err != nil {
			return err
		}
	}
	return nil
}

func (c *FlashController) setProgramSize(psize uint32) {
	cr := stm32.FLASH.CR.Get() &^ crPSizeMsk
	stm32.FLASH.CR.Set(cr | psize | crPG)
}

// Read copies from the memory-mapped bank.
func (c *FlashController) Read(addr uint32, buf []byte) error {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
	return nil
}
