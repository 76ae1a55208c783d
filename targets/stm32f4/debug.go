//go:build stm32f4

package main

import (
	"machine"

	"flashboot/diag"
)

var debugUART *machine.UART

// InitDebugUART routes diagnostic output to UART2 at 115200 baud. On
// error diagnostics keep their previous writer.
func InitDebugUART() error {
	debugUART = machine.UART2
	if err := debugUART.Configure(machine.UARTConfig{BaudRate: 115200}); err != nil {
		return err
	}

	diag.SetWriter(func(s string) {
		debugUART.Write([]byte(s))
		debugUART.Write([]byte("\r\n"))
	})
	diag.SetEnabled(true)
	diag.InitAsync()
	diag.Println("=== flashboot debug UART ===")
	return nil
}
