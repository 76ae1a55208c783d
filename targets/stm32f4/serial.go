//go:build stm32f4

package main

import (
	"machine"
	"time"
)

// InitSerial configures the host link.
func InitSerial() error {
	return machine.Serial.Configure(machine.UARTConfig{BaudRate: 115200})
}

// serialSender writes loop output to the host link.
type serialSender struct{}

func (serialSender) Write(p []byte) (int, error) {
	return machine.Serial.Write(p)
}

// serialReaderLoop moves received bytes into the control loop's FIFO.
func serialReaderLoop() {
	var buf [64]byte
	for {
		n := 0
		for n < len(buf) && machine.Serial.Buffered() > 0 {
			b, err := machine.Serial.ReadByte()
			if err != nil {
				break
			}
			buf[n] = b
			n++
		}
		if n > 0 {
			// A full FIFO drops the bytes; the host retransmits
			loop.OnBytesReceived(buf[:n])
			continue
		}
		time.Sleep(100 * time.Microsecond)
	}
}
