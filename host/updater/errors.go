package updater

import (
	"fmt"

	"flashboot/fault"
)

// DeviceError is a failure reported by the bootloader in a result frame.
// It matches its Kind with errors.Is, e.g. errors.Is(err, fault.OutOfOrder).
type DeviceError struct {
	Command string
	Kind    fault.Kind
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: device reported %s", e.Command, e.Kind)
	}
	return fmt.Sprintf("%s: device reported %s (%s)", e.Command, e.Kind, e.Message)
}

// Is matches the error against a fault.Kind.
func (e *DeviceError) Is(target error) bool {
	k, ok := target.(fault.Kind)
	return ok && k == e.Kind
}

// UnexpectedResponseError is returned when a result does not answer the
// command that was sent or its body cannot be decoded.
type UnexpectedResponseError struct {
	Command string
	Detail  string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected response: %s", e.Command, e.Detail)
}

// VerificationError is returned when a read-back differs from the image.
type VerificationError struct {
	Offset   uint32
	Expected byte
	Actual   byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at offset 0x%X: expected 0x%02X, got 0x%02X",
		e.Offset, e.Expected, e.Actual)
}
