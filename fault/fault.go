// Package fault defines the failure kinds shared by every bootloader layer.
//
// A Kind is itself an error, so callers match with errors.Is(err, fault.OutOfOrder).
// Kind values double as the status codes carried in response frames.
package fault

import (
	"errors"
	"strconv"
)

// Kind identifies a class of failure.
type Kind uint8

const (
	OK Kind = iota

	// Flash access layer
	OutOfBounds
	NotErased
	HardwareFault

	// Staging manager
	InvalidSize
	OutOfOrder
	IncompleteTransfer
	ChecksumMismatch

	// Dispatcher
	ProtocolError

	// Partition table misconfiguration
	UnknownPartition

	// Command not valid in the current session state
	InvalidState
)

var kindNames = [...]string{
	OK:                 "OK",
	OutOfBounds:        "OutOfBounds",
	NotErased:          "NotErased",
	HardwareFault:      "HardwareFault",
	InvalidSize:        "InvalidSize",
	OutOfOrder:         "OutOfOrder",
	IncompleteTransfer: "IncompleteTransfer",
	ChecksumMismatch:   "ChecksumMismatch",
	ProtocolError:      "ProtocolError",
	UnknownPartition:   "UnknownPartition",
	InvalidState:       "InvalidState",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) Error() string {
	return k.String()
}

// Error is a failure with operation context.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
}

// New returns an *Error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches the error against its Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf extracts the Kind from err. nil maps to OK and errors that carry no
// Kind are reported as HardwareFault.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return HardwareFault
}
