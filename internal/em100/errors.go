// Package em100 implements the host-side controller for the EM100 family
// of SPI-flash emulator appliances: USB transport, chip-config parsing and
// emulator programming, internal SPI-flash maintenance, SDRAM streaming,
// firmware update/dump, and SPI bus trace decoding.
package em100

import (
	"errors"
	"fmt"
)

// Kind is the flat error taxonomy every operation in this package reports
// through. Callers should match on Kind via errors.As, not on error text.
type Kind int

const (
	_ Kind = iota
	KindTransport
	KindTimeout
	KindNotFound
	KindStatusUnknown
	KindInvalidArgument
	KindInvalidConfig
	KindInvalidFirmware
	KindUnsupportedHardware
	KindUnsupportedVoltage
	KindVerificationFailed
	KindShortTransfer
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not found"
	case KindStatusUnknown:
		return "status unknown"
	case KindInvalidArgument:
		return "invalid argument"
	case KindInvalidConfig:
		return "invalid config"
	case KindInvalidFirmware:
		return "invalid firmware"
	case KindUnsupportedHardware:
		return "unsupported hardware"
	case KindUnsupportedVoltage:
		return "unsupported voltage"
	case KindVerificationFailed:
		return "verification failed"
	case KindShortTransfer:
		return "short transfer"
	case KindInvalidResponse:
		return "invalid response"
	default:
		return "unknown"
	}
}

// Error is the structured error every exported operation returns. Op names
// the failing operation (e.g. "transport.SendCmd"), Msg carries a
// human-readable detail, and Err wraps the underlying cause when there is
// one (an endpoint error, a context deadline, ...).
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// Done/Total are populated only for KindShortTransfer.
	Done, Total int
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindShortTransfer:
		return fmt.Sprintf("%s: short transfer: got %d of %d bytes", e.Op, e.Done, e.Total)
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) (and friends below) work without
// exposing Kind comparisons to callers that only care about one kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind && sentinel.Op == ""
}

func newErr(op string, kind Kind, msg string, err error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: err}
}

func shortTransferErr(op string, done, total int) *Error {
	return &Error{Op: op, Kind: KindShortTransfer, Done: done, Total: total}
}

// Sentinels for errors.Is checks against a specific kind, e.g.:
//
//	if errors.Is(err, em100.ErrTimeout) { ... }
var (
	ErrTransport           = &Error{Kind: KindTransport}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrStatusUnknown       = &Error{Kind: KindStatusUnknown}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrInvalidConfig       = &Error{Kind: KindInvalidConfig}
	ErrInvalidFirmware     = &Error{Kind: KindInvalidFirmware}
	ErrUnsupportedHardware = &Error{Kind: KindUnsupportedHardware}
	ErrUnsupportedVoltage  = &Error{Kind: KindUnsupportedVoltage}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrShortTransfer       = &Error{Kind: KindShortTransfer}
	ErrInvalidResponse     = &Error{Kind: KindInvalidResponse}
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
