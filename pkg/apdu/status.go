package apdu

import (
	"errors"
	"fmt"
)

// Status is the two-byte status word (SW1 SW2) trailing every response.
type Status uint16

// Status words understood by the applet and the controller.
const (
	StatusSuccess            Status = 0x9000
	StatusPINRequired        Status = 0x6301
	StatusTriesRemainingBase Status = 0x63C0
	StatusBlocked            Status = 0x6983
	StatusConditionsNotMet   Status = 0x6985
	StatusWrongLength        Status = 0x6700
	StatusWrongData          Status = 0x6A80
	StatusNotFound           Status = 0x6A82
	StatusWrongParameters    Status = 0x6B00
	StatusInsNotSupported    Status = 0x6D00
	StatusClassNotSupported  Status = 0x6E00
)

const (
	triesRemainingMask   Status = 0xFFF0
	triesRemainingNibble        = 0x0F
)

var (
	// ErrPINRequired indicates a protected instruction ran before PIN verification.
	ErrPINRequired = errors.New("apdu: pin verification required")
	// ErrWrongPIN indicates a PIN mismatch with attempts left before lockout.
	ErrWrongPIN = errors.New("apdu: wrong pin")
	// ErrBlocked indicates the PIN try counter is exhausted.
	ErrBlocked = errors.New("apdu: pin blocked")
	// ErrProtocol indicates a malformed or unsupported command.
	ErrProtocol = errors.New("apdu: protocol error")
	// ErrUnexpectedStatus indicates a status word the caller does not interpret.
	ErrUnexpectedStatus = errors.New("apdu: unexpected status")
)

// TriesRemaining builds the 63Cn status for n attempts left. n is clamped to a nibble.
func TriesRemaining(n int) Status {
	if n < 0 {
		n = 0
	}
	if n > triesRemainingNibble {
		n = triesRemainingNibble
	}
	return StatusTriesRemainingBase | Status(n)
}

// IsSuccess reports whether the command completed.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// IsBlocked reports whether the device refuses PIN checks until reset.
func (s Status) IsBlocked() bool { return s == StatusBlocked }

// TriesRemaining returns the counter carried in a 63Cn status.
func (s Status) TriesRemaining() (int, bool) {
	if s&triesRemainingMask != StatusTriesRemainingBase {
		return 0, false
	}
	return int(s & triesRemainingNibble), true
}

// IsProtocolError reports whether the device rejected the frame itself.
func (s Status) IsProtocolError() bool {
	switch s {
	case StatusWrongLength, StatusWrongData, StatusNotFound, StatusWrongParameters,
		StatusInsNotSupported, StatusClassNotSupported, StatusConditionsNotMet:
		return true
	}
	return false
}

// SW1 returns the high byte.
func (s Status) SW1() byte { return byte(s >> 8) }

// SW2 returns the low byte.
func (s Status) SW2() byte { return byte(s) }

// Err maps the status to a sentinel error, or nil on success.
func (s Status) Err() error {
	switch {
	case s.IsSuccess():
		return nil
	case s == StatusPINRequired:
		return ErrPINRequired
	case s.IsBlocked():
		return ErrBlocked
	case s.IsProtocolError():
		return fmt.Errorf("%w: %s", ErrProtocol, s)
	}
	if n, ok := s.TriesRemaining(); ok {
		return fmt.Errorf("%w: %d tries remaining", ErrWrongPIN, n)
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedStatus, s)
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPINRequired:
		return "pin-verification-required"
	case StatusBlocked:
		return "blocked"
	case StatusConditionsNotMet:
		return "conditions-not-satisfied"
	case StatusWrongLength:
		return "wrong-length"
	case StatusWrongData:
		return "wrong-data"
	case StatusNotFound:
		return "not-found"
	case StatusWrongParameters:
		return "wrong-parameters"
	case StatusInsNotSupported:
		return "unsupported-instruction"
	case StatusClassNotSupported:
		return "unsupported-class"
	}
	if n, ok := s.TriesRemaining(); ok {
		return fmt.Sprintf("tries-remaining(%d)", n)
	}
	return fmt.Sprintf("SW=%04X", uint16(s))
}
