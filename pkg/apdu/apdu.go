package apdu

import (
	"errors"
	"fmt"
)

// Instruction identifies the operation requested by a command frame.
type Instruction byte

// Instructions implemented by the credential applet.
const (
	InsSelect         Instruction = 0xA4
	InsSetCredential  Instruction = 0x10
	InsVerifyPIN      Instruction = 0x20
	InsStoreSecret    Instruction = 0x30
	InsRetrieveSecret Instruction = 0x40
	InsResetTries     Instruction = 0x50
	InsGetUserID      Instruction = 0x60
)

func (i Instruction) String() string {
	switch i {
	case InsSelect:
		return "SELECT"
	case InsSetCredential:
		return "SET_CREDENTIAL"
	case InsVerifyPIN:
		return "VERIFY_PIN"
	case InsStoreSecret:
		return "STORE_SECRET"
	case InsRetrieveSecret:
		return "RETRIEVE_SECRET"
	case InsResetTries:
		return "RESET_TRIES"
	case InsGetUserID:
		return "GET_USER_ID"
	}
	return fmt.Sprintf("INS(%02X)", byte(i))
}

const (
	// ClassISO is the only class byte the applet accepts.
	ClassISO byte = 0x00
	// SelectByName is the P1 value for SELECT by application identifier.
	SelectByName byte = 0x04
	// MaxData is the largest payload a short command frame can carry.
	MaxData = 255
	// MaxLe is the largest response length a short command frame can request.
	MaxLe = 256

	headerLen = 4
)

var (
	// ErrMalformed indicates a frame whose length bytes disagree with its size.
	ErrMalformed = errors.New("apdu: malformed frame")
	// ErrPayloadTooLarge indicates a payload that does not fit a short frame.
	ErrPayloadTooLarge = errors.New("apdu: payload too large")
)

// Command is a short-form command frame: CLA INS P1 P2 [Lc data] [Le].
type Command struct {
	Class       byte
	Instruction Instruction
	P1          byte
	P2          byte
	Data        []byte
	// Le is the expected response length; zero means no Le byte is sent.
	Le int
}

// NewCommand builds an application command with reserved zero parameters.
func NewCommand(ins Instruction, data []byte) Command {
	return Command{Class: ClassISO, Instruction: ins, Data: data}
}

// Select builds a SELECT-by-name command for the given application identifier.
func Select(aid []byte) Command {
	return Command{Class: ClassISO, Instruction: InsSelect, P1: SelectByName, Data: aid}
}

// Encode serializes the command.
func (c Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxData {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(c.Data))
	}
	if c.Le < 0 || c.Le > MaxLe {
		return nil, fmt.Errorf("%w: le %d out of range", ErrMalformed, c.Le)
	}
	out := make([]byte, 0, headerLen+2+len(c.Data))
	out = append(out, c.Class, byte(c.Instruction), c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Le > 0 {
		// 256 is encoded as 0x00
		out = append(out, byte(c.Le))
	}
	return out, nil
}

// ParseCommand decodes a short-form command frame. Extended length is not supported.
func ParseCommand(frame []byte) (Command, error) {
	if len(frame) < headerLen {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(frame))
	}
	cmd := Command{
		Class:       frame[0],
		Instruction: Instruction(frame[1]),
		P1:          frame[2],
		P2:          frame[3],
	}
	body := frame[headerLen:]
	switch {
	case len(body) == 0:
		return cmd, nil
	case len(body) == 1:
		cmd.Le = decodeLe(body[0])
		return cmd, nil
	}

	lc := int(body[0])
	if lc == 0 {
		return Command{}, fmt.Errorf("%w: extended length not supported", ErrMalformed)
	}
	switch len(body) {
	case 1 + lc:
	case 2 + lc:
		cmd.Le = decodeLe(body[1+lc])
	default:
		return Command{}, fmt.Errorf("%w: lc %d with %d body bytes", ErrMalformed, lc, len(body))
	}
	cmd.Data = append([]byte(nil), body[1:1+lc]...)
	return cmd, nil
}

func decodeLe(b byte) int {
	if b == 0 {
		return MaxLe
	}
	return int(b)
}

// Response is a response frame: optional data followed by the status word.
type Response struct {
	Data   []byte
	Status Status
}

// NewResponse pairs data with a status.
func NewResponse(status Status, data []byte) Response {
	return Response{Data: data, Status: status}
}

// Encode serializes the response as data || SW1 SW2.
func (r Response) Encode() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// ParseResponse decodes a response frame.
func ParseResponse(frame []byte) (Response, error) {
	if len(frame) < 2 {
		return Response{}, fmt.Errorf("%w: response of %d bytes", ErrMalformed, len(frame))
	}
	n := len(frame) - 2
	resp := Response{Status: Status(uint16(frame[n])<<8 | uint16(frame[n+1]))}
	if n > 0 {
		resp.Data = append([]byte(nil), frame[:n]...)
	}
	return resp, nil
}
