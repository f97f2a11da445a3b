package iso7816

import (
	"fmt"
)

// C-APDU = CLA INS P1 P2 [Lc Data] [Le], R-APDU = [Data] SW1 SW2
// (ISO 7816-3 §12.1, ISO 7816-4 §5.1).
//
// The four cases follow from which of Data and Le are present. Short fields
// take one byte (Le '00' = 256). A command is extended as soon as Nc or Ne
// does not fit: Lc becomes '00' plus two bytes, and Le becomes two bytes,
// preceded by '00' when there is no Lc ('0000' = 65536).

const (
	MaxShortLc    = 255
	MaxShortLe    = 256
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536

	// MaxAPDUBufferSize fits the largest extended command plus one byte.
	MaxAPDUBufferSize = 4 + 3 + MaxExtendedLc + 2 + 1
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Clone returns a deep copy, so that Le or data can be changed without
// touching the caller's command.
func (c *CommandAPDU) Clone() *CommandAPDU {
	clone := *c
	if c.Data != nil {
		clone.Data = append([]byte{}, c.Data...)
	}
	return &clone
}

// Bytes encodes the command, switching to extended fields only when Nc or
// Ne requires it.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc, ne := len(c.Data), c.Ne
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("data length %d exceeds %d", nc, MaxExtendedLc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("expected length %d out of range [0, %d]", ne, MaxExtendedLe)
	}

	cla, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}

	out := make([]byte, 0, 4+3+nc+3)
	out = append(out, cla, byte(c.Instruction.Raw), c.P1, c.P2)

	extended := nc > MaxShortLc || ne > MaxShortLe
	switch {
	case nc > 0 && extended:
		out = append(out, 0x00, byte(nc>>8), byte(nc))
	case nc > 0:
		out = append(out, byte(nc))
	}
	out = append(out, c.Data...)

	switch {
	case ne == 0:
	case !extended:
		out = append(out, byte(ne)) // 256 wraps to 00
	default:
		if nc == 0 {
			out = append(out, 0x00)
		}
		out = append(out, byte(ne>>8), byte(ne)) // 65536 wraps to 0000
	}
	return out, nil
}

// ParseCommandAPDU decodes a raw C-APDU in any of the short or extended cases.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("command too short: length %d", len(raw))
	}

	cla, err := NewClass(raw[0])
	if err != nil {
		return nil, err
	}
	ins, err := NewInstruction(InsCode(raw[1]))
	if err != nil {
		return nil, err
	}
	cmd := NewCommandAPDU(cla, ins, raw[2], raw[3], nil, 0)

	body := raw[4:]
	switch {
	case len(body) == 0:
		return cmd, nil

	case len(body) == 1:
		cmd.Ne = shortLe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		nc := int(body[0])
		switch len(body) {
		case 1 + nc:
		case 2 + nc:
			cmd.Ne = shortLe(body[len(body)-1])
		default:
			return nil, fmt.Errorf("short Lc %d inconsistent with body of %d bytes", nc, len(body))
		}
		cmd.Data = append([]byte{}, body[1:1+nc]...)
		return cmd, nil

	case len(body) == 3:
		cmd.Ne = extendedLe(body[1:3])
		return cmd, nil

	case len(body) > 3:
		nc := int(body[1])<<8 | int(body[2])
		switch len(body) {
		case 3 + nc:
		case 5 + nc:
			cmd.Ne = extendedLe(body[len(body)-2:])
		default:
			return nil, fmt.Errorf("extended Lc %d inconsistent with body of %d bytes", nc, len(body))
		}
		cmd.Data = append([]byte{}, body[3:3+nc]...)
		return cmd, nil
	}

	return nil, fmt.Errorf("malformed command body %X", body)
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(b []byte) int {
	if n := int(b[0])<<8 | int(b[1]); n != 0 {
		return n
	}
	return MaxExtendedLe
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits raw into data and trailer. Data aliases raw.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	n := len(raw) - 2
	if n < 0 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}
	return &ResponseAPDU{Data: raw[:n], Status: NewStatusWord(raw[n], raw[n+1])}, nil
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}

// Bytes encodes the response as sent by the card: data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}
