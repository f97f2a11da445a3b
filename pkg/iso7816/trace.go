package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// A Trace is every physical exchange behind one logical command, in order.
// Besides the command itself it holds one exchange per chained segment, the
// '6CXX' retry and one GET RESPONSE per '61XX'. Commands are recorded as
// transmitted, after secure channel wrapping.

// Transaction is one command sent and the answer it got. Response is nil
// when the reader failed before the card answered.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess reports a 9000 or '61XX' answer.
func (t *Transaction) IsSuccess() bool {
	return t.Response != nil && t.Response.Status.IsSuccess()
}

type Trace []Transaction

// Last is the final exchange, or nil for an empty trace.
func (t Trace) Last() *Transaction {
	if n := len(t); n > 0 {
		return &t[n-1]
	}
	return nil
}

// IsSuccess judges the trace by its last exchange only; a '61XX' earlier on
// is part of normal continuation.
func (t Trace) IsSuccess() bool {
	if last := t.Last(); last != nil {
		return last.IsSuccess()
	}
	return false
}

// statusLine renders the first answer of a report: '61XX' is fine, '6CXX'
// and anything but 9000 are flagged.
func statusLine(sw StatusWord) string {
	sw1, sw2 := sw.SW1(), sw.SW2()
	mark, desc := "[OK]", "SW_NO_ERROR"
	switch {
	case sw1 == 0x61:
		desc = fmt.Sprintf("%02X (%d) bytes still available", sw2, sw2)
	case sw1 == 0x6C:
		mark, desc = "[!!]", fmt.Sprintf("Wrong length, correct is %02X (%d)", sw2, sw2)
	case sw != SW_NO_ERROR:
		mark, desc = "[!!]", sw.Verbose()
	}
	return fmt.Sprintf("    + Result:  [%02X %02X] %s %s\n", sw1, sw2, mark, desc)
}

// Describe renders the command as requested, every physical step and the
// logical outcome.
func (r *Result) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== APDU EXCHANGE REPORT ===\n")

	if cmd := r.Command; cmd != nil {
		fmt.Fprintf(&sb, "[1] Command: %s\n", cmd.Instruction.Raw)
		fmt.Fprintf(&sb, "    + Header:  %02X %02X %02X %02X\n", cmd.Class.Raw, byte(cmd.Instruction.Raw), cmd.P1, cmd.P2)
		if n := len(cmd.Data); n > 0 {
			fmt.Fprintf(&sb, "    + Data:    %d bytes\n", n)
		}
		if cmd.Ne > 0 {
			fmt.Fprintf(&sb, "    + Le:      %d\n", cmd.Ne)
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "[2] Protocol: %d physical exchange(s)\n", len(r.Trace))
	for i, tx := range r.Trace {
		raw, _ := tx.Command.Bytes()
		fmt.Fprintf(&sb, "    %2d > %X\n", i+1, raw)
		if rsp := tx.Response; rsp != nil {
			fmt.Fprintf(&sb, "       < %X [%04X]\n", rsp.Data, uint16(rsp.Status))
		}
	}

	fmt.Fprintf(&sb, "\n[=] OUTCOME: %s\n", r.Outcome)
	writePayload(&sb, r.Data())
	return strings.TrimRight(sb.String(), "\n")
}

// writePayload is the common tail of the reports: size, hex dump and a
// printable rendering of data.
func writePayload(sb *strings.Builder, data []byte) {
	if len(data) == 0 {
		sb.WriteString("    - No Data Received.\n")
		return
	}
	fmt.Fprintf(sb, "    + Length: %d bytes\n", len(data))
	fmt.Fprintf(sb, "    + Dump:   %X\n", data)
	fmt.Fprintf(sb, "    + ASCII:  %q\n", tlv.MakeSafeASCII(data))
}
