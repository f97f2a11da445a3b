package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// SelectResult is a client Result known to come from SELECT. It reads the
// FCI from the reassembled answer and renders a report of the selection.
type SelectResult struct {
	*Result
}

// NewSelectResult checks that r holds at least one exchange and that the
// logical command was a SELECT (INS 0xA4).
func NewSelectResult(r *Result) (*SelectResult, error) {
	if r == nil || len(r.Trace) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}
	if r.Command == nil || r.Command.Instruction.Raw != INS_SELECT {
		return nil, fmt.Errorf("result must come from a SELECT command")
	}
	return &SelectResult{Result: r}, nil
}

// IsSuccess reports whether the logical SELECT ended with 9000.
func (r *SelectResult) IsSuccess() bool {
	return r.Response != nil && r.Response.Status == SW_NO_ERROR
}

// FCI parses the reassembled answer according to the P2 of the SELECT.
func (r *SelectResult) FCI() (*FileControlInfo, error) {
	if !r.IsSuccess() {
		return nil, fmt.Errorf("selection failed, cannot parse FCI")
	}
	if len(r.Data()) == 0 {
		return nil, fmt.Errorf("no response data found")
	}
	return ParseSelectData(r.Data(), r.Command.P2)
}

// Describe renders the request, the continuation exchanges if any, and the
// fields of the parsed FCI.
func (r *SelectResult) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== SELECT COMMAND REPORT ===\n")
	r.writeRequest(&sb)
	if len(r.Trace) > 1 {
		r.writeContinuation(&sb)
	}
	sb.WriteString("[=] FINAL OUTCOME:\n")
	r.writeOutcome(&sb)
	return sb.String()
}

func (r *SelectResult) writeRequest(sb *strings.Builder) {
	cmd := r.Command
	first := r.Trace[0].Response
	ctrl, occ := SplitSelectP2(cmd.P2)

	sb.WriteString("[1] Command: SELECT FILE (Initial Request)\n")
	fmt.Fprintf(sb, "    + Method:  %02X -> %s\n", cmd.P1, SelectionMethod(cmd.P1))
	fmt.Fprintf(sb, "    + Control: %02X -> %s | %s\n", cmd.P2, occ, ctrl)
	if len(cmd.Data) > 0 {
		fmt.Fprintf(sb, "    + Data:    %X (%q)\n", cmd.Data, tlv.MakeSafeASCII(cmd.Data))
	}
	sb.WriteString(statusLine(first.Status))
	if len(first.Data) > 0 {
		fmt.Fprintf(sb, "    + Payload: %d bytes received directly\n", len(first.Data))
	}
	sb.WriteString("\n")
}

var continuationNames = map[InsCode]string{
	INS_GET_RESPONSE: "GET RESPONSE",
	INS_SELECT:       "RE-SELECT (Correction)",
}

func (r *SelectResult) writeContinuation(sb *strings.Builder) {
	last := r.Trace.Last()
	op, ok := continuationNames[last.Command.Instruction.Raw]
	if !ok {
		op = "Unknown"
	}

	fmt.Fprintf(sb, "[2] Protocol: Auto-handling (Sequence of %d steps)\n", len(r.Trace))
	fmt.Fprintf(sb, "    + Action:  Sending %s\n", op)
	fmt.Fprintf(sb, "    + Result:  [%04X] [OK] Final Status\n", uint16(last.Response.Status))
	if data := r.Data(); len(data) > 0 {
		fmt.Fprintf(sb, "    + Payload: %d bytes received\n", len(data))
		fmt.Fprintf(sb, "      Dump:    %X\n", data)
	}
	sb.WriteString("\n")
}

func (r *SelectResult) writeOutcome(sb *strings.Builder) {
	fci, err := r.FCI()
	if err != nil {
		if len(r.Data()) > 0 {
			fmt.Fprintf(sb, "    - FCI Parsing Failed: %v\n", err)
		} else {
			sb.WriteString("    - No Data returned to parse.\n")
		}
		return
	}
	if fci == nil {
		sb.WriteString("    - Structure: None\n")
		return
	}

	var parts []string
	if fci.FCP != nil {
		parts = append(parts, "FCP")
	}
	if fci.FMD != nil {
		parts = append(parts, "FMD")
	}
	if len(fci.Proprietary) > 0 {
		parts = append(parts, "ProprietaryRaw")
	}
	structure := "None"
	if len(parts) > 0 {
		structure = strings.Join(parts, " + ")
	}
	fmt.Fprintf(sb, "    - Structure: %s\n", structure)

	var fields strings.Builder
	tlv.WriteStructFields(&fields, "FCP", fci.FCP)
	tlv.WriteStructFields(&fields, "FMD", fci.FMD)
	if sd, err := fci.SecurityDomain(); err == nil && sd != nil {
		tlv.WriteStructFields(&fields, "SD", sd)
	}
	if len(fci.Unknown) > 0 {
		tlv.WriteRecords(&fields, fci.Unknown)
	}
	if fields.Len() > 0 {
		sb.WriteString(fields.String())
		sb.WriteString("\n")
	}
	if len(fci.Proprietary) > 0 {
		fmt.Fprintf(sb, "    - Proprietary:   %X\n", fci.Proprietary)
	}
}
