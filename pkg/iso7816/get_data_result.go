package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// GetDataResult is a Result known to come from GET DATA, with TLV decoding
// of the returned object.
type GetDataResult struct {
	*Result
}

func NewGetDataResult(r *Result) (*GetDataResult, error) {
	switch {
	case r == nil || len(r.Trace) == 0:
		return nil, fmt.Errorf("cannot create result from empty trace")
	case r.Command == nil:
		return nil, fmt.Errorf("result has no command")
	}
	if ins := r.Command.Instruction.Raw; ins != INS_GET_DATA && ins != INS_GET_DATA_BER {
		return nil, fmt.Errorf("result must come from a GET DATA command (got %02X)", byte(ins))
	}
	return &GetDataResult{Result: r}, nil
}

// Records decodes the top level of the returned data object.
func (r *GetDataResult) Records() ([]tlv.Record, error) {
	return tlv.Decode(tlv.TrimPadding(r.Data()))
}

func getDataTarget(p1, p2 byte) string {
	if p1 == 0x3F && p2 == 0xFF {
		return "Current DF"
	}
	return fmt.Sprintf("File %02X%02X", p1, p2)
}

// Describe renders the request, the continuation steps and the decoded
// object tree. Undecodable data is dumped with a printable rendering.
func (r *GetDataResult) Describe() string {
	var sb strings.Builder
	cmd := r.Command

	sb.WriteString("=== GET DATA COMMAND REPORT ===\n")
	if cmd.Instruction.Raw == INS_GET_DATA_BER {
		sb.WriteString("[1] Command: GET DATA (BER-TLV)\n")
		fmt.Fprintf(&sb, "    + Target:  %02X%02X -> %s\n", cmd.P1, cmd.P2, getDataTarget(cmd.P1, cmd.P2))
	} else {
		sb.WriteString("[1] Command: GET DATA\n")
	}
	if tag := RequestedTag(cmd); tag != nil {
		fmt.Fprintf(&sb, "    + Object:  %s\n", tag)
	}
	sb.WriteString(statusLine(r.Trace[0].Response.Status))

	if n := len(r.Trace); n > 1 {
		fmt.Fprintf(&sb, "\n[2] Protocol: Auto-handling (%d steps)\n", n)
		fmt.Fprintf(&sb, "    + Final SW: [%04X]\n", uint16(r.Trace.Last().Response.Status))
	}

	sb.WriteString("\n[=] DATA OUTCOME:\n")
	payload := r.Data()
	records, err := r.Records()
	if len(payload) == 0 || err != nil {
		writePayload(&sb, payload)
		if err != nil {
			fmt.Fprintf(&sb, "    - TLV Parsing Failed: %v\n", err)
		}
		return strings.TrimRight(sb.String(), "\n")
	}

	fmt.Fprintf(&sb, "    + Length: %d bytes\n", len(payload))
	fmt.Fprintf(&sb, "    + Dump:   %X\n", payload)
	var tree strings.Builder
	tlv.WriteRecords(&tree, records)
	sb.WriteString("    + Objects:\n")
	for _, line := range strings.Split(tree.String(), "\n") {
		fmt.Fprintf(&sb, "      %s\n", line)
	}
	return strings.TrimRight(sb.String(), "\n")
}
