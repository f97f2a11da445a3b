package tlv

import (
	"fmt"

	"github.com/moov-io/bertlv"
)

// ToBERTLV converts records to the moov-io/bertlv tree model used by JSON
// exports. Constructed records are expanded, at most DefaultMaxDepth levels
// deep. Non-minimal lengths are not representable there and are normalised.
func ToBERTLV(records []Record) ([]bertlv.TLV, error) {
	return toBERTLV(records, 1)
}

func toBERTLV(records []Record, depth int) ([]bertlv.TLV, error) {
	if depth > DefaultMaxDepth {
		return nil, &MalformedError{Reason: fmt.Sprintf("nesting deeper than %d levels", DefaultMaxDepth), Err: ErrMaxDepth}
	}

	out := make([]bertlv.TLV, 0, len(records))
	for _, r := range records {
		t := bertlv.TLV{Tag: r.Tag.String()}

		if r.Constructed() {
			children, err := r.Children()
			if err != nil {
				return nil, fmt.Errorf("tag %s: %w", r.Tag, err)
			}
			if t.TLVs, err = toBERTLV(children, depth+1); err != nil {
				return nil, err
			}
		} else {
			t.Value = r.Value
		}
		out = append(out, t)
	}
	return out, nil
}

// FromBERTLV converts a moov-io/bertlv tree back to flat records, re-encoding
// nested TLVs into the value of their parent.
func FromBERTLV(tlvs []bertlv.TLV) ([]Record, error) {
	out := make([]Record, 0, len(tlvs))
	for _, t := range tlvs {
		tag, err := ParseTag(t.Tag)
		if err != nil {
			return nil, err
		}

		value := t.Value
		if len(t.TLVs) > 0 {
			children, err := FromBERTLV(t.TLVs)
			if err != nil {
				return nil, err
			}
			value = Encode(children...)
		}
		out = append(out, NewRecord(tag, value))
	}
	return out, nil
}
