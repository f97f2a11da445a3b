package tlv

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reversed records its value backwards to show the Unmarshaler hook ran.
type reversed []byte

func (r *reversed) UnmarshalTLV(data []byte) error {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	*r = out
	return nil
}

type validity struct {
	Expiry []byte `tlv:"35"`
}

type chuidLike struct {
	FASCN    []byte    `tlv:"30"`
	GUID     string    `tlv:"34"`
	Validity validity  `tlv:"A5"`
	Issuer   *validity `tlv:"A6"`
	Serial   reversed  `tlv:"5FC102"`
	Extra    []Record  `tlv:",unknown"`
}

type truncatedTag struct {
	Field []byte `tlv:"5F"`
}

type appTemplates struct {
	Apps  []validity `tlv:"61"`
	Error Record     `tlv:"FE"`
}

func TestUnmarshal(t *testing.T) {
	data := Hex(
		"30 03 D43821",
		"34 02 ABCD",
		"A5 04 35 02 2030",
		"A6 03 35 01 99",
		"5FC102 03 010203",
		"53 01 00",
		"DF01 01 BB",
	)

	var got chuidLike
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if diff := cmp.Diff(Hex("D43821"), got.FASCN); diff != "" {
		t.Errorf("FASCN mismatch (-want +got):\n%s", diff)
	}
	if got.GUID != "abcd" {
		t.Errorf("GUID = %q, want hex text %q", got.GUID, "abcd")
	}
	if diff := cmp.Diff(validity{Expiry: Hex("2030")}, got.Validity); diff != "" {
		t.Errorf("nested template mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&validity{Expiry: Hex("99")}, got.Issuer); diff != "" {
		t.Errorf("pointer template mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(reversed(Hex("030201")), got.Serial); diff != "" {
		t.Errorf("custom unmarshaler mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Hex("530100", "DF0101BB"), Encode(got.Extra...)); diff != "" {
		t.Errorf("unclaimed records mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_CopiesValues(t *testing.T) {
	data := Hex("30 02 1122")
	var got chuidLike
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	data[2] = 0xFF
	if got.FASCN[0] != 0x11 {
		t.Error("decoded field aliases the input buffer")
	}
}

func TestUnmarshal_RepeatedTags(t *testing.T) {
	data := Hex(
		"61 03 350101",
		"61 03 350102",
		"FE 8101 00",
	)

	var got appTemplates
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []validity{{Expiry: Hex("01")}, {Expiry: Hex("02")}}
	if diff := cmp.Diff(want, got.Apps); diff != "" {
		t.Errorf("repeated templates mismatch (-want +got):\n%s", diff)
	}
	// The long length form survives in a Record field.
	if enc := hex.EncodeToString(Encode(got.Error)); enc != "fe810100" {
		t.Errorf("Record field re-encoded as %s", enc)
	}
}

func TestUnmarshal_NoUnknownField(t *testing.T) {
	var got validity
	if err := Unmarshal(Hex("35 01 01", "DF01 01 BB"), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(Hex("01"), got.Expiry); diff != "" {
		t.Errorf("Expiry mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		target    interface{}
		malformed bool
		contains  string
	}{
		{name: "Non-pointer target", data: Hex("30 00"), target: chuidLike{}, contains: "pointer"},
		{name: "Nil pointer", data: Hex("30 00"), target: (*chuidLike)(nil), contains: "pointer"},
		{name: "Pointer to non-struct", data: Hex("30 00"), target: new([]byte), contains: "struct"},
		{name: "Malformed input", data: Hex("30 05 11"), target: &chuidLike{}, malformed: true},
		{name: "Malformed nested template", data: Hex("A5 03 350501"), target: &chuidLike{}, malformed: true, contains: "Validity"},
		{name: "Truncated struct tag", data: Hex("50 00"), target: &truncatedTag{}, contains: "Field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Unmarshal(tt.data, tt.target)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.malformed && !errors.Is(err, ErrMalformedTLV) {
				t.Errorf("error %v does not match ErrMalformedTLV", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestGetValue(t *testing.T) {
	data := Hex("4F 05 A000000308", "5F2F 02 4010")

	tests := []struct {
		name      string
		data      []byte
		tag       Tag
		want      []byte
		wantErr   bool
		malformed bool
	}{
		{name: "First record", data: data, tag: Tag{0x4F}, want: Hex("A000000308")},
		{name: "Two byte tag", data: data, tag: MustTag("5F2F"), want: Hex("4010")},
		{name: "Missing", data: data, tag: Tag{0x99}, wantErr: true},
		{name: "Malformed", data: Hex("4F 05 11"), tag: Tag{0x4F}, wantErr: true, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetValue(tt.data, tt.tag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.malformed && !errors.Is(err, ErrMalformedTLV) {
				t.Errorf("error %v does not match ErrMalformedTLV", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
