package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []Record
	}{
		{
			name:  "Empty buffer",
			input: nil,
			want:  nil,
		},
		{
			name:  "Single primitive",
			input: Hex("50 03 414243"),
			want:  []Record{{Tag: Tag{0x50}, Value: Hex("414243")}},
		},
		{
			name:  "Two byte tag next to one byte tag",
			input: Hex("5F2F 02 4010", "50 01 41"),
			want: []Record{
				{Tag: Tag{0x5F, 0x2F}, Value: Hex("4010")},
				{Tag: Tag{0x50}, Value: Hex("41")},
			},
		},
		{
			name:  "Three byte tag",
			input: Hex("5FC102 01 AA"),
			want:  []Record{{Tag: Tag{0x5F, 0xC1, 0x02}, Value: Hex("AA")}},
		},
		{
			name:  "Constructed value stays opaque",
			input: Hex("61 05 4F03A00001"),
			want:  []Record{{Tag: Tag{0x61}, Value: Hex("4F03A00001")}},
		},
		{
			name:  "Zero length value",
			input: Hex("53 00"),
			want:  []Record{{Tag: Tag{0x53}, Value: []byte{}}},
		},
		{
			name:  "Non-minimal length is remembered",
			input: Hex("53 8102 CAFE"),
			want:  []Record{{Tag: Tag{0x53}, Value: Hex("CAFE"), RawLength: Hex("8102")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		wantOffset int
	}{
		{"Length beyond buffer", Hex("50 05 4142"), 2},
		{"Tag continuation ends buffer", Hex("5F"), 1},
		{"Second continuation ends buffer", Hex("5FC1"), 2},
		{"Tag longer than three bytes", Hex("5F818101 00"), 0},
		{"Missing length", Hex("50"), 1},
		{"Indefinite length", Hex("70 80 5001410000"), 1},
		{"Length field too wide", Hex("53 85 0000000001 AA"), 1},
		{"Length field truncated", Hex("53 82 01"), 1},
		{"Second record broken", Hex("50 01 41", "5F2F 03 00"), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			if !errors.Is(err, ErrMalformedTLV) {
				t.Fatalf("Decode() error = %v, want ErrMalformedTLV", err)
			}
			if got != nil {
				t.Errorf("Decode() returned records on failure: %v", got)
			}

			var me *MalformedError
			if !errors.As(err, &me) {
				t.Fatalf("error %T is not a *MalformedError", err)
			}
			if me.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d (%s)", me.Offset, tt.wantOffset, me.Reason)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	encodings := [][]byte{
		Hex("50 03 414243"),
		Hex("5F2F 02 4010"),
		Hex("5FC102 00"),
		Hex("7E 12 4F0BA000000308000010000100 5F2F024010"),
		Hex("53 8102 CAFE"),
		Hex("53 820003 010203"),
		append(Hex("70 81 80"), bytes.Repeat([]byte{0xAB}, 0x80)...),
		append(Hex("70 82 0100"), bytes.Repeat([]byte{0xCD}, 0x100)...),
	}

	for _, enc := range encodings {
		t.Run(Tag(enc[:1]).String(), func(t *testing.T) {
			records, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode(%X) failed: %v", enc, err)
			}
			if got := Encode(records...); !bytes.Equal(got, enc) {
				t.Errorf("Encode(Decode(E)) = %X, want %X", got, enc)
			}
		})
	}
}

func TestEncodeDecodeBuiltRecords(t *testing.T) {
	records := []Record{
		NewRecord(Tag{0x4F}, Hex("A0000003080000100001")),
		NewRecord(Tag{0x5F, 0x2F}, Hex("4010")),
		NewRecord(Tag{0x53}, bytes.Repeat([]byte{0x11}, 300)),
		NewRecord(Tag{0x5F, 0xC1, 0x02}, nil),
	}

	decoded, err := Decode(Encode(records...))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if diff := cmp.Diff(records, decoded); diff != "" {
		t.Errorf("Decode(Encode(R)) mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeMinimalLength(t *testing.T) {
	tests := []struct {
		size int
		want []byte
	}{
		{0x00, Hex("00")},
		{0x7F, Hex("7F")},
		{0x80, Hex("8180")},
		{0xFF, Hex("81FF")},
		{0x100, Hex("820100")},
		{0x10000, Hex("83010000")},
	}

	for _, tt := range tests {
		got := Encode(NewRecord(Tag{0x53}, make([]byte, tt.size)))
		if lengthField := got[1 : 1+len(tt.want)]; !bytes.Equal(lengthField, tt.want) {
			t.Errorf("length of %d bytes encoded as %X, want %X", tt.size, lengthField, tt.want)
		}
	}
}

func TestEncodeIgnoresStaleRawLength(t *testing.T) {
	rec := Record{Tag: Tag{0x53}, Value: Hex("01"), RawLength: Hex("8105")}
	if got, want := Encode(rec), Hex("53 01 01"); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %X, want %X", got, want)
	}
}

func TestTruncationSafety(t *testing.T) {
	encodings := [][]byte{
		Hex("50 03 414243"),
		Hex("5F2F 02 4010"),
		Hex("5FC102 03 AABBCC"),
		Hex("53 8102 CAFE"),
		Hex("7E 08 4F03A00001 5F2F00"),
		append(Hex("70 82 0100"), bytes.Repeat([]byte{0xCD}, 0x100)...),
	}

	for _, enc := range encodings {
		for n := 1; n < len(enc); n++ {
			prefix := enc[:n]
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("Decode(%X) panicked: %v", prefix, r)
					}
				}()
				if _, err := Decode(prefix); !errors.Is(err, ErrMalformedTLV) {
					t.Errorf("Decode(%X) error = %v, want ErrMalformedTLV", prefix, err)
				}
			}()
		}
	}
}

func TestTagMatchingUsesAllBytes(t *testing.T) {
	records, err := Decode(Hex("5F2F 02 4010", "50 03 414243", "5F2F 01 00"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	rec, ok := Find(records, Tag{0x50})
	if !ok {
		t.Fatal("tag 50 not found")
	}
	if !bytes.Equal(rec.Value, Hex("414243")) {
		t.Errorf("Find(50) returned %X, it must not match 5F2F", rec.Value)
	}

	if all := FindAll(records, Tag{0x5F, 0x2F}); len(all) != 2 {
		t.Errorf("FindAll(5F2F) returned %d records, want 2", len(all))
	}

	if _, ok := Find(records, Tag{0x5F}); ok {
		t.Error("Find(5F) matched a two byte tag")
	}
}

func TestTagAccessors(t *testing.T) {
	tests := []struct {
		hex         string
		class       TagClass
		constructed bool
	}{
		{"50", ClassApplication, false},
		{"7E", ClassApplication, true},
		{"5FC102", ClassApplication, false},
		{"9F7F", ClassContextSpecific, false},
		{"A5", ClassContextSpecific, true},
		{"DF01", ClassPrivate, false},
		{"30", ClassUniversal, true},
	}

	for _, tt := range tests {
		t.Run(tt.hex, func(t *testing.T) {
			tag, err := ParseTag(tt.hex)
			if err != nil {
				t.Fatalf("ParseTag(%q) failed: %v", tt.hex, err)
			}
			if tag.String() != tt.hex {
				t.Errorf("String() = %s, want %s", tag, tt.hex)
			}
			if tag.Class() != tt.class {
				t.Errorf("Class() = %s, want %s", tag.Class(), tt.class)
			}
			if tag.Constructed() != tt.constructed {
				t.Errorf("Constructed() = %v, want %v", tag.Constructed(), tt.constructed)
			}
		})
	}
}

func TestParseTagErrors(t *testing.T) {
	for _, in := range []string{"", "ZZ", "5F", "5F2F00", "5F818101"} {
		if _, err := ParseTag(in); err == nil {
			t.Errorf("ParseTag(%q) succeeded, want error", in)
		}
	}
}

func TestDecodeTree(t *testing.T) {
	input := Hex("61 0B", "4F 02 A000", "79 05 4F03A00001")

	nodes, err := DecodeTree(input, 0)
	if err != nil {
		t.Fatalf("DecodeTree failed: %v", err)
	}
	if len(nodes) != 1 || len(nodes[0].Children) != 2 {
		t.Fatalf("unexpected tree shape: %+v", nodes)
	}

	inner := nodes[0].Children[1]
	if inner.Tag.String() != "79" || len(inner.Children) != 1 {
		t.Fatalf("unexpected allocation template: %+v", inner)
	}
	if got := inner.Children[0].Value; !bytes.Equal(got, Hex("A00001")) {
		t.Errorf("nested AID = %X, want A00001", got)
	}
}

func TestDecodeTreeDepthBound(t *testing.T) {
	// 70 -> 70 -> ... -> 50 00, ten levels of nesting.
	payload := Hex("50 00")
	for i := 0; i < 10; i++ {
		payload = append([]byte{0x70, byte(len(payload))}, payload...)
	}

	if _, err := DecodeTree(payload, 11); err != nil {
		t.Fatalf("DecodeTree with enough depth failed: %v", err)
	}

	_, err := DecodeTree(payload, 4)
	if !errors.Is(err, ErrMaxDepth) {
		t.Fatalf("DecodeTree error = %v, want ErrMaxDepth", err)
	}
	if !errors.Is(err, ErrMalformedTLV) {
		t.Errorf("depth error must also match ErrMalformedTLV")
	}
}

func TestDecodeTreeNestedOffset(t *testing.T) {
	_, err := DecodeTree(Hex("50 01 41", "70 03 5F2F05"), 0)

	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("DecodeTree error = %v, want *MalformedError", err)
	}
	// Inner 5F2F declares 5 bytes at absolute offset 8 where nothing remains.
	if me.Offset != 8 {
		t.Errorf("Offset = %d, want 8", me.Offset)
	}
}

func TestTrimPadding(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"No padding", Hex("5001 41"), Hex("5001 41")},
		{"Trailing zeros", Hex("500141 0000"), Hex("500141")},
		{"Trailing FF", Hex("500141 FFFF00FF"), Hex("500141")},
		{"All padding", Hex("FFFF"), Hex("")},
		{"Zero length last record", Hex("500141 FE00"), Hex("500141 FE00")},
		{"Value ending in zero", Hex("5302C100 0000"), Hex("5302C100")},
		{"Malformed left alone", Hex("5005 41 00"), Hex("5005 41 00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimPadding(tt.input); !bytes.Equal(got, tt.want) {
				t.Errorf("TrimPadding() = %X, want %X", got, tt.want)
			}
		})
	}
}
