package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/card-edge/pkg/tlv"
)

// isdFCI is a typical issuer security domain answer: '84' and 'A5' directly
// under '6F', with management data, life cycle and command length.
var isdFCI = tlv.Hex(
	"6F 1D",
	"84 08 A000000151000000",
	"A5 11",
	"73 06 06 04 2A 86 48 86",
	"9F 6E 02 01 02",
	"9F 65 01 FF",
)

func TestParseSelectData(t *testing.T) {
	const (
		p2FCI    byte = 0x00
		p2FCP    byte = 0x04
		p2FMD    byte = 0x08
		p2NoData byte = 0x0C
	)

	tests := []struct {
		name      string
		data      []byte
		p2        byte
		wantAID   []byte
		wantLabel string
		wantNil   bool
		wantErr   bool
		check     func(*testing.T, *FileControlInfo)
	}{
		{
			name:    "Security domain, flat FCI",
			data:    isdFCI,
			p2:      p2FCI,
			wantAID: tlv.Hex("A000000151000000"),
			check: func(t *testing.T, fci *FileControlInfo) {
				if len(fci.FCP.Proprietary) != 0x11 {
					t.Errorf("A5 = %X", fci.FCP.Proprietary)
				}
			},
		},
		{
			name:    "FCP inside FCI",
			data:    tlv.Hex("6F 0B 62 09 84 07 A0000003080000"),
			p2:      p2FCI,
			wantAID: tlv.Hex("A0000003080000"),
		},
		{
			name:      "FMD inside FCI",
			data:      tlv.Hex("6F 07 64 05 50 03 504956"),
			p2:        p2FCI,
			wantLabel: "PIV",
		},
		{
			name:    "Mandatory FCP",
			data:    tlv.Hex("62 0A 83 02 3F00 84 04 A0000001"),
			p2:      p2FCP,
			wantAID: tlv.Hex("A0000001"),
			check: func(t *testing.T, fci *FileControlInfo) {
				if diff := cmp.Diff(tlv.Hex("3F00"), fci.FCP.FileID); diff != "" {
					t.Errorf("file identifier mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:      "Mandatory FMD",
			data:      tlv.Hex("64 06 50 04 47505020"),
			p2:        p2FMD,
			wantLabel: "GPP ",
		},
		{
			name:    "FMD answered with FCP",
			data:    tlv.Hex("62 03 83 01 01"),
			p2:      p2FMD,
			wantErr: true,
		},
		{
			name:    "No data requested",
			data:    tlv.Hex("62 03 83 01 01"),
			p2:      p2NoData,
			wantNil: true,
		},
		{
			name:    "Empty answer",
			p2:      p2FCI,
			wantNil: true,
		},
		{
			name: "Proprietary answer",
			data: tlv.Hex("C0 01 FF"),
			p2:   p2FCI,
			check: func(t *testing.T, fci *FileControlInfo) {
				if fci.Proprietary == nil {
					t.Error("proprietary data not kept")
				}
			},
		},
		{
			name: "PIV application property template stays unknown",
			data: tlv.Hex("61 0B 4F 06 000010000100 79 01 00"),
			p2:   p2FCI,
			check: func(t *testing.T, fci *FileControlInfo) {
				if len(fci.Unknown) != 1 || !fci.Unknown[0].Tag.Equal(tlv.Tag{0x61}) {
					t.Errorf("Unknown = %v, want the '61' template", fci.Unknown)
				}
			},
		},
		{
			name:    "Truncated",
			data:    tlv.Hex("6F 10 84 08 A0"),
			p2:      p2FCI,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelectData(tt.data, tt.p2)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSelectData() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ParseSelectData() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ParseSelectData() = nil")
			}
			if tt.wantAID != nil {
				if diff := cmp.Diff(tt.wantAID, got.AID()); diff != "" {
					t.Errorf("AID mismatch (-want +got):\n%s", diff)
				}
			}
			if tt.wantLabel != "" && string(got.Label()) != tt.wantLabel {
				t.Errorf("label = %q, want %q", got.Label(), tt.wantLabel)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestFileControlInfo_SecurityDomain(t *testing.T) {
	fci, err := ParseSelectData(isdFCI, 0x00)
	if err != nil {
		t.Fatalf("ParseSelectData failed: %v", err)
	}

	sd, err := fci.SecurityDomain()
	if err != nil {
		t.Fatalf("SecurityDomain failed: %v", err)
	}
	want := &SecurityDomainData{
		ManagementData: tlv.Hex("06 04 2A 86 48 86"),
		LifeCycleData:  tlv.Hex("01 02"),
		MaxCommandData: tlv.Hex("FF"),
	}
	if diff := cmp.Diff(want, sd); diff != "" {
		t.Errorf("SecurityDomain mismatch (-want +got):\n%s", diff)
	}
	if n, ok := sd.MaxCommandLength(); !ok || n != 255 {
		t.Errorf("MaxCommandLength() = %d, %v, want 255", n, ok)
	}

	plain, _ := ParseSelectData(tlv.Hex("6F 06 84 04 A0000001"), 0x00)
	if sd, err := plain.SecurityDomain(); sd != nil || err != nil {
		t.Errorf("SecurityDomain() without A5 = %v, %v", sd, err)
	}
	if _, ok := (*SecurityDomainData)(nil).MaxCommandLength(); ok {
		t.Error("nil template reported a length")
	}
}
