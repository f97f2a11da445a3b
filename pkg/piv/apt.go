package piv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// TagApplicationProperty is the template returned by SELECT.
var TagApplicationProperty = tlv.Tag{0x61}

// ApplicationProperty is the Application Property Template (Tag '61').
type ApplicationProperty struct {
	AID   []byte `tlv:"4F"` // Mandatory
	Label []byte `tlv:"50" fmt:"ascii"`
	URL   []byte `tlv:"5F50" fmt:"ascii"`

	Algorithms          []CryptographicAlgorithms `tlv:"AC"`
	CoexistentAuthority *CoexistentAuthority      `tlv:"79"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// CryptographicAlgorithms (Tag 'AC') lists the algorithm identifiers the
// application supports.
type CryptographicAlgorithms struct {
	Identifiers [][]byte `tlv:"80"`
	ObjectID    []byte   `tlv:"06"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// CoexistentAuthority is the Coexistent Tag Allocation Authority Template.
type CoexistentAuthority struct {
	AID []byte `tlv:"4F"`
}

var algorithmNames = map[byte]string{
	0x03: "3DES-ECB",
	0x06: "RSA 1024",
	0x07: "RSA 2048",
	0x08: "AES-128-ECB",
	0x0A: "AES-192-ECB",
	0x0C: "AES-256-ECB",
	0x11: "ECC P-256",
	0x14: "ECC P-384",
	0x27: "CS2",
	0x2E: "CS7",
}

// AlgorithmName names a PIV algorithm identifier.
func AlgorithmName(id byte) string {
	if name, ok := algorithmNames[id]; ok {
		return name
	}
	return fmt.Sprintf("algorithm %02X", id)
}

// ParseApplicationProperty parses the data returned by SELECT, with or
// without the '61' template.
func ParseApplicationProperty(data []byte) (*ApplicationProperty, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty application property template")
	}

	records, err := tlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}
	if rec, ok := tlv.Find(records, TagApplicationProperty); ok {
		if records, err = rec.Children(); err != nil {
			return nil, fmt.Errorf("application property template: %w", err)
		}
	}

	apt := &ApplicationProperty{}
	if err := tlv.UnmarshalRecords(records, apt); err != nil {
		return nil, fmt.Errorf("failed to map application property template: %w", err)
	}
	if len(apt.AID) == 0 {
		return nil, fmt.Errorf("application property template has no AID (Tag 4F)")
	}
	return apt, nil
}

// Supports reports whether the card advertises algorithm id.
func (a *ApplicationProperty) Supports(id byte) bool {
	for _, set := range a.Algorithms {
		for _, ident := range set.Identifiers {
			if len(ident) == 1 && ident[0] == id {
				return true
			}
		}
	}
	return false
}

// Describe generates a report of the template.
func (a *ApplicationProperty) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV APPLICATION PROPERTY TEMPLATE ===")

	tlv.WriteStructFields(&sb, "APT", a)

	for _, set := range a.Algorithms {
		for _, ident := range set.Identifiers {
			if len(ident) == 1 {
				fmt.Fprintf(&sb, "\n    - APT.Algorithm (80): %02X (%s)", ident[0], AlgorithmName(ident[0]))
			}
		}
	}
	if a.CoexistentAuthority != nil {
		tlv.WriteStructFields(&sb, "APT.CoexistentAuthority", a.CoexistentAuthority)
	}

	return sb.String()
}
