package piv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// PIN usage policy, first byte.
const (
	policyPIVPIN    = 0x40
	policyGlobalPIN = 0x20
	policyOCC       = 0x10
	policyVCI       = 0x08
)

// PIN usage policy, second byte: which PIN is primary.
const (
	primaryPIVPIN    = 0x10
	primaryGlobalPIN = 0x20
)

// Discovery is the Discovery Object (Tag '7E').
type Discovery struct {
	AID            []byte `tlv:"4F"`
	PINUsagePolicy []byte `tlv:"5F2F"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// ParseDiscovery parses the Discovery Object, with or without its '7E' tag.
func ParseDiscovery(data []byte) (*Discovery, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty discovery object")
	}

	records, err := tlv.Decode(tlv.TrimPadding(data))
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}
	if rec, ok := tlv.Find(records, TagDiscovery); ok {
		if records, err = rec.Children(); err != nil {
			return nil, fmt.Errorf("discovery object: %w", err)
		}
	}

	d := &Discovery{}
	if err := tlv.UnmarshalRecords(records, d); err != nil {
		return nil, fmt.Errorf("failed to map discovery object: %w", err)
	}
	if len(d.PINUsagePolicy) != 0 && len(d.PINUsagePolicy) != 2 {
		return nil, fmt.Errorf("PIN usage policy must be 2 bytes, got %d", len(d.PINUsagePolicy))
	}
	return d, nil
}

func (d *Discovery) policy(byteIndex int, mask byte) bool {
	return len(d.PINUsagePolicy) == 2 && d.PINUsagePolicy[byteIndex]&mask == mask
}

// PIVPIN reports whether the application PIN satisfies access conditions.
func (d *Discovery) PIVPIN() bool { return d.policy(0, policyPIVPIN) }

// GlobalPIN reports whether the global PIN satisfies access conditions.
func (d *Discovery) GlobalPIN() bool { return d.policy(0, policyGlobalPIN) }

// OCC reports whether on-card biometric comparison is supported.
func (d *Discovery) OCC() bool { return d.policy(0, policyOCC) }

// VCI reports whether the virtual contact interface is supported.
func (d *Discovery) VCI() bool { return d.policy(0, policyVCI) }

// PrimaryPIN returns the reference of the PIN to present first.
func (d *Discovery) PrimaryPIN() PINReference {
	if d.GlobalPIN() && d.policy(1, primaryGlobalPIN) {
		return PINGlobal
	}
	return PINApplication
}

// Describe generates a report of the Discovery Object.
func (d *Discovery) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV DISCOVERY OBJECT ===")

	tlv.WriteStructFields(&sb, "Discovery", d)

	if len(d.PINUsagePolicy) == 2 {
		var flags []string
		for _, f := range []struct {
			set  bool
			name string
		}{
			{d.PIVPIN(), "PIV PIN"},
			{d.GlobalPIN(), "Global PIN"},
			{d.OCC(), "OCC"},
			{d.VCI(), "VCI"},
		} {
			if f.set {
				flags = append(flags, f.name)
			}
		}
		fmt.Fprintf(&sb, "\n    - Discovery.Policy: %s, primary %s", strings.Join(flags, " + "), d.PrimaryPIN())
	}

	return sb.String()
}
