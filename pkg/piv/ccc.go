package piv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// CCC is the Card Capability Container (SP 800-73-4 Part 1, Table 8).
type CCC struct {
	CardIdentifier           []byte `tlv:"F0"`
	ContainerVersion         []byte `tlv:"F1" fmt:"int"`
	GrammarVersion           []byte `tlv:"F2" fmt:"int"`
	ApplicationsCardURL      []byte `tlv:"F3"`
	PKCS15                   []byte `tlv:"F4" fmt:"int"`
	RegisteredDataModel      []byte `tlv:"F5" fmt:"int"`
	AccessControlRuleTable   []byte `tlv:"F6"`
	CardAPDUs                []byte `tlv:"F7"`
	RedirectionTag           []byte `tlv:"FA"`
	CapabilityTuples         []byte `tlv:"FB"`
	StatusTuples             []byte `tlv:"FC"`
	NextCCC                  []byte `tlv:"FD"`
	ExtendedApplicationURL   []byte `tlv:"E3"`
	SecurityObjectBufferSize []byte `tlv:"B4" fmt:"int"`
	LRC                      []byte `tlv:"FE"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// ParseCCC parses the content of the CCC data object.
func ParseCCC(data []byte) (*CCC, error) {
	c := &CCC{}
	if err := tlv.Unmarshal(tlv.TrimPadding(data), c); err != nil {
		return nil, fmt.Errorf("failed to map CCC: %w", err)
	}
	if len(c.CardIdentifier) == 0 {
		return nil, fmt.Errorf("CCC has no card identifier (Tag F0)")
	}
	return c, nil
}

// Describe generates a report of the CCC.
func (c *CCC) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV CARD CAPABILITY CONTAINER ===")
	tlv.WriteStructFields(&sb, "CCC", c)
	return sb.String()
}

// KeyHistory is the Key History Object.
type KeyHistory struct {
	OnCardCertificates  []byte `tlv:"C1" fmt:"int"`
	OffCardCertificates []byte `tlv:"C2" fmt:"int"`
	OffCardURL          []byte `tlv:"F3" fmt:"ascii"`
	LRC                 []byte `tlv:"FE"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// ParseKeyHistory parses the content of the Key History Object.
func ParseKeyHistory(data []byte) (*KeyHistory, error) {
	k := &KeyHistory{}
	if err := tlv.Unmarshal(tlv.TrimPadding(data), k); err != nil {
		return nil, fmt.Errorf("failed to map key history: %w", err)
	}
	return k, nil
}

// Describe generates a report of the Key History Object.
func (k *KeyHistory) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV KEY HISTORY OBJECT ===")
	tlv.WriteStructFields(&sb, "KeyHistory", k)
	return sb.String()
}

// Describer is implemented by every parsed data object.
type Describer interface {
	Describe() string
}

// DescribeObject parses value as the object identified by tag and returns its
// report. Objects without a dedicated layout get a generic TLV dump.
func DescribeObject(tag tlv.Tag, value []byte) (string, error) {
	var (
		obj Describer
		err error
	)
	switch {
	case tag.Equal(TagDiscovery):
		obj, err = ParseDiscovery(value)
	case tag.Equal(TagCHUID):
		obj, err = ParseCHUID(value)
	case tag.Equal(TagCCC):
		obj, err = ParseCCC(value)
	case tag.Equal(TagKeyHistory):
		obj, err = ParseKeyHistory(value)
	case tag.Equal(TagCertPIVAuth), tag.Equal(TagCertSignature),
		tag.Equal(TagCertKeyManagement), tag.Equal(TagCertCardAuth):
		obj, err = ParseCertificateContainer(value)
	default:
		records, err := tlv.Decode(tlv.TrimPadding(value))
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "=== PIV DATA OBJECT %s ===", tag)
		tlv.WriteRecords(&sb, records)
		return sb.String(), nil
	}
	if err != nil {
		return "", err
	}
	return obj.Describe(), nil
}
