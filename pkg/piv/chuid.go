package piv

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregLibert/card-edge/pkg/tlv"
)

// CHUID is the Card Holder Unique Identifier (SP 800-73-4 Part 1, Table 9).
type CHUID struct {
	BufferLength   []byte `tlv:"EE" fmt:"int"`
	FASCN          []byte `tlv:"30"`
	OrganizationID []byte `tlv:"32"`
	DUNS           []byte `tlv:"33"`
	GUID           []byte `tlv:"34"`
	ExpirationDate []byte `tlv:"35" fmt:"ascii"`
	CardholderUUID []byte `tlv:"36"`
	Signature      []byte `tlv:"3E"`
	LRC            []byte `tlv:"FE"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// ParseCHUID parses the content of the CHUID data object.
func ParseCHUID(data []byte) (*CHUID, error) {
	c := &CHUID{}
	if err := tlv.Unmarshal(tlv.TrimPadding(data), c); err != nil {
		return nil, fmt.Errorf("failed to map CHUID: %w", err)
	}
	if len(c.GUID) != 16 {
		return nil, fmt.Errorf("CHUID GUID (Tag 34) must be 16 bytes, got %d", len(c.GUID))
	}
	return c, nil
}

// CardUUID returns the GUID as a UUID. An all-zero GUID means the card has
// none and yields uuid.Nil.
func (c *CHUID) CardUUID() uuid.UUID {
	id, err := uuid.FromBytes(c.GUID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Expiration parses the YYYYMMDD expiration date.
func (c *CHUID) Expiration() (time.Time, error) {
	return time.Parse("20060102", string(c.ExpirationDate))
}

// Expired reports whether the expiration date is before now. A missing or
// malformed date counts as expired.
func (c *CHUID) Expired(now time.Time) bool {
	exp, err := c.Expiration()
	if err != nil {
		return true
	}
	return now.After(exp.AddDate(0, 0, 1))
}

// Describe generates a report of the CHUID.
func (c *CHUID) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV CARD HOLDER UNIQUE IDENTIFIER ===")

	tlv.WriteStructFields(&sb, "CHUID", c)

	if len(c.FASCN) > 0 {
		if f, err := ParseFASCN(c.FASCN); err == nil {
			fmt.Fprintf(&sb, "\n    - CHUID.FASC-N: %s", f)
		} else {
			fmt.Fprintf(&sb, "\n    - CHUID.FASC-N: %v", err)
		}
	}
	fmt.Fprintf(&sb, "\n    - CHUID.UUID: %s", c.CardUUID())
	if exp, err := c.Expiration(); err == nil {
		fmt.Fprintf(&sb, "\n    - CHUID.Expires: %s", exp.Format("2006-01-02"))
	}

	return sb.String()
}

// FASCN is a decoded Federal Agency Smart Credential Number.
type FASCN struct {
	AgencyCode       string
	SystemCode       string
	CredentialNumber string
	CredentialSeries string
	IndividualIssue  string
	PersonIdentifier string
	OrgCategory      string
	OrgIdentifier    string
	PersonAssoc      string
}

// FASC-N characters are 4-bit BCD values, least significant bit first, each
// followed by an odd parity bit.
const (
	fascnLength    = 25
	fascnChars     = 40
	fascnStart     = 0x0B
	fascnSeparator = 0x0D
	fascnEnd       = 0x0F
)

// fascnLayout lists the field widths between sentinels. Zero is a separator.
var fascnLayout = []int{4, 0, 4, 0, 6, 0, 1, 0, 1, 0, 10, 1, 4, 1}

// ParseFASCN decodes the 25 byte BCD encoding with parity and LRC checks.
func ParseFASCN(raw []byte) (*FASCN, error) {
	if len(raw) != fascnLength {
		return nil, fmt.Errorf("FASC-N must be %d bytes, got %d", fascnLength, len(raw))
	}

	chars := make([]byte, fascnChars)
	var lrc byte
	for i := range chars {
		var v, ones byte
		for b := 0; b < 5; b++ {
			pos := i*5 + b
			bit := (raw[pos/8] >> (7 - pos%8)) & 1
			ones += bit
			if b < 4 {
				v |= bit << b
			}
		}
		if ones%2 != 1 {
			return nil, fmt.Errorf("FASC-N parity error at character %d", i)
		}
		chars[i] = v
		if i < fascnChars-1 {
			lrc ^= v
		}
	}

	if chars[0] != fascnStart {
		return nil, fmt.Errorf("FASC-N does not begin with the start sentinel")
	}
	if chars[fascnChars-2] != fascnEnd {
		return nil, fmt.Errorf("FASC-N end sentinel missing")
	}
	if chars[fascnChars-1] != lrc {
		return nil, fmt.Errorf("FASC-N LRC mismatch: %X, computed %X", chars[fascnChars-1], lrc)
	}

	var fields []string
	pos := 1
	for _, width := range fascnLayout {
		if width == 0 {
			if chars[pos] != fascnSeparator {
				return nil, fmt.Errorf("FASC-N field separator missing at character %d", pos)
			}
			pos++
			continue
		}
		var sb strings.Builder
		for _, v := range chars[pos : pos+width] {
			if v > 9 {
				return nil, fmt.Errorf("FASC-N non-digit %X at character %d", v, pos)
			}
			sb.WriteByte('0' + v)
		}
		fields = append(fields, sb.String())
		pos += width
	}

	return &FASCN{
		AgencyCode:       fields[0],
		SystemCode:       fields[1],
		CredentialNumber: fields[2],
		CredentialSeries: fields[3],
		IndividualIssue:  fields[4],
		PersonIdentifier: fields[5],
		OrgCategory:      fields[6],
		OrgIdentifier:    fields[7],
		PersonAssoc:      fields[8],
	}, nil
}

func (f *FASCN) String() string {
	return fmt.Sprintf("agency %s system %s credential %s series %s issue %s person %s org %s/%s assoc %s",
		f.AgencyCode, f.SystemCode, f.CredentialNumber, f.CredentialSeries, f.IndividualIssue,
		f.PersonIdentifier, f.OrgCategory, f.OrgIdentifier, f.PersonAssoc)
}
