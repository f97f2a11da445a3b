package scp

import (
	"fmt"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
	"github.com/pkg/errors"
)

// ATR is the parsed Answer To Reset (ISO/IEC 7816-3).
type ATR struct {
	Raw []byte
	// Direct is true for direct convention (TS = 3B), false for inverse (3F).
	Direct     bool
	Protocols  []int
	Historical []byte
	// TCK is the check byte, present when a protocol other than T=0 is offered.
	TCK *byte
}

// ParseATR decodes the interface character chain of an ATR and extracts the
// historical bytes.
func ParseATR(raw []byte) (*ATR, error) {
	if len(raw) < 2 || len(raw) > 33 {
		return nil, errors.Errorf("ATR length %d outside 2..33", len(raw))
	}

	atr := &ATR{Raw: append([]byte{}, raw...)}
	switch raw[0] {
	case 0x3B:
		atr.Direct = true
	case 0x3F:
	default:
		return nil, errors.Errorf("invalid ATR initial character %02X", raw[0])
	}

	historical := int(raw[1] & 0x0F)
	y := raw[1] >> 4
	pos := 2
	needTCK := false

	for {
		for _, present := range []bool{y&0x1 != 0, y&0x2 != 0, y&0x4 != 0} {
			if present {
				pos++
			}
		}
		if y&0x8 == 0 {
			break
		}
		if pos >= len(raw) {
			return nil, errors.Errorf("ATR truncated in interface characters at offset %d", pos)
		}
		td := raw[pos]
		pos++
		protocol := int(td & 0x0F)
		atr.Protocols = append(atr.Protocols, protocol)
		if protocol != 0 {
			needTCK = true
		}
		y = td >> 4
	}

	if pos+historical > len(raw) {
		return nil, errors.Errorf("ATR declares %d historical bytes, %d available", historical, len(raw)-pos)
	}
	atr.Historical = append([]byte{}, raw[pos:pos+historical]...)
	pos += historical

	if len(atr.Protocols) == 0 {
		atr.Protocols = []int{0}
	}
	if needTCK {
		if pos >= len(raw) {
			return nil, errors.New("ATR check byte missing")
		}
		tck := raw[pos]
		atr.TCK = &tck
		pos++
	}
	if pos != len(raw) {
		return nil, errors.Errorf("ATR has %d unexpected trailing bytes", len(raw)-pos)
	}
	return atr, nil
}

func (a *ATR) String() string {
	convention := "inverse"
	if a.Direct {
		convention = "direct"
	}
	protocols := make([]string, len(a.Protocols))
	for i, p := range a.Protocols {
		protocols[i] = fmt.Sprintf("T=%d", p)
	}
	return fmt.Sprintf("ATR %X (%s convention, %s, historical %q)",
		a.Raw, convention, strings.Join(protocols, " "), tlv.MakeSafeASCII(a.Historical))
}

// TagCPLC wraps the Card Production Life Cycle data returned by GET DATA 9F7F.
var TagCPLC = tlv.Tag{0x9F, 0x7F}

// CPLCLength is the size of the CPLC data without its tag.
const CPLCLength = 42

// CPLC is the Card Production Life Cycle data (GlobalPlatform Card Spec,
// tag 9F7F). Every field is kept as raw bytes.
type CPLC struct {
	ICFabricator                    []byte
	ICType                          []byte
	OperatingSystemID               []byte
	OperatingSystemReleaseDate      []byte
	OperatingSystemReleaseLevel     []byte
	ICFabricationDate               []byte
	ICSerialNumber                  []byte
	ICBatchIdentifier               []byte
	ICModuleFabricator              []byte
	ICModulePackagingDate           []byte
	ICCManufacturer                 []byte
	ICEmbeddingDate                 []byte
	ICPrePersonalizer               []byte
	ICPrePersonalizationDate        []byte
	ICPrePersonalizationEquipmentID []byte
	ICPersonalizer                  []byte
	ICPersonalizationDate           []byte
	ICPersonalizationEquipmentID    []byte
}

// ParseCPLC accepts the bare 42 bytes or the value wrapped in tag 9F7F.
func ParseCPLC(data []byte) (*CPLC, error) {
	if len(data) != CPLCLength {
		records, err := tlv.Decode(tlv.TrimPadding(data))
		if err != nil {
			return nil, errors.Wrap(err, "decode CPLC")
		}
		rec, ok := tlv.Find(records, TagCPLC)
		if !ok {
			return nil, errors.Errorf("CPLC tag %s not found", TagCPLC)
		}
		data = rec.Value
	}
	if len(data) != CPLCLength {
		return nil, errors.Errorf("CPLC must be %d bytes long, got %d", CPLCLength, len(data))
	}

	c := &CPLC{}
	fields := []struct {
		dst  *[]byte
		size int
	}{
		{&c.ICFabricator, 2},
		{&c.ICType, 2},
		{&c.OperatingSystemID, 2},
		{&c.OperatingSystemReleaseDate, 2},
		{&c.OperatingSystemReleaseLevel, 2},
		{&c.ICFabricationDate, 2},
		{&c.ICSerialNumber, 4},
		{&c.ICBatchIdentifier, 2},
		{&c.ICModuleFabricator, 2},
		{&c.ICModulePackagingDate, 2},
		{&c.ICCManufacturer, 2},
		{&c.ICEmbeddingDate, 2},
		{&c.ICPrePersonalizer, 2},
		{&c.ICPrePersonalizationDate, 2},
		{&c.ICPrePersonalizationEquipmentID, 4},
		{&c.ICPersonalizer, 2},
		{&c.ICPersonalizationDate, 2},
		{&c.ICPersonalizationEquipmentID, 4},
	}

	pos := 0
	for _, f := range fields {
		*f.dst = append([]byte{}, data[pos:pos+f.size]...)
		pos += f.size
	}
	return c, nil
}

// Describe renders the populated fields, one per line.
func (c *CPLC) Describe() string {
	var sb strings.Builder
	sb.WriteString("CPLC")
	tlv.WriteStructFields(&sb, "CPLC", c)
	return sb.String()
}

// KeyInformation identifies the key set and protocol a card expects.
type KeyInformation struct {
	KeyVersion byte
	Protocol   Version
	// Param is the protocol "i" parameter, when the card reports it.
	Param    byte
	HasParam bool
}

// ParseKeyInformation decodes "KVN SCPID [i]".
func ParseKeyInformation(data []byte) (*KeyInformation, error) {
	if len(data) != 2 && len(data) != 3 {
		return nil, errors.Errorf("key information must be 2 or 3 bytes long, got %d", len(data))
	}

	info := &KeyInformation{KeyVersion: data[0], Protocol: Version(data[1])}
	if info.Protocol != SCP02 && info.Protocol != SCP03 {
		return nil, errors.Errorf("unsupported SCP identifier %02X", data[1])
	}
	if len(data) == 3 {
		info.Param = data[2]
		info.HasParam = true
	}
	return info, nil
}

func (k *KeyInformation) String() string {
	if k.HasParam {
		return fmt.Sprintf("KVN %02X %s i=%02X", k.KeyVersion, k.Protocol, k.Param)
	}
	return fmt.Sprintf("KVN %02X %s", k.KeyVersion, k.Protocol)
}
