package iso7816

import (
	"fmt"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// SELECT answers with one of three templates, picked by P2 b4-b3:
//
//	'6F' FCI, a wrapper around '62' and/or '64' or a flat list of their tags
//	'62' FCP, technical attributes (mandatory when FCP was asked for)
//	'64' FMD, administrative data (mandatory when FMD was asked for)
//
// A GlobalPlatform security domain answers with '6F' holding '84' and a
// proprietary template 'A5'.

// FileParameters is the FCP template '62'.
type FileParameters struct {
	DataSize        []byte `tlv:"80" fmt:"int"`
	FileSize        []byte `tlv:"81" fmt:"int"`
	Descriptor      []byte `tlv:"82"`
	FileID          []byte `tlv:"83"`
	DFName          []byte `tlv:"84" fmt:"ascii"`
	Proprietary85   []byte `tlv:"85"`
	SecAttrProp     []byte `tlv:"86"`
	FCIExtension    []byte `tlv:"87"`
	SFI             []byte `tlv:"88"`
	LCS             []byte `tlv:"8A"`
	SecAttrRef      []byte `tlv:"8B"`
	SecAttrCompact  []byte `tlv:"8C"`
	SETemplateID    []byte `tlv:"8D"`
	ChannelSecurity []byte `tlv:"8E"`
	SecAttrData     []byte `tlv:"A0"`
	SecAttrPropA1   []byte `tlv:"A1"`
	DataObjectPairs []byte `tlv:"A2"`
	Proprietary     []byte `tlv:"A5"`
	SecAttrExpanded []byte `tlv:"AB"`
	CryptoMechanism []byte `tlv:"AC"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// FileManagement is the FMD template '64'.
type FileManagement struct {
	AID             []byte `tlv:"84" fmt:"ascii"`
	Label           []byte `tlv:"50" fmt:"ascii"`
	Discretionary53 []byte `tlv:"53"`
	Discretionary73 []byte `tlv:"73"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// FileControlInfo is a decoded SELECT answer. FCP and FMD are always set
// once something was parsed; Unknown only fills up for a flat '6F' whose
// tags belong to neither template. Proprietary holds an answer that is not
// BER-TLV at all.
type FileControlInfo struct {
	FCP *FileParameters
	FMD *FileManagement

	Unknown     []tlv.Record
	Proprietary []byte
}

// AID returns the DF name, from FCP first and FMD otherwise.
func (fci *FileControlInfo) AID() []byte {
	switch {
	case fci.FCP != nil && len(fci.FCP.DFName) > 0:
		return fci.FCP.DFName
	case fci.FMD != nil:
		return fci.FMD.AID
	}
	return nil
}

// Label returns the application label '50'.
func (fci *FileControlInfo) Label() []byte {
	if fci.FMD == nil {
		return nil
	}
	return fci.FMD.Label
}

// ParseSelectData decodes a SELECT data field according to the response
// type requested in p2. It returns nil, nil when there is nothing to decode.
func ParseSelectData(data []byte, p2 byte) (*FileControlInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// '11' in b8-b7 of the first byte is outside the interindustry range.
	if data[0]&0xC0 == 0xC0 {
		return &FileControlInfo{Proprietary: data}, nil
	}

	records, err := tlv.Decode(tlv.TrimPadding(data))
	if err != nil {
		return nil, fmt.Errorf("select data: %w", err)
	}

	fci := &FileControlInfo{FCP: &FileParameters{}, FMD: &FileManagement{}}
	ctrl, _ := SplitSelectP2(p2)
	switch ctrl {
	case ReturnFCI:
		err = fci.parseFCI(records)
	case ReturnFCP:
		err = requireTemplate(records, tagFCP, fci.FCP)
	case ReturnFMD:
		err = requireTemplate(records, tagFMD, fci.FMD)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fci, nil
}

func (fci *FileControlInfo) parseFCI(records []tlv.Record) error {
	if wrapper, ok := tlv.Find(records, tagFCI); ok {
		children, err := wrapper.Children()
		if err != nil {
			return fmt.Errorf("FCI template: %w", err)
		}
		records = children
	}

	hasFCP, err := decodeTemplate(records, tagFCP, fci.FCP)
	if err != nil {
		return err
	}
	hasFMD, err := decodeTemplate(records, tagFMD, fci.FMD)
	if err != nil {
		return err
	}
	if hasFCP || hasFMD {
		return nil
	}

	// Flat list: FCP claims what it knows, FMD takes from the rest, and
	// whatever neither knows stays on the FCI.
	if err := tlv.UnmarshalRecords(records, fci.FCP); err != nil {
		return fmt.Errorf("flat FCI: %w", err)
	}
	rest := fci.FCP.Unknown
	fci.FCP.Unknown = nil
	if err := tlv.UnmarshalRecords(rest, fci.FMD); err != nil {
		return fmt.Errorf("flat FCI: %w", err)
	}
	fci.Unknown, fci.FMD.Unknown = fci.FMD.Unknown, nil
	return nil
}

// SecurityDomainData is the GlobalPlatform content of proprietary template 'A5'.
type SecurityDomainData struct {
	ManagementData     []byte `tlv:"73"`
	LifeCycleData      []byte `tlv:"9F6E"`
	MaxCommandData     []byte `tlv:"9F65" fmt:"int"`
	ApplicationCapable []byte `tlv:"9F6D"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// SecurityDomain decodes template 'A5', or returns nil when it is absent.
func (fci *FileControlInfo) SecurityDomain() (*SecurityDomainData, error) {
	if fci == nil || fci.FCP == nil || len(fci.FCP.Proprietary) == 0 {
		return nil, nil
	}
	sd := &SecurityDomainData{}
	if err := tlv.Unmarshal(fci.FCP.Proprietary, sd); err != nil {
		return nil, fmt.Errorf("security domain template: %w", err)
	}
	return sd, nil
}

// MaxCommandLength returns '9F65', the largest command data field the
// security domain accepts.
func (sd *SecurityDomainData) MaxCommandLength() (int, bool) {
	if sd == nil || len(sd.MaxCommandData) == 0 || len(sd.MaxCommandData) > 2 {
		return 0, false
	}
	n := 0
	for _, b := range sd.MaxCommandData {
		n = n<<8 | int(b)
	}
	return n, true
}

var (
	tagFCI = tlv.Tag{0x6F}
	tagFCP = tlv.Tag{0x62}
	tagFMD = tlv.Tag{0x64}
)

func requireTemplate(records []tlv.Record, tag tlv.Tag, target interface{}) error {
	ok, err := decodeTemplate(records, tag, target)
	if err == nil && !ok {
		err = fmt.Errorf("mandatory template %s missing", tag)
	}
	return err
}

func decodeTemplate(records []tlv.Record, tag tlv.Tag, target interface{}) (bool, error) {
	rec, ok := tlv.Find(records, tag)
	if !ok {
		return false, nil
	}
	if err := tlv.Unmarshal(rec.Value, target); err != nil {
		return false, fmt.Errorf("template %s: %w", tag, err)
	}
	return true, nil
}
