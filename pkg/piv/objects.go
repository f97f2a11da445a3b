package piv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
)

// Data object tags of SP 800-73-4 Part 1, Table 3.
var (
	TagDiscovery          = tlv.Tag{0x7E}
	TagCHUID              = tlv.MustTag("5FC102")
	TagCCC                = tlv.MustTag("5FC107")
	TagCertPIVAuth        = tlv.MustTag("5FC105")
	TagCertSignature      = tlv.MustTag("5FC10A")
	TagCertKeyManagement  = tlv.MustTag("5FC10B")
	TagCertCardAuth       = tlv.MustTag("5FC101")
	TagSecurityObject     = tlv.MustTag("5FC106")
	TagPrintedInformation = tlv.MustTag("5FC109")
	TagFacialImage        = tlv.MustTag("5FC108")
	TagFingerprints       = tlv.MustTag("5FC103")
	TagKeyHistory         = tlv.MustTag("5FC10C")
)

// Object describes a readable data object.
type Object struct {
	Name string
	Tag  tlv.Tag
	// PINProtected objects need a verified PIN before GET DATA succeeds.
	PINProtected bool
}

func (o Object) String() string {
	return fmt.Sprintf("%s (%s)", o.Name, o.Tag)
}

// Objects lists the data objects the tool knows by name.
var Objects = []Object{
	{Name: "discovery", Tag: TagDiscovery},
	{Name: "chuid", Tag: TagCHUID},
	{Name: "ccc", Tag: TagCCC},
	{Name: "cert-piv-auth", Tag: TagCertPIVAuth},
	{Name: "cert-signature", Tag: TagCertSignature},
	{Name: "cert-key-management", Tag: TagCertKeyManagement},
	{Name: "cert-card-auth", Tag: TagCertCardAuth},
	{Name: "security-object", Tag: TagSecurityObject},
	{Name: "printed-information", Tag: TagPrintedInformation, PINProtected: true},
	{Name: "facial-image", Tag: TagFacialImage, PINProtected: true},
	{Name: "fingerprints", Tag: TagFingerprints, PINProtected: true},
	{Name: "key-history", Tag: TagKeyHistory},
}

// LookupObject resolves a name from Objects or a hexadecimal tag such as
// "5FC102". Unknown hexadecimal tags are accepted as anonymous objects.
func LookupObject(s string) (Object, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, o := range Objects {
		if o.Name == name {
			return o, nil
		}
	}

	tag, err := tlv.ParseTag(s)
	if err != nil {
		return Object{}, fmt.Errorf("unknown object %q (known: %s)", s, strings.Join(ObjectNames(), ", "))
	}
	for _, o := range Objects {
		if o.Tag.Equal(tag) {
			return o, nil
		}
	}
	return Object{Name: tag.String(), Tag: tag}, nil
}

// ObjectNames returns the known object names, sorted.
func ObjectNames() []string {
	names := make([]string, 0, len(Objects))
	for _, o := range Objects {
		names = append(names, o.Name)
	}
	sort.Strings(names)
	return names
}

// Slot is an asymmetric key slot with its certificate object.
type Slot struct {
	Name   string
	Key    byte
	Object tlv.Tag
}

// Key slots of SP 800-73-4 Part 1, Table 4b.
var (
	SlotAuthentication     = Slot{Name: "authentication", Key: 0x9A, Object: TagCertPIVAuth}
	SlotSignature          = Slot{Name: "signature", Key: 0x9C, Object: TagCertSignature}
	SlotKeyManagement      = Slot{Name: "key-management", Key: 0x9D, Object: TagCertKeyManagement}
	SlotCardAuthentication = Slot{Name: "card-authentication", Key: 0x9E, Object: TagCertCardAuth}
)

// Slots lists the slots in key reference order.
var Slots = []Slot{SlotAuthentication, SlotSignature, SlotKeyManagement, SlotCardAuthentication}

// LookupSlot resolves a slot by name or by key reference ("9a").
func LookupSlot(s string) (Slot, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, slot := range Slots {
		if slot.Name == name || fmt.Sprintf("%02x", slot.Key) == name {
			return slot, nil
		}
	}
	return Slot{}, fmt.Errorf("unknown slot %q", s)
}
