package iso7816

import (
	"fmt"

	"github.com/gregLibert/card-edge/pkg/bits"
)

// CLA layout (ISO/IEC 7816-4 §5.4.1, GlobalPlatform Card Spec §11.1.4):
//
//	b8     0 = interindustry, 1 = proprietary
//	b7     0 = first range (channels 0-3), 1 = further range (channels 4-19)
//	b5     command chaining, shared by every class including '8X'/'9X'
//
//	first range   b4-b3 secure messaging (4 states), b2-b1 channel
//	further range b6 secure messaging (on/off), b4-b1 channel - 4
//
// GlobalPlatform reuses the same layout with b8 set: '80'-'83' and 'C0'-'CF'
// address the channels, '84' and 'E0' carry secure messaging.

// SecureMessaging defines the security level applied to the APDU.
type SecureMessaging int

const (
	// SMNone indicates no secure messaging or no indication given.
	SMNone SecureMessaging = iota
	// SMProprietary is the first-range proprietary format. GlobalPlatform
	// secure channels use this indication ('84').
	SMProprietary
	// SMHeaderNoProc is ISO secure messaging with the header not processed.
	SMHeaderNoProc
	// SMHeaderAuth is ISO secure messaging with an authenticated header.
	SMHeaderAuth
)

var smNames = map[SecureMessaging]string{
	SMNone:         "None",
	SMProprietary:  "Proprietary",
	SMHeaderNoProc: "ISO (Header not processed)",
	SMHeaderAuth:   "ISO (Header authenticated)",
}

func (sm SecureMessaging) String() string {
	if name, ok := smNames[sm]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", int(sm))
}

// MaxChannel is the highest logical channel a CLA byte can address.
const MaxChannel = 19

// Class represents the parsed CLA byte.
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8
}

func further(cla byte) bool { return bits.IsSet(cla, 7) }

// NewClass decodes a raw CLA byte. Proprietary classes are decoded with the
// interindustry layout, which is how GlobalPlatform codes them.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA value: 0xFF is reserved")
	}

	c := Class{
		Raw:           cla,
		IsProprietary: bits.IsSet(cla, 8),
		IsChained:     bits.IsSet(cla, 5),
	}

	if further(cla) {
		c.Channel = bits.GetRange(cla, 4, 1) + 4
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		return c, nil
	}

	c.Channel = bits.GetRange(cla, 2, 1)
	c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
	return c, nil
}

func checkChannel(channel uint8) error {
	if channel > MaxChannel {
		return fmt.Errorf("channel %d out of range (max %d)", channel, MaxChannel)
	}
	return nil
}

// NewInterindustryClass builds an interindustry CLA. The first or further
// range is picked from the channel number.
func NewInterindustryClass(isChained bool, sm SecureMessaging, channel uint8) (Class, error) {
	if err := checkChannel(channel); err != nil {
		return Class{}, err
	}
	if channel >= 4 && (sm == SMProprietary || sm == SMHeaderAuth) {
		return Class{}, fmt.Errorf("SM indicator %d not supported for further interindustry range (ch 4-19)", sm)
	}

	c := Class{IsChained: isChained, SecureMessaging: sm, Channel: channel}
	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	c.Raw = raw
	return c, nil
}

// NewProprietaryClass returns the GlobalPlatform class for a logical channel:
// '80'-'83' for channels 0-3 and 'C0'-'CF' for 4-19.
func NewProprietaryClass(channel uint8) (Class, error) {
	if err := checkChannel(channel); err != nil {
		return Class{}, err
	}
	if channel <= 3 {
		return NewClass(0x80 | channel)
	}
	return NewClass(0xC0 | (channel - 4))
}

// Encode converts the Class back to its byte representation. Proprietary
// classes keep their raw coding apart from the chaining bit.
func (c *Class) Encode() (byte, error) {
	if c.IsProprietary {
		return bits.Assign(c.Raw, 5, c.IsChained), nil
	}
	if err := checkChannel(c.Channel); err != nil {
		return 0, err
	}

	var res byte
	res = bits.Assign(res, 5, c.IsChained)
	if c.Channel <= 3 {
		res |= byte(c.SecureMessaging) << 2
		return res | c.Channel, nil
	}

	res = bits.Set(res, 7)
	res = bits.Assign(res, 6, c.SecureMessaging != SMNone)
	return res | (c.Channel - 4), nil
}

// WithChaining returns a copy of the class with the chaining bit set or cleared.
func (c Class) WithChaining(on bool) Class {
	c.IsChained = on
	c.Raw = bits.Assign(c.Raw, 5, on)
	return c
}

// WithSecureMessaging returns a copy of the class with the secure messaging
// indication raised: b3 in the first range, b6 in the further range.
func (c Class) WithSecureMessaging() (Class, error) {
	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	if further(raw) {
		raw = bits.Set(raw, 6)
	} else {
		raw = bits.Set(raw, 3)
	}
	return NewClass(raw)
}

// ClearChannel strips the logical channel number from a CLA byte, as it
// enters a secure channel MAC.
func ClearChannel(raw byte) byte {
	if further(raw) {
		return raw &^ 0x0F
	}
	return raw &^ 0x03
}

// Verbose returns a human-readable description of the CLA byte configuration.
func (c Class) Verbose() string {
	kind := "Interindustry"
	if c.IsProprietary {
		kind = fmt.Sprintf("Proprietary (0x%02X)", c.Raw)
	}

	rangeName := "First (Ch 0-3)"
	if further(c.Raw) || (!c.IsProprietary && c.Channel >= 4) {
		rangeName = "Further (Ch 4-19)"
	}

	chaining := "Last or only command"
	if c.IsChained {
		chaining = "More commands follow (Chaining)"
	}

	return fmt.Sprintf(
		"Class: %s\nRange: %s\nChaining: %s\nSecure Messaging: %s\nLogical Channel: %d",
		kind, rangeName, chaining, c.SecureMessaging, c.Channel,
	)
}
