// Package piv reads the data objects of a Personal Identity Verification card
// application (NIST SP 800-73-4) and verifies its PINs.
//
// Every exchange goes through an iso7816.Client, so chaining, GET RESPONSE
// and an installed secure channel apply transparently.
package piv

import (
	"errors"
	"fmt"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/gregLibert/card-edge/pkg/tlv"
	"go.uber.org/zap"
)

// AID is the PIV application identifier without version, matched as a prefix.
var AID = tlv.Hex("A0 00 00 03 08 00 00 10 00")

// TagDataObject wraps the value returned by GET DATA.
var TagDataObject = tlv.Tag{0x53}

// ErrObjectNotFound is returned when the card has no such data object.
var ErrObjectNotFound = errors.New("data object not found")

// Card runs PIV commands on a client.
type Card struct {
	client *iso7816.Client
	cls    iso7816.Class
	logger *zap.Logger
}

// NewCard uses the interindustry class on the basic channel.
func NewCard(client *iso7816.Client, logger *zap.Logger) *Card {
	if logger == nil {
		logger = zap.NewNop()
	}
	cls, _ := iso7816.NewClass(0x00)
	return &Card{client: client, cls: cls, logger: logger}
}

// Select selects the PIV application and parses its Application Property
// Template. The result carries the raw exchange for reporting.
func (c *Card) Select() (*ApplicationProperty, *iso7816.SelectResult, error) {
	res, err := c.client.Transceive(iso7816.SelectByAID(c.cls, AID))
	if err != nil {
		return nil, nil, fmt.Errorf("select PIV: %w", err)
	}

	sel, err := iso7816.NewSelectResult(res)
	if err != nil {
		return nil, nil, err
	}

	apt, err := ParseApplicationProperty(res.Data())
	if err != nil {
		return nil, sel, err
	}
	c.logger.Debug("PIV selected", zap.String("aid", fmt.Sprintf("%X", apt.AID)))
	return apt, sel, nil
}

// GetObject reads the data object tag and returns the content of its '53'
// wrapper, padding removed. The Discovery Object carries its own '7E' tag and
// is returned whole. The exchange is returned whenever one took place, for
// reporting.
func (c *Card) GetObject(tag tlv.Tag) ([]byte, *iso7816.GetDataResult, error) {
	res, err := c.client.Transceive(iso7816.GetDataBER(c.cls, iso7816.CurrentDF, tag))

	var report *iso7816.GetDataResult
	if res != nil {
		report, _ = iso7816.NewGetDataResult(res)
	}

	if err != nil {
		var se *iso7816.StatusError
		if errors.As(err, &se) && se.Status == iso7816.SW_ERR_FILE_NOT_FOUND {
			return nil, report, fmt.Errorf("%w: %s", ErrObjectNotFound, tag)
		}
		return nil, report, fmt.Errorf("get data %s: %w", tag, err)
	}

	if tag.Equal(TagDiscovery) {
		return res.Data(), report, nil
	}

	value, err := tlv.GetValue(tlv.TrimPadding(res.Data()), TagDataObject)
	if err != nil {
		return nil, report, fmt.Errorf("object %s: %w", tag, err)
	}

	c.logger.Debug("data object read", zap.Stringer("tag", tag), zap.Int("length", len(value)))
	return value, report, nil
}

// Discovery reads the Discovery Object.
func (c *Card) Discovery() (*Discovery, error) {
	value, _, err := c.GetObject(TagDiscovery)
	if err != nil {
		return nil, err
	}
	return ParseDiscovery(value)
}

// CHUID reads the Card Holder Unique Identifier.
func (c *Card) CHUID() (*CHUID, error) {
	value, _, err := c.GetObject(TagCHUID)
	if err != nil {
		return nil, err
	}
	return ParseCHUID(value)
}

// CCC reads the Card Capability Container.
func (c *Card) CCC() (*CCC, error) {
	value, _, err := c.GetObject(TagCCC)
	if err != nil {
		return nil, err
	}
	return ParseCCC(value)
}

// Certificate reads the certificate container of a key slot.
func (c *Card) Certificate(slot Slot) (*CertificateContainer, error) {
	value, _, err := c.GetObject(slot.Object)
	if err != nil {
		return nil, err
	}
	return ParseCertificateContainer(value)
}
