package scp

import (
	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
)

// macLength is the size of C-MAC and R-MAC for both protocols.
const macLength = 8

// engine applies one protocol's secure messaging with derived session keys.
type engine interface {
	wrap(cmd *iso7816.CommandAPDU, level SecurityLevel) (*iso7816.CommandAPDU, error)
	unwrap(resp *iso7816.ResponseAPDU, level SecurityLevel) (*iso7816.ResponseAPDU, error)
	// established is called once EXTERNAL AUTHENTICATE succeeded.
	established()
	zero()
}

// carriesMAC reports whether the card appends an R-MAC to resp. Errors other
// than warnings come back bare when they carry no data.
func carriesMAC(resp *iso7816.ResponseAPDU) bool {
	if len(resp.Data) > 0 {
		return true
	}
	sw1 := resp.Status.SW1()
	return resp.Status == iso7816.SW_NO_ERROR || sw1 == 0x62 || sw1 == 0x63
}

func splitMAC(resp *iso7816.ResponseAPDU) (body, mac []byte, err error) {
	n := len(resp.Data)
	if n < macLength {
		return nil, nil, &IntegrityError{Reason: "response shorter than its R-MAC"}
	}
	return resp.Data[:n-macLength], resp.Data[n-macLength:], nil
}

func sessionKey(p *KeyProvider, purpose KeyPurpose) ([]byte, error) {
	key, err := p.KeyFor(purpose)
	if err != nil {
		return nil, err
	}
	return key.Value, nil
}

func newEngine(p *KeyProvider, param byte) (engine, error) {
	enc, err := sessionKey(p, PurposeENC)
	if err != nil {
		return nil, err
	}
	mac, err := sessionKey(p, PurposeMAC)
	if err != nil {
		return nil, err
	}
	rmac, err := sessionKey(p, PurposeRMAC)
	if err != nil {
		return nil, err
	}

	switch v := p.Version(); v {
	case SCP02:
		return &scp02{
			enc:        enc,
			mac:        mac,
			rmac:       rmac,
			encryptICV: param&scp02ICVEncryption != 0,
			unmodified: param&scp02UnmodifiedAPDU != 0,
		}, nil
	case SCP03:
		return &scp03{
			enc:      enc,
			mac:      mac,
			rmac:     rmac,
			chaining: make([]byte, 16),
		}, nil
	default:
		return nil, errors.Errorf("unsupported secure channel version %s", v)
	}
}
