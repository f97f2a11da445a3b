package scp

import (
	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
)

// SCP02 "i" parameter bits handled by the wrapper.
const (
	scp02UnmodifiedAPDU byte = 0x02
	scp02ICVEncryption  byte = 0x10

	// DefaultSCP02Param is the usual "i" value: three keys, C-MAC on the
	// modified APDU, explicit initiation, ICV encryption.
	DefaultSCP02Param byte = 0x55
)

// scp02 implements secure messaging with 3DES session keys.
//
// The C-MAC is the retail MAC of the command header and plain data, chained
// from the previous C-MAC. With ICV encryption the chained value is first
// encrypted with single DES under the first half of the MAC key. Command data
// is encrypted after the MAC is computed, with a zero IV.
type scp02 struct {
	enc, mac, rmac []byte

	icv        []byte
	ricv       []byte
	encryptICV bool
	unmodified bool

	// lastCommand is the plain command covered by the next R-MAC.
	lastCommand []byte
}

func (s *scp02) wrap(cmd *iso7816.CommandAPDU, level SecurityLevel) (*iso7816.CommandAPDU, error) {
	if !level.Has(CMAC) {
		return cmd.Clone(), nil
	}

	cla, err := cmd.Class.Encode()
	if err != nil {
		return nil, err
	}
	smClass, err := cmd.Class.WithSecureMessaging()
	if err != nil {
		return nil, err
	}
	smCLA, _ := smClass.Encode()

	data := cmd.Data
	wrappedLen := len(data) + macLength
	if level.Has(CDEC) && len(data) > 0 {
		wrappedLen = len(pad80(data, 8)) + macLength
	}
	if wrappedLen > iso7816.MaxShortLc {
		return nil, errors.Errorf("SCP02 wrapped data of %d bytes exceeds %d", wrappedLen, iso7816.MaxShortLc)
	}

	ins := byte(cmd.Instruction.Raw)
	header := []byte{iso7816.ClearChannel(smCLA), ins, cmd.P1, cmd.P2, byte(len(data) + macLength)}
	if s.unmodified {
		header = []byte{iso7816.ClearChannel(cla), ins, cmd.P1, cmd.P2, byte(len(data))}
	}

	icv := zeroIV[:8]
	if s.icv != nil {
		icv = s.icv
		if s.encryptICV {
			if icv, err = encryptICV(s.mac, s.icv); err != nil {
				return nil, errors.Wrap(err, "encrypt ICV")
			}
		}
	}

	mac, err := retailMAC(s.mac, pad80(concat(header, data), 8), icv)
	if err != nil {
		return nil, errors.Wrap(err, "compute C-MAC")
	}
	s.icv = mac
	s.lastCommand = concat([]byte{cla, ins, cmd.P1, cmd.P2, byte(len(data))}, data)

	if level.Has(CDEC) && len(data) > 0 {
		if data, err = tdesCBCEncrypt(s.enc, zeroIV, pad80(data, 8)); err != nil {
			return nil, errors.Wrap(err, "encrypt command data")
		}
	}

	out := cmd.Clone()
	out.Class = smClass
	out.Data = concat(data, mac)
	return out, nil
}

func (s *scp02) unwrap(resp *iso7816.ResponseAPDU, level SecurityLevel) (*iso7816.ResponseAPDU, error) {
	if !level.Has(RMAC) || !carriesMAC(resp) {
		return resp, nil
	}

	body, received, err := splitMAC(resp)
	if err != nil {
		return nil, err
	}
	if len(body) > iso7816.MaxShortLe-1 {
		return nil, &IntegrityError{Reason: "SCP02 R-MAC covers at most 255 response bytes"}
	}

	input := concat(s.lastCommand, []byte{byte(len(body))}, body, []byte{resp.Status.SW1(), resp.Status.SW2()})
	icv := zeroIV[:8]
	if s.ricv != nil {
		icv = s.ricv
	}
	expected, err := retailMAC(s.rmac, pad80(input, 8), icv)
	if err != nil {
		return nil, errors.Wrap(err, "compute R-MAC")
	}
	if !equalMAC(expected, received) {
		return nil, &IntegrityError{Reason: "R-MAC mismatch", Expected: expected, Received: append([]byte{}, received...)}
	}

	s.ricv = append([]byte{}, received...)
	return &iso7816.ResponseAPDU{Data: append([]byte{}, body...), Status: resp.Status}, nil
}

// established starts the R-MAC chain from the C-MAC of EXTERNAL AUTHENTICATE.
func (s *scp02) established() {
	s.ricv = append([]byte{}, s.icv...)
}

func (s *scp02) zero() {
	for _, b := range [][]byte{s.enc, s.mac, s.rmac, s.icv, s.ricv, s.lastCommand} {
		wipe(b)
	}
	s.icv, s.ricv, s.lastCommand = nil, nil, nil
}
