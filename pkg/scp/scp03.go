package scp

import (
	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
)

// SCP03 "i" parameter bits.
const (
	scp03RMACSupport byte = 0x20
	scp03RENCSupport byte = 0x40
)

// scp03 implements secure messaging with AES session keys.
//
// Command data is encrypted first, under an IV derived from the encryption
// counter. The C-MAC is the AES-CMAC of the previous MAC chaining value and
// the wrapped command; its full 16 bytes become the next chaining value and
// the first 8 are sent.
type scp03 struct {
	enc, mac, rmac []byte

	chaining []byte
	counter  [16]byte
}

func (s *scp03) increment() {
	for i := len(s.counter) - 1; i >= 0; i-- {
		s.counter[i]++
		if s.counter[i] != 0 {
			return
		}
	}
}

func (s *scp03) wrap(cmd *iso7816.CommandAPDU, level SecurityLevel) (*iso7816.CommandAPDU, error) {
	if !level.Has(CMAC) {
		return cmd.Clone(), nil
	}

	smClass, err := cmd.Class.WithSecureMessaging()
	if err != nil {
		return nil, err
	}
	smCLA, _ := smClass.Encode()

	data := cmd.Data
	if level.Has(CDEC) {
		// The counter moves for every command, with or without data.
		s.increment()
		if len(data) > 0 {
			iv, err := aesEncryptBlock(s.enc, s.counter[:])
			if err != nil {
				return nil, err
			}
			if data, err = aesCBC(s.enc, iv, pad80(data, 16), true); err != nil {
				return nil, errors.Wrap(err, "encrypt command data")
			}
		}
	}

	lc := len(data) + macLength
	if lc > iso7816.MaxExtendedLc {
		return nil, errors.Errorf("SCP03 wrapped data of %d bytes exceeds %d", lc, iso7816.MaxExtendedLc)
	}
	header := []byte{iso7816.ClearChannel(smCLA), byte(cmd.Instruction.Raw), cmd.P1, cmd.P2}
	if lc > iso7816.MaxShortLc {
		header = append(header, 0x00, byte(lc>>8), byte(lc))
	} else {
		header = append(header, byte(lc))
	}

	full, err := aesCMAC(s.mac, concat(s.chaining, header, data))
	if err != nil {
		return nil, errors.Wrap(err, "compute C-MAC")
	}
	wipe(s.chaining)
	s.chaining = full

	out := cmd.Clone()
	out.Class = smClass
	out.Data = concat(data, full[:macLength])
	return out, nil
}

func (s *scp03) unwrap(resp *iso7816.ResponseAPDU, level SecurityLevel) (*iso7816.ResponseAPDU, error) {
	if !level.Has(RMAC) || !carriesMAC(resp) {
		return resp, nil
	}

	body, received, err := splitMAC(resp)
	if err != nil {
		return nil, err
	}

	full, err := aesCMAC(s.rmac, concat(s.chaining, body, []byte{resp.Status.SW1(), resp.Status.SW2()}))
	if err != nil {
		return nil, errors.Wrap(err, "compute R-MAC")
	}
	expected := full[:macLength]
	if !equalMAC(expected, received) {
		return nil, &IntegrityError{Reason: "R-MAC mismatch", Expected: expected, Received: append([]byte{}, received...)}
	}

	plain := append([]byte{}, body...)
	if level.Has(RENC) && len(plain) > 0 {
		if len(plain)%16 != 0 {
			return nil, &IntegrityError{Reason: "encrypted response is not block aligned"}
		}
		ctr := s.counter
		ctr[0] |= 0x80
		iv, err := aesEncryptBlock(s.enc, ctr[:])
		if err != nil {
			return nil, err
		}
		if plain, err = aesCBC(s.enc, iv, plain, false); err != nil {
			return nil, errors.Wrap(err, "decrypt response data")
		}
		if plain, err = unpad80(plain); err != nil {
			return nil, &IntegrityError{Reason: "decrypted response: " + err.Error()}
		}
	}

	return &iso7816.ResponseAPDU{Data: plain, Status: resp.Status}, nil
}

func (s *scp03) established() {}

func (s *scp03) zero() {
	for _, b := range [][]byte{s.enc, s.mac, s.rmac, s.chaining, s.counter[:]} {
		wipe(b)
	}
}
