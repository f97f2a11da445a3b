package scp

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Diversification selects how card keys are derived from a master key set.
// The diversification data is the first 10 bytes of the INITIALIZE UPDATE
// response.
type Diversification int

const (
	DiversifyNone Diversification = iota
	DiversifyVISA2
	DiversifyEMV
)

// DiversificationDataLength is the size of the key diversification data.
const DiversificationDataLength = 10

func (d Diversification) String() string {
	switch d {
	case DiversifyNone:
		return "none"
	case DiversifyVISA2:
		return "visa2"
	case DiversifyEMV:
		return "emv"
	default:
		return fmt.Sprintf("Diversification(%d)", int(d))
	}
}

// ParseDiversification maps "none", "visa2" and "emv" (any case) to a method.
func ParseDiversification(s string) (Diversification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DiversifyNone, nil
	case "visa2", "visa":
		return DiversifyVISA2, nil
	case "emv", "emvcps":
		return DiversifyEMV, nil
	default:
		return 0, errors.Errorf("unknown key diversification %q", s)
	}
}

// diversify derives the card key for keyID (1 ENC, 2 MAC, 3 DEK) from a 3DES
// master key.
func diversify(method Diversification, master []byte, keyID byte, divData []byte) ([]byte, error) {
	if method == DiversifyNone {
		return append([]byte{}, master...), nil
	}
	if len(divData) < DiversificationDataLength {
		return nil, errors.Errorf("diversification data must be %d bytes long, got %d", DiversificationDataLength, len(divData))
	}

	data := make([]byte, 0, 16)
	switch method {
	case DiversifyVISA2:
		// CSN || IC serial number, taken from bytes 0-1 and 4-7.
		data = append(data, divData[0:2]...)
		data = append(data, divData[4:8]...)
		data = append(data, 0xF0, keyID)
		data = append(data, divData[0:2]...)
		data = append(data, divData[4:8]...)
		data = append(data, 0x0F, keyID)
	case DiversifyEMV:
		data = append(data, divData[4:10]...)
		data = append(data, 0xF0, keyID)
		data = append(data, divData[4:10]...)
		data = append(data, 0x0F, keyID)
	default:
		return nil, errors.Errorf("unsupported diversification %s", method)
	}

	return tdesECBEncrypt(master, data)
}
