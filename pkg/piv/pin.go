package piv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"go.uber.org/zap"
)

// PINReference is the key reference of a PIN or of the PUK.
type PINReference byte

const (
	PINGlobal      PINReference = 0x00
	PINApplication PINReference = 0x80
	PUK            PINReference = 0x81
)

var pinNames = map[PINReference]string{
	PINGlobal:      "global PIN",
	PINApplication: "PIV PIN",
	PUK:            "PUK",
}

func (r PINReference) String() string {
	if name, ok := pinNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reference %02X", byte(r))
}

// ParsePINReference accepts "pin", "global", "puk" or a hexadecimal reference.
func ParsePINReference(s string) (PINReference, error) {
	switch s {
	case "pin", "piv", "80":
		return PINApplication, nil
	case "global", "00":
		return PINGlobal, nil
	case "puk", "81":
		return PUK, nil
	}
	return 0, fmt.Errorf("unknown PIN reference %q", s)
}

const (
	pinLength    = 8
	pinMinLength = 6
	pinPadding   = 0xFF
)

// ErrPINFormat is returned before anything is sent when the PIN cannot be
// presented.
var ErrPINFormat = errors.New("invalid PIN format")

// PINError reports a rejected PIN or a blocked reference.
type PINError struct {
	Reference PINReference
	Status    iso7816.StatusWord
	// Remaining is the number of tries left, when the card told it.
	Remaining int
	Blocked   bool
}

func (e *PINError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("%s is blocked", e.Reference)
	}
	return fmt.Sprintf("%s rejected, %d tries remaining", e.Reference, e.Remaining)
}

// PINStatus is the verification state of a reference.
type PINStatus struct {
	Verified  bool
	Remaining int
	Blocked   bool
}

func (s PINStatus) String() string {
	switch {
	case s.Verified:
		return "verified"
	case s.Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("%d tries remaining", s.Remaining)
	}
}

// encodePIN pads pin with 'FF' to eight bytes. PINs must be six to eight
// ASCII digits, the PUK any eight bytes.
func encodePIN(ref PINReference, pin []byte) ([]byte, error) {
	if len(pin) > pinLength {
		return nil, fmt.Errorf("%w: %s longer than %d bytes", ErrPINFormat, ref, pinLength)
	}
	if ref == PUK {
		if len(pin) != pinLength {
			return nil, fmt.Errorf("%w: PUK must be %d bytes", ErrPINFormat, pinLength)
		}
		return append([]byte{}, pin...), nil
	}

	if len(pin) < pinMinLength {
		return nil, fmt.Errorf("%w: %s shorter than %d digits", ErrPINFormat, ref, pinMinLength)
	}
	for _, b := range pin {
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: %s must be numeric", ErrPINFormat, ref)
		}
	}
	return append(append([]byte{}, pin...), bytes.Repeat([]byte{pinPadding}, pinLength-len(pin))...), nil
}

// VerifyPIN presents pin for ref. A wrong PIN returns a *PINError carrying the
// remaining tries.
func (c *Card) VerifyPIN(ref PINReference, pin []byte) error {
	data, err := encodePIN(ref, pin)
	if err != nil {
		return err
	}
	defer wipe(data)

	res, err := c.client.Transceive(iso7816.Verify(c.cls, byte(ref), data), retryStatuses()...)
	if err != nil {
		return fmt.Errorf("verify %s: %w", ref, err)
	}

	status := pinStatus(res.Response.Status)
	c.logger.Debug("PIN verification", zap.Stringer("reference", ref), zap.Stringer("state", status))
	if status.Verified {
		return nil
	}
	return &PINError{Reference: ref, Status: res.Response.Status, Remaining: status.Remaining, Blocked: status.Blocked}
}

// PINStatus queries the verification state of ref without presenting a PIN.
func (c *Card) PINStatus(ref PINReference) (PINStatus, error) {
	res, err := c.client.Transceive(iso7816.VerifyStatus(c.cls, byte(ref)), retryStatuses()...)
	if err != nil {
		return PINStatus{}, fmt.Errorf("verify %s status: %w", ref, err)
	}
	return pinStatus(res.Response.Status), nil
}

func retryStatuses() []iso7816.StatusWord {
	allowed := []iso7816.StatusWord{iso7816.SW_ERR_AUTH_METHOD_BLOCKED}
	for n := 0; n <= 0x0F; n++ {
		allowed = append(allowed, iso7816.SW_WARN_COUNTER_0+iso7816.StatusWord(n))
	}
	return allowed
}

func pinStatus(sw iso7816.StatusWord) PINStatus {
	switch {
	case sw == iso7816.SW_NO_ERROR:
		return PINStatus{Verified: true}
	case sw == iso7816.SW_ERR_AUTH_METHOD_BLOCKED:
		return PINStatus{Blocked: true}
	default:
		remaining, _ := sw.Counter()
		return PINStatus{Remaining: remaining, Blocked: remaining == 0}
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
