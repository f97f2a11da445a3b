package scp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Algorithm is the block cipher a key is used with.
type Algorithm int

const (
	TDES Algorithm = iota + 1
	AES
)

func (a Algorithm) String() string {
	switch a {
	case TDES:
		return "3DES"
	case AES:
		return "AES"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// StaticKeys is a card key set as stored on the card under a key version number.
type StaticKeys struct {
	Version byte
	ENC     []byte
	MAC     []byte
	DEK     []byte
}

// NewStaticKeys builds a key set where ENC, MAC and DEK share one base key,
// as done by test cards with the well-known 40..4F key.
func NewStaticKeys(version byte, key []byte) StaticKeys {
	return StaticKeys{
		Version: version,
		ENC:     append([]byte{}, key...),
		MAC:     append([]byte{}, key...),
		DEK:     append([]byte{}, key...),
	}
}

// check verifies that the key lengths suit the protocol.
func (k StaticKeys) check(v Version) error {
	for _, key := range []struct {
		name  string
		value []byte
	}{{"ENC", k.ENC}, {"MAC", k.MAC}, {"DEK", k.DEK}} {
		n := len(key.value)
		switch v {
		case SCP02:
			if n != 16 {
				return errors.Errorf("%s key: %s requires a 16 byte 3DES key, got %d bytes", key.name, v, n)
			}
		case SCP03:
			if n != 16 && n != 24 && n != 32 {
				return errors.Errorf("%s key: %s requires a 16, 24 or 32 byte AES key, got %d bytes", key.name, v, n)
			}
		default:
			return errors.Errorf("unsupported secure channel version %s", v)
		}
	}
	return nil
}

func (k *StaticKeys) zero() {
	wipe(k.ENC)
	wipe(k.MAC)
	wipe(k.DEK)
}

// SessionKey is a key derived for a single secure channel session.
type SessionKey struct {
	Purpose   KeyPurpose
	Algorithm Algorithm
	Value     []byte
}

func (k SessionKey) String() string {
	// Key values never reach logs or reports.
	return fmt.Sprintf("%s %s key (%d bytes)", k.Algorithm, k.Purpose, len(k.Value))
}
