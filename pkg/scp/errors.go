package scp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrKeyDerivation is matched by every *KeyDerivationError.
	ErrKeyDerivation = errors.New("scp: key derivation failed")

	// ErrNoSessionKey is returned when a session key is requested before derivation completed.
	ErrNoSessionKey = errors.New("scp: no session key")

	// ErrChannelNotEstablished is returned by Wrap and Unwrap when a security
	// level was requested but the channel is not in the wrapped state.
	ErrChannelNotEstablished = errors.New("scp: secure channel not established")

	// ErrResponseIntegrity is matched by every *IntegrityError.
	ErrResponseIntegrity = errors.New("scp: response integrity check failed")

	// ErrCardCryptogram is matched by every *CryptogramError.
	ErrCardCryptogram = errors.New("scp: card cryptogram mismatch")
)

// KeyDerivationError results from an error during the derivation of session keys.
type KeyDerivationError struct {
	Message string
	Cause   error
}

func (e *KeyDerivationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scp: key derivation failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("scp: key derivation failed: %s", e.Message)
}

func (e *KeyDerivationError) Is(target error) bool {
	return target == ErrKeyDerivation
}

func (e *KeyDerivationError) Unwrap() error {
	return e.Cause
}

func derivationError(cause error, format string, args ...interface{}) error {
	return &KeyDerivationError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IntegrityError results from a response that failed R-MAC verification or
// could not be decrypted. The response content must not be used.
type IntegrityError struct {
	Reason   string
	Expected []byte
	Received []byte
}

func (e *IntegrityError) Error() string {
	if e.Expected != nil {
		return fmt.Sprintf("scp: response integrity check failed: %s: expected %X received %X", e.Reason, e.Expected, e.Received)
	}
	return fmt.Sprintf("scp: response integrity check failed: %s", e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrResponseIntegrity
}

// CryptogramError results from a mismatch between the card cryptogram
// calculated on host and the one received from the card.
type CryptogramError struct {
	Expected []byte
	Received []byte
}

func (e *CryptogramError) Error() string {
	return fmt.Sprintf("scp: invalid card cryptogram: expected %X received %X", e.Expected, e.Received)
}

func (e *CryptogramError) Is(target error) bool {
	return target == ErrCardCryptogram
}
