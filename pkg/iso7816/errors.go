package iso7816

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation reports a card that broke the continuation rules,
	// such as a second '6CXX' or an endless '61XX' sequence.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrUnrecognizedStatus is matched by every *StatusError.
	ErrUnrecognizedStatus = errors.New("unrecognized status word")
)

// TransportError wraps a failure of the underlying Transmitter, or a reply
// too short to carry a status word.
type TransportError struct {
	Command []byte
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error sending %X: %v", e.Command, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is returned when a command ends with a status word that is
// neither 9000 nor part of the caller's allow-list.
type StatusError struct {
	Status  StatusWord
	Outcome Outcome
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card returned %s (%s)", e.Status.Verbose(), e.Outcome)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnrecognizedStatus
}

func protocolViolation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
