// Package pcsc connects to smart cards through the PC/SC service and exposes
// the connection as an iso7816.Transmitter.
//
// A Card is also a sync.Locker: iso7816.Client holds the lock, and with it a
// PC/SC transaction, for every physical exchange of one logical command.
package pcsc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"go.uber.org/zap"
)

// ErrNoReader is returned when no reader matches the selection.
var ErrNoReader = errors.New("no smart card reader found")

// DefaultMaxPayload is the command data capacity of one short APDU.
const DefaultMaxPayload = 255

// card is the part of *scard.Card in use.
type card interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	BeginTransaction() error
	EndTransaction(d scard.Disposition) error
	Disconnect(d scard.Disposition) error
}

type releaser interface {
	Release() error
}

// Options selects and configures the reader connection.
type Options struct {
	// Name selects the first reader whose name contains it, ignoring case.
	// It takes precedence over Index.
	Name  string
	Index int
	// Exclusive asks PC/SC for an exclusive share mode.
	Exclusive bool
	// MaxPayload overrides DefaultMaxPayload, e.g. for readers with extended
	// length support.
	MaxPayload int
	Logger     *zap.Logger
}

// Card is a connected card. Use Close to disconnect and release the context.
type Card struct {
	mu sync.Mutex

	reader     string
	card       card
	ctx        releaser
	atr        []byte
	maxPayload int
	logger     *zap.Logger

	// txErr is the BeginTransaction failure of the current lock holder.
	txErr error
}

// ListReaders returns the names of the readers known to the PC/SC service.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return readers, nil
}

// Connect establishes a PC/SC context and connects to the selected reader
// with T=0 or T=1.
func Connect(opts Options) (*Card, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("list readers: %w", err)
	}

	reader, err := SelectReader(readers, opts.Name, opts.Index)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}

	share := scard.ShareShared
	if opts.Exclusive {
		share = scard.ShareExclusive
	}
	// Forcing T=0 or T=1 avoids "Parameter Incorrect" on some readers.
	sc, err := ctx.Connect(reader, share, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("connect to %q: %w", reader, err)
	}

	c, err := newCard(reader, sc, ctx, opts)
	if err != nil {
		_ = sc.Disconnect(scard.LeaveCard)
		_ = ctx.Release()
		return nil, err
	}
	return c, nil
}

func newCard(reader string, sc card, ctx releaser, opts Options) (*Card, error) {
	status, err := sc.Status()
	if err != nil {
		return nil, fmt.Errorf("card status on %q: %w", reader, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	c := &Card{
		reader:     reader,
		card:       sc,
		ctx:        ctx,
		atr:        append([]byte{}, status.Atr...),
		maxPayload: maxPayload,
		logger:     logger.With(zap.String("reader", reader)),
	}
	c.logger.Info("card connected", zap.String("atr", fmt.Sprintf("%X", c.atr)))
	return c, nil
}

// SelectReader picks a reader by name fragment, or by index when name is empty.
func SelectReader(readers []string, name string, index int) (string, error) {
	if len(readers) == 0 {
		return "", ErrNoReader
	}

	if name != "" {
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r), strings.ToLower(name)) {
				return r, nil
			}
		}
		return "", fmt.Errorf("%w matching %q", ErrNoReader, name)
	}

	if index < 0 || index >= len(readers) {
		return "", fmt.Errorf("reader index %d out of range (0..%d)", index, len(readers)-1)
	}
	return readers[index], nil
}

// Reader is the name of the connected reader.
func (c *Card) Reader() string {
	return c.reader
}

// ATR is the Answer To Reset read at connection time.
func (c *Card) ATR() []byte {
	return append([]byte{}, c.atr...)
}

// MaxPayload implements iso7816.PayloadSizer.
func (c *Card) MaxPayload() int {
	return c.maxPayload
}

// Transmit sends one APDU. It does not take the lock: callers issuing
// several exchanges that belong together hold it themselves. If the lock
// holder could not open a PC/SC transaction, Transmit fails with that error.
func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	if c.card == nil {
		return nil, errors.New("card disconnected")
	}
	if c.txErr != nil {
		return nil, c.txErr
	}
	return c.card.Transmit(cmd)
}

// Lock serialises users of the card and opens a PC/SC transaction.
func (c *Card) Lock() {
	c.mu.Lock()
	c.txErr = nil
	if c.card == nil {
		return
	}
	if err := c.card.BeginTransaction(); err != nil {
		c.logger.Warn("begin transaction failed", zap.Error(err))
		c.txErr = fmt.Errorf("begin transaction: %w", err)
	}
}

// Unlock ends the PC/SC transaction and releases the card.
func (c *Card) Unlock() {
	defer c.mu.Unlock()
	if c.card == nil {
		return
	}
	if c.txErr != nil {
		c.txErr = nil
		return
	}
	if err := c.card.EndTransaction(scard.LeaveCard); err != nil {
		c.logger.Warn("end transaction failed", zap.Error(err))
	}
}

// Close disconnects the card, leaving it powered, and releases the context.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.card != nil {
		if err := c.card.Disconnect(scard.LeaveCard); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		c.card = nil
	}
	if c.ctx != nil {
		if err := c.ctx.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release context: %w", err))
		}
		c.ctx = nil
	}
	c.logger.Info("card disconnected")
	return errors.Join(errs...)
}
