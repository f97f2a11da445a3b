package scp

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Channel.
type State int

const (
	Unwrapped State = iota
	Wrapped
)

func (s State) String() string {
	switch s {
	case Unwrapped:
		return "unwrapped"
	case Wrapped:
		return "wrapped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a secure channel session.
type Config struct {
	// Level is the security level requested in EXTERNAL AUTHENTICATE.
	Level SecurityLevel
	// Overhead overrides the number of bytes Wrap may add to command data.
	// Zero selects the MAC length plus one cipher block when CDEC is active.
	Overhead int
	// Param is the SCP02 "i" parameter. Zero selects DefaultSCP02Param.
	// SCP03 cards report theirs in INITIALIZE UPDATE.
	Param byte
	// KeyVersion is sent in P1 of INITIALIZE UPDATE. Zero lets the card pick.
	KeyVersion byte
	// Channel is the logical channel the session runs on.
	Channel uint8
	// HostChallenge is used instead of 8 random bytes when set.
	HostChallenge []byte
	Logger        *zap.Logger
}

// Channel wraps commands and unwraps responses of one secure channel session.
// It implements iso7816.Wrapper and is safe for concurrent use, although a
// session only makes sense for one sequence of commands.
type Channel struct {
	mu sync.Mutex

	id       string
	provider *KeyProvider
	engine   engine
	version  Version
	cfg      Config
	state    State
	level    SecurityLevel
	logger   *zap.Logger
}

var _ iso7816.Wrapper = (*Channel)(nil)

// NewChannel binds the session keys derived by provider. The channel starts
// unwrapped: Establish moves it to the wrapped state.
func NewChannel(provider *KeyProvider, cfg Config) (*Channel, error) {
	version := provider.Version()
	if err := cfg.Level.Validate(version); err != nil {
		return nil, err
	}

	param := cfg.Param
	if version == SCP02 && param == 0 {
		param = DefaultSCP02Param
	}
	eng, err := newEngine(provider, param)
	if err != nil {
		return nil, errors.Wrap(err, "bind session keys")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()

	return &Channel{
		id:       id,
		provider: provider,
		engine:   eng,
		version:  version,
		cfg:      cfg,
		state:    Unwrapped,
		logger:   logger.With(zap.String("session", id), zap.Stringer("protocol", version)),
	}, nil
}

// ID identifies the session in logs.
func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Version() Version {
	return c.version
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Level is the active security level, LevelNone while unwrapped.
func (c *Channel) Level() SecurityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Establish moves the channel to the wrapped state at level, once the card
// accepted EXTERNAL AUTHENTICATE.
func (c *Channel) Establish(level SecurityLevel) error {
	if err := level.Validate(c.version); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return errors.Wrap(ErrChannelNotEstablished, "channel closed")
	}

	c.engine.established()
	c.state = Wrapped
	c.level = level
	c.logger.Info("secure channel established", zap.Stringer("level", level))
	return nil
}

// Wrap protects cmd at the active security level. Before Establish it fails
// with ErrChannelNotEstablished, unless the configured level is LevelNone in
// which case commands pass unchanged.
func (c *Channel) Wrap(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil, errors.Wrap(ErrChannelNotEstablished, "channel closed")
	}
	if c.state != Wrapped {
		if c.cfg.Level == LevelNone {
			return cmd, nil
		}
		return nil, ErrChannelNotEstablished
	}
	return c.engine.wrap(cmd, c.level)
}

// Unwrap verifies and decrypts resp at the active security level. On an
// *IntegrityError the response content must be discarded.
func (c *Channel) Unwrap(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil, errors.Wrap(ErrChannelNotEstablished, "channel closed")
	}
	if c.state != Wrapped {
		if c.cfg.Level == LevelNone {
			return resp, nil
		}
		return nil, ErrChannelNotEstablished
	}

	plain, err := c.engine.unwrap(resp, c.level)
	if err != nil {
		c.logger.Warn("response rejected", zap.Stringer("status", resp.Status), zap.Error(err))
		return nil, err
	}
	return plain, nil
}

// Overhead is the largest number of bytes Wrap adds to command data.
func (c *Channel) Overhead() int {
	if c.cfg.Overhead > 0 {
		return c.cfg.Overhead
	}
	if c.cfg.Level.Has(CDEC) {
		return macLength + c.version.blockSize()
	}
	return macLength
}

// Close ends the session and wipes every key held by the channel and its
// provider. Later Wrap and Unwrap calls fail.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine != nil {
		c.engine.zero()
		c.engine = nil
	}
	c.provider.Zero()
	if c.state == Wrapped {
		c.logger.Info("secure channel closed")
	}
	c.state = Unwrapped
	c.level = LevelNone
}

// wrapWith wraps a handshake command at level regardless of state.
func (c *Channel) wrapWith(cmd *iso7816.CommandAPDU, level SecurityLevel) (*iso7816.CommandAPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, errors.Wrap(ErrChannelNotEstablished, "channel closed")
	}
	return c.engine.wrap(cmd, level)
}
