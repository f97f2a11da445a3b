package iso7816

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// CLIENT & PROTOCOL LOGIC:
// The Client turns one logical command into the sequence of physical exchanges
// the card needs, and hands back one logical response.
//
// 1. Command chaining (CLA bit 5):
//    Data longer than the per-exchange capacity is split. Every segment but the
//    last carries the chaining bit and must be answered with '9000'; anything
//    else aborts the chain.
//
// 2. "6C XX" (Wrong Length):
//    The command is re-issued once with Le = XX. A second '6CXX' for the same
//    command is a protocol violation.
//
// 3. "61 XX" (Response Available):
//    GET RESPONSE is issued until the card stops announcing data. The pieces are
//    concatenated in arrival order. The number of continuations is bounded.
//
// 4. Secure channel:
//    When a Wrapper is installed each segment is wrapped on its own, so the
//    capacity is reduced by the wrapper overhead. GET RESPONSE is never wrapped,
//    and the reassembled response is unwrapped once.
//
// Transport failures are never retried. Whatever was exchanged, including
// partial data, is returned in the Result for diagnostics.

// DefaultMaxContinuations bounds the GET RESPONSE loop of a single command.
const DefaultMaxContinuations = 256

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// PayloadSizer is implemented by transports that know the largest command
// data field they can carry in one exchange.
type PayloadSizer interface {
	MaxPayload() int
}

// Wrapper protects commands and verifies responses, typically a secure channel.
type Wrapper interface {
	Wrap(cmd *CommandAPDU) (*CommandAPDU, error)
	Unwrap(resp *ResponseAPDU) (*ResponseAPDU, error)
	// Overhead is the number of data bytes Wrap may add to a command.
	Overhead() int
}

// Option configures a Client.
type Option func(*Client)

// WithSegmentLimit caps the command data sent in one exchange, before wrapping.
func WithSegmentLimit(n int) Option {
	return func(c *Client) { c.segmentLimit = n }
}

// WithExtendedLength allows extended Lc/Le fields.
func WithExtendedLength(enabled bool) Option {
	return func(c *Client) { c.extended = enabled }
}

// WithWrapper installs a secure channel from the start.
func WithWrapper(w Wrapper) Option {
	return func(c *Client) { c.wrapper = w }
}

// WithLogger sets the logger used for exchange traces.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxContinuations overrides DefaultMaxContinuations.
func WithMaxContinuations(n int) Option {
	return func(c *Client) { c.maxContinuations = n }
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	segmentLimit     int
	extended         bool
	wrapper          Wrapper
	logger           *zap.Logger
	maxContinuations int
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter, opts ...Option) *Client {
	c := &Client{
		Card:             card,
		logger:           zap.NewNop(),
		maxContinuations: DefaultMaxContinuations,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// SetWrapper installs or removes (nil) the wrapper applied to later commands.
func (c *Client) SetWrapper(w Wrapper) {
	c.wrapper = w
}

// Wrapper returns the installed wrapper, if any.
func (c *Client) Wrapper() Wrapper {
	return c.wrapper
}

// SegmentCapacity is the number of plain data bytes that fit in one exchange
// once the wrapper overhead is accounted for. It is never below 1.
func (c *Client) SegmentCapacity() int {
	limit := c.segmentLimit
	if limit <= 0 {
		if sizer, ok := c.Card.(PayloadSizer); ok {
			limit = sizer.MaxPayload()
		}
	}

	maxLc := MaxShortLc
	if c.extended {
		maxLc = MaxExtendedLc
	}
	if limit <= 0 || limit > maxLc {
		limit = maxLc
	}

	if c.wrapper != nil {
		limit -= c.wrapper.Overhead()
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Result is the outcome of one logical command.
type Result struct {
	// Command is the logical command as given by the caller.
	Command *CommandAPDU
	// Trace lists every physical exchange, as transmitted.
	Trace Trace
	// Response holds the reassembled and unwrapped response. On failure it
	// holds the data accumulated so far; it is nil when nothing trustworthy
	// was received.
	Response *ResponseAPDU
	Outcome  Outcome
}

// Data returns the logical response data, or nil.
func (r *Result) Data() []byte {
	if r == nil || r.Response == nil {
		return nil
	}
	return r.Response.Data
}

// Transceive sends cmd and returns the logical response. The final status word
// must be 9000 or one of allowed, otherwise a *StatusError is returned together
// with the Result.
func (c *Client) Transceive(cmd *CommandAPDU, allowed ...StatusWord) (*Result, error) {
	res, err := c.transceive(cmd)
	if err != nil {
		return res, err
	}
	return res, res.Response.Status.Check(allowed...)
}

// Send performs the same exchange as Transceive without judging the final
// status word, and returns the physical trace.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	res, err := c.transceive(cmd)
	if res == nil {
		return nil, err
	}
	return res.Trace, err
}

func (c *Client) transceive(cmd *CommandAPDU) (*Result, error) {
	if l, ok := c.Card.(sync.Locker); ok {
		l.Lock()
		defer l.Unlock()
	}

	res := &Result{Command: cmd}
	segments := split(cmd.Data, c.SegmentCapacity())

	for i, chunk := range segments[:len(segments)-1] {
		seg := cmd.Clone()
		seg.Class = seg.Class.WithChaining(true)
		seg.Data = chunk
		seg.Ne = 0

		resp, err := c.issue(res, seg, true)
		if err != nil {
			return res, err
		}
		if resp, err = c.unwrap(resp); err != nil {
			return res, err
		}
		if resp.Status != SW_NO_ERROR {
			res.Response = resp
			res.Outcome = Classify(resp.Status)
			c.logger.Debug("command chain aborted",
				zap.Int("segment", i+1),
				zap.Int("segments", len(segments)),
				zap.Stringer("status", resp.Status))
			return res, &StatusError{Status: resp.Status, Outcome: res.Outcome}
		}
	}

	final := cmd.Clone()
	final.Data = segments[len(segments)-1]
	if len(segments) > 1 {
		final.Class = final.Class.WithChaining(false)
	}
	if !c.extended && final.Ne > MaxShortLe {
		final.Ne = MaxShortLe
	}

	resp, err := c.issue(res, final, true)
	if err != nil {
		return res, err
	}

	data := append([]byte{}, resp.Data...)
	status := resp.Status
	outcome := Classify(status)

	for n := 0; outcome.Kind == MoreDataAvailable; n++ {
		if n >= c.maxContinuations {
			res.Response = &ResponseAPDU{Data: data, Status: status}
			res.Outcome = outcome
			return res, protocolViolation("more than %d GET RESPONSE continuations", c.maxContinuations)
		}

		next, err := c.issue(res, c.getResponse(final.Class, outcome.Length), false)
		if err != nil {
			res.Response = &ResponseAPDU{Data: data, Status: status}
			res.Outcome = outcome
			return res, err
		}
		data = append(data, next.Data...)
		status = next.Status
		outcome = Classify(status)
	}

	plain, err := c.unwrap(&ResponseAPDU{Data: data, Status: status})
	if err != nil {
		res.Response = nil
		res.Outcome = outcome
		return res, err
	}

	res.Response = plain
	res.Outcome = Classify(plain.Status)
	return res, nil
}

// issue wraps and transmits plain, re-issuing it once on '6CXX'.
func (c *Client) issue(res *Result, plain *CommandAPDU, wrap bool) (*ResponseAPDU, error) {
	retried := false
	for {
		toSend := plain
		if wrap && c.wrapper != nil {
			var err error
			if toSend, err = c.wrapper.Wrap(plain); err != nil {
				return nil, fmt.Errorf("wrapping %s: %w", plain.Instruction.Raw, err)
			}
		}

		resp, err := c.exchange(res, toSend)
		if err != nil {
			return nil, err
		}

		outcome := Classify(resp.Status)
		if outcome.Kind != WrongLength {
			return resp, nil
		}

		res.Response = resp
		res.Outcome = outcome
		if retried {
			return nil, protocolViolation("second wrong length (%04X) for %s", uint16(resp.Status), plain.Instruction.Raw)
		}
		retried = true

		plain = plain.Clone()
		plain.Ne = outcome.Length
		c.logger.Debug("re-issuing command with corrected Le", zap.Int("le", plain.Ne))
	}
}

// exchange performs one physical transmit and records it in the trace.
func (c *Client) exchange(res *Result, cmd *CommandAPDU) (*ResponseAPDU, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	shown := redacted(cmd, raw)
	rawResp, err := c.Card.Transmit(raw)
	if err != nil {
		c.logger.Debug("transmit failed", zap.String("command", fmt.Sprintf("%X", shown)), zap.Error(err))
		return nil, &TransportError{Command: shown, Err: err}
	}

	c.logger.Debug("apdu",
		zap.String("command", fmt.Sprintf("%X", shown)),
		zap.String("response", fmt.Sprintf("%X", rawResp)))

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, &TransportError{Command: shown, Err: err}
	}

	res.Trace = append(res.Trace, Transaction{Command: cmd, Response: resp})
	return resp, nil
}

// redacted returns raw with the data field zeroed when cmd carries reference
// data (a PIN, PUK or new PIN). The result is what logs and errors show.
func redacted(cmd *CommandAPDU, raw []byte) []byte {
	switch cmd.Instruction.Raw {
	case INS_VERIFY, INS_VERIFY_BER, INS_CHANGE_REFERENCE_DATA, INS_RESET_RETRY_COUNTER:
	default:
		return raw
	}
	if len(cmd.Data) == 0 {
		return raw
	}

	// Data follows CLA INS P1 P2 and an Lc of one byte, or three when extended.
	start := 5
	if len(cmd.Data) > MaxShortLc || cmd.Ne > MaxShortLe {
		start = 7
	}
	out := append([]byte{}, raw...)
	for i := start; i < start+len(cmd.Data) && i < len(out); i++ {
		out[i] = 0x00
	}
	return out
}

func (c *Client) unwrap(resp *ResponseAPDU) (*ResponseAPDU, error) {
	if c.wrapper == nil {
		return resp, nil
	}
	return c.wrapper.Unwrap(resp)
}

// getResponse builds GET RESPONSE on the logical channel of cls.
func (c *Client) getResponse(cls Class, ne int) *CommandAPDU {
	respCls, err := NewInterindustryClass(false, SMNone, cls.Channel)
	if err != nil {
		respCls = cls.WithChaining(false)
	}
	if !c.extended && ne > MaxShortLe {
		ne = MaxShortLe
	}

	ins, _ := NewInstruction(INS_GET_RESPONSE)
	return NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, ne)
}

// split cuts data into chunks of at most size bytes. It always returns at
// least one chunk, which is nil for empty data.
func split(data []byte, size int) [][]byte {
	if len(data) <= size {
		return [][]byte{data}
	}

	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
