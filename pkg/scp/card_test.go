package scp

import (
	"bytes"
	"testing"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
)

// scp03Card plays the card side of an SCP03 session. It echoes the plain
// data of every command received after authentication.
type scp03Card struct {
	t *testing.T

	keys          StaticKeys
	param         byte
	cardChallenge []byte
	// withCounter appends the 3 byte sequence counter to INITIALIZE UPDATE.
	withCounter bool

	badCryptogram bool
	// tamper, when set, corrupts each reply after authentication.
	tamper func(reply []byte)

	senc, smac, srmac []byte
	chaining          []byte
	counter           [16]byte
	level             SecurityLevel
	authenticated     bool

	pending  []byte
	received [][]byte
	wire     [][]byte
}

func (c *scp03Card) fail(format string, args ...interface{}) ([]byte, error) {
	c.t.Helper()
	c.t.Errorf(format, args...)
	return []byte{0x69, 0x82}, nil
}

func (c *scp03Card) Transmit(raw []byte) ([]byte, error) {
	c.wire = append(c.wire, append([]byte{}, raw...))

	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return nil, err
	}

	switch cmd.Instruction.Raw {
	case iso7816.INS_INITIALIZE_UPDATE:
		return c.initializeUpdate(cmd)
	case iso7816.INS_EXTERNAL_AUTHENTICATE:
		return c.externalAuthenticate(cmd)
	}

	if !c.authenticated {
		return c.fail("command %X before authentication", raw)
	}
	data, ok := c.verifyCommand(cmd)
	if !ok {
		return []byte{0x69, 0x88}, nil
	}

	if c.level.Has(CDEC) {
		c.increment()
		if len(data) > 0 {
			iv, _ := aesEncryptBlock(c.senc, c.counter[:])
			plain, _ := aesCBC(c.senc, iv, data, false)
			if data, err = unpad80(plain); err != nil {
				return c.fail("command padding: %v", err)
			}
		}
	}

	c.pending = append(c.pending, data...)
	if cmd.Class.IsChained {
		return c.respond(nil)
	}

	c.received = append(c.received, c.pending)
	echo := c.pending
	c.pending = nil
	return c.respond(echo)
}

func (c *scp03Card) initializeUpdate(cmd *iso7816.CommandAPDU) ([]byte, error) {
	context := concat(cmd.Data, c.cardChallenge)
	c.senc, _ = kdf(c.keys.ENC, kdfSENC, context, len(c.keys.ENC)*8)
	c.smac, _ = kdf(c.keys.MAC, kdfSMAC, context, len(c.keys.MAC)*8)
	c.srmac, _ = kdf(c.keys.MAC, kdfSRMAC, context, len(c.keys.MAC)*8)
	c.chaining = make([]byte, 16)

	cryptogram, _ := kdf(c.smac, kdfCardCryptogram, context, 64)
	if c.badCryptogram {
		cryptogram[0] ^= 0xFF
	}

	resp := concat(make([]byte, 10), []byte{c.keys.Version, byte(SCP03), c.param}, c.cardChallenge, cryptogram)
	if c.withCounter {
		resp = append(resp, 0x00, 0x00, 0x2A)
	}
	return append(resp, 0x90, 0x00), nil
}

func (c *scp03Card) externalAuthenticate(cmd *iso7816.CommandAPDU) ([]byte, error) {
	data, ok := c.verifyCommand(cmd)
	if !ok {
		return []byte{0x63, 0x00}, nil
	}

	context := concat(c.chainingContext()...)
	want, _ := kdf(c.smac, kdfHostCryptogram, context, 64)
	if !bytes.Equal(want, data) {
		return c.fail("host cryptogram %X, want %X", data, want)
	}

	c.level = SecurityLevel(cmd.P1)
	c.authenticated = true
	return []byte{0x90, 0x00}, nil
}

// chainingContext returns host and card challenges from the first exchange.
func (c *scp03Card) chainingContext() [][]byte {
	first, _ := iso7816.ParseCommandAPDU(c.wire[0])
	return [][]byte{first.Data, c.cardChallenge}
}

// verifyCommand checks the C-MAC and returns the data without it.
func (c *scp03Card) verifyCommand(cmd *iso7816.CommandAPDU) ([]byte, bool) {
	c.t.Helper()
	if cmd.Class.Raw&0x04 == 0 {
		c.t.Errorf("secure messaging bit missing in CLA %02X", cmd.Class.Raw)
		return nil, false
	}

	n := len(cmd.Data) - macLength
	if n < 0 {
		c.t.Errorf("command without C-MAC")
		return nil, false
	}

	header := []byte{iso7816.ClearChannel(cmd.Class.Raw), byte(cmd.Instruction.Raw), cmd.P1, cmd.P2}
	if len(cmd.Data) > iso7816.MaxShortLc {
		header = append(header, 0x00, byte(len(cmd.Data)>>8), byte(len(cmd.Data)))
	} else {
		header = append(header, byte(len(cmd.Data)))
	}

	full, _ := aesCMAC(c.smac, concat(c.chaining, header, cmd.Data[:n]))
	if !bytes.Equal(full[:macLength], cmd.Data[n:]) {
		c.t.Errorf("C-MAC mismatch: got %X want %X", cmd.Data[n:], full[:macLength])
		return nil, false
	}
	c.chaining = full
	return cmd.Data[:n], true
}

func (c *scp03Card) increment() {
	for i := len(c.counter) - 1; i >= 0; i-- {
		c.counter[i]++
		if c.counter[i] != 0 {
			return
		}
	}
}

func (c *scp03Card) respond(data []byte) ([]byte, error) {
	body := append([]byte{}, data...)
	if c.level.Has(RENC) && len(body) > 0 {
		ctr := c.counter
		ctr[0] |= 0x80
		iv, _ := aesEncryptBlock(c.senc, ctr[:])
		body, _ = aesCBC(c.senc, iv, pad80(body, 16), true)
	}
	if c.level.Has(RMAC) {
		full, _ := aesCMAC(c.srmac, concat(c.chaining, body, []byte{0x90, 0x00}))
		body = append(body, full[:macLength]...)
	}
	reply := append(body, 0x90, 0x00)
	if c.tamper != nil {
		c.tamper(reply)
	}
	return reply, nil
}

// scriptStep is one expected exchange of a scripted card.
type scriptStep struct {
	check func(t *testing.T, cmd []byte)
	reply []byte
}

// scriptedCard replays canned responses and lets each step inspect the command.
type scriptedCard struct {
	t     *testing.T
	steps []scriptStep
	sent  [][]byte
}

func (c *scriptedCard) Transmit(cmd []byte) ([]byte, error) {
	c.t.Helper()
	c.sent = append(c.sent, append([]byte{}, cmd...))
	if len(c.steps) == 0 {
		return nil, errors.Errorf("unexpected command %X", cmd)
	}

	step := c.steps[0]
	c.steps = c.steps[1:]
	if step.check != nil {
		step.check(c.t, cmd)
	}
	return step.reply, nil
}
