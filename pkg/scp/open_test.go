package scp

import (
	"bytes"
	"testing"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/gregLibert/card-edge/pkg/tlv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testCardChallenge = tlv.Hex("1122334455667788")

func newSCP03Card(t *testing.T, param byte) *scp03Card {
	return &scp03Card{
		t:             t,
		keys:          NewStaticKeys(0x30, testKey),
		param:         param,
		cardChallenge: testCardChallenge,
	}
}

func openSCP03(t *testing.T, card *scp03Card, level SecurityLevel, opts ...iso7816.Option) (*iso7816.Client, *Channel, *KeyProvider) {
	t.Helper()
	client := iso7816.NewClient(card, opts...)
	provider := NewKeyProvider(NewStaticKeys(0x30, testKey), DiversifyNone)

	ch, err := Open(client, provider, Config{Level: level, HostChallenge: testHost})
	require.NoError(t, err)
	return client, ch, provider
}

func TestOpenSCP03(t *testing.T) {
	levels := []SecurityLevel{
		CMAC,
		CMAC | CDEC,
		CMAC | RMAC,
		CMAC | CDEC | RMAC,
		CMAC | CDEC | RMAC | RENC,
	}

	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			card := newSCP03Card(t, 0x70)
			client, ch, _ := openSCP03(t, card, level)

			require.Equal(t, Wrapped, ch.State())
			require.Equal(t, level, ch.Level())
			require.Equal(t, SCP03, ch.Version())
			require.Equal(t, ch, client.Wrapper())
			require.NotEmpty(t, ch.ID())
			require.Equal(t, level, card.level)

			data := tlv.Hex("5C 03 5FC102")
			res, err := client.Transceive(command(t, 0x80, iso7816.INS_GET_DATA_BER, 0x3F, 0xFF, data, 256))
			require.NoError(t, err)
			require.Equal(t, data, res.Data())
			require.Equal(t, [][]byte{data}, card.received)

			wire := card.wire[len(card.wire)-1]
			require.Equal(t, byte(0x84), wire[0])
			require.Equal(t, level.Has(CDEC), !bytes.Contains(wire, data), "plain data visible on the wire")
		})
	}
}

func TestOpenSCP03WithSequenceCounter(t *testing.T) {
	card := newSCP03Card(t, 0x70)
	card.withCounter = true

	_, ch, _ := openSCP03(t, card, CMAC|RMAC)
	require.Equal(t, Wrapped, ch.State())
}

func TestSCP03MACChaining(t *testing.T) {
	card := newSCP03Card(t, 0x70)
	client, _, _ := openSCP03(t, card, CMAC)

	cmd := command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256)
	for i := 0; i < 2; i++ {
		_, err := client.Transceive(cmd)
		require.NoError(t, err)
	}

	first, second := card.wire[2], card.wire[3]
	require.Len(t, first, len(second))
	require.NotEqual(t, first, second, "identical commands must carry different MACs")
	require.Equal(t, first[:len(first)-9], second[:len(second)-9], "only the MAC differs")
}

func TestSCP03ChainedCommand(t *testing.T) {
	card := newSCP03Card(t, 0x70)
	level := CMAC | CDEC | RMAC | RENC
	client, ch, _ := openSCP03(t, card, level, iso7816.WithSegmentLimit(40))

	require.Equal(t, 24, ch.Overhead())
	require.Equal(t, 16, client.SegmentCapacity())

	data := bytes.Repeat([]byte{0xA5}, 40)
	res, err := client.Transceive(command(t, 0x80, 0xE8, 0x00, 0x00, data, 0))
	require.NoError(t, err)

	require.Equal(t, data, res.Data())
	require.Equal(t, [][]byte{data}, card.received)
	require.Len(t, card.wire, 2+3)
	require.Len(t, res.Trace, 3)

	for _, raw := range card.wire[2:4] {
		require.Equal(t, byte(0x94), raw[0], "chained segments keep the chaining bit")
	}
	require.Equal(t, byte(0x84), card.wire[4][0])
}

func TestSCP03TamperedResponse(t *testing.T) {
	for _, level := range []SecurityLevel{CMAC | RMAC, CMAC | CDEC | RMAC | RENC} {
		// Flip each byte of the reply in turn: data, R-MAC and status word.
		for i := 0; ; i++ {
			card := newSCP03Card(t, 0x70)
			client, _, _ := openSCP03(t, card, level)

			var corrupted bool
			card.tamper = func(reply []byte) {
				if i < len(reply) {
					reply[i] ^= 0x01
					corrupted = true
				}
			}

			res, err := client.Transceive(command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256))
			if !corrupted {
				require.NoError(t, err)
				require.Greater(t, i, macLength+2, "%s: reply shorter than expected", level)
				break
			}
			require.True(t, errors.Is(err, ErrResponseIntegrity), "%s byte %d: got %v", level, i, err)
			require.NotNil(t, res)
			require.Nil(t, res.Response, "rejected data must not be returned")
			require.Nil(t, res.Data())
		}
	}
}

func TestOpenClosesPreviousChannel(t *testing.T) {
	card := newSCP03Card(t, 0x70)
	client, first, firstProvider := openSCP03(t, card, CMAC)

	second, err := Open(client, NewKeyProvider(NewStaticKeys(0x30, testKey), DiversifyNone), Config{Level: CMAC, HostChallenge: testHost})
	require.NoError(t, err)

	require.Equal(t, Unwrapped, first.State())
	_, err = firstProvider.KeyFor(PurposeMAC)
	require.Error(t, err, "the replaced session keys are wiped")
	_, err = first.Wrap(command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256))
	require.Error(t, err)

	require.Equal(t, second, client.Wrapper())
	require.Equal(t, Wrapped, second.State())
}

func TestOpenCardCryptogramMismatch(t *testing.T) {
	card := newSCP03Card(t, 0x70)
	card.badCryptogram = true

	client := iso7816.NewClient(card)
	provider := NewKeyProvider(NewStaticKeys(0x30, testKey), DiversifyNone)

	_, err := Open(client, provider, Config{Level: CMAC, HostChallenge: testHost})
	require.True(t, errors.Is(err, ErrCardCryptogram), "got %v", err)

	var ce *CryptogramError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Received, 8)

	require.Len(t, card.wire, 1, "EXTERNAL AUTHENTICATE must not be sent")
	require.Nil(t, client.Wrapper())

	_, err = provider.KeyFor(PurposeMAC)
	require.True(t, errors.Is(err, ErrNoSessionKey), "keys are wiped after a failed initiation")
}

func TestOpenChecksCardCapabilities(t *testing.T) {
	tests := []struct {
		name  string
		param byte
		level SecurityLevel
	}{
		{"No R-MAC support", 0x00, CMAC | RMAC},
		{"No R-ENC support", 0x20, CMAC | CDEC | RMAC | RENC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := newSCP03Card(t, tt.param)
			client := iso7816.NewClient(card)

			_, err := Open(client, NewKeyProvider(NewStaticKeys(0x30, testKey), DiversifyNone), Config{Level: tt.level, HostChallenge: testHost})
			require.Error(t, err)
			require.Len(t, card.wire, 1)
		})
	}
}

func TestOpenSCP02(t *testing.T) {
	card := &scriptedCard{t: t, steps: []scriptStep{
		{
			check: func(t *testing.T, cmd []byte) {
				require.Equal(t, tlv.Hex("80 50 00 00 08 f0467f908e5ca23f 00"), cmd)
			},
			reply: tlv.Hex("000002650183039536622002000de9c62ba1c4c8e55fcb91b6654ce4 9000"),
		},
		{
			check: func(t *testing.T, cmd []byte) {
				require.Equal(t, tlv.Hex("84 82 01 00 10"), cmd[:5])
				require.Len(t, cmd, 21)
			},
			reply: tlv.Hex("9000"),
		},
		{
			check: func(t *testing.T, cmd []byte) {
				require.Equal(t, tlv.Hex("84 F2 80 02 0A 4F00"), cmd[:7])
			},
			reply: tlv.Hex("08 A000000003000000 0F 9E 9000"),
		},
	}}

	client := iso7816.NewClient(card)
	provider := NewKeyProvider(NewStaticKeys(0x00, testKey), DiversifyNone)

	ch, err := Open(client, provider, Config{Level: CMAC, HostChallenge: testHost})
	require.NoError(t, err)
	require.Equal(t, SCP02, ch.Version())

	host, err := provider.HostCryptogram()
	require.NoError(t, err)
	macKey, err := provider.KeyFor(PurposeMAC)
	require.NoError(t, err)

	auth := card.sent[1]
	require.Equal(t, host, auth[5:13])
	mac, err := retailMAC(macKey.Value, pad80(auth[:13], 8), zeroIV)
	require.NoError(t, err)
	require.Equal(t, mac, auth[13:21])

	res, err := client.Transceive(command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256))
	require.NoError(t, err)
	require.Equal(t, tlv.Hex("08 A000000003000000 0F 9E"), res.Data())

	// The second C-MAC is chained from the encrypted first one.
	icv, err := encryptICV(macKey.Value, mac)
	require.NoError(t, err)
	get := card.sent[2]
	want, err := retailMAC(macKey.Value, pad80(get[:7], 8), icv)
	require.NoError(t, err)
	require.Equal(t, want, get[7:15])
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"Status error", tlv.Hex("6A88")},
		{"Short response", tlv.Hex("0102 9000")},
		{"Wrong SCP02 length", tlv.Hex("00000265018303953662 2002 000de9c62ba1 9000")},
		{"Unknown protocol", tlv.Hex("00000265018303953662 2001 000de9c62ba1c4c8e55fcb91b6654ce4 9000")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := &scriptedCard{t: t, steps: []scriptStep{{reply: tt.reply}}}
			client := iso7816.NewClient(card)
			provider := NewKeyProvider(NewStaticKeys(0x00, testKey), DiversifyNone)

			_, err := Open(client, provider, Config{Level: CMAC, HostChallenge: testHost})
			require.Error(t, err)
			require.Len(t, card.sent, 1)
			require.Nil(t, client.Wrapper())
		})
	}

	t.Run("Rejected host cryptogram", func(t *testing.T) {
		card := &scriptedCard{t: t, steps: []scriptStep{
			{reply: tlv.Hex("000002650183039536622002000de9c62ba1c4c8e55fcb91b6654ce4 9000")},
			{reply: tlv.Hex("6300")},
		}}
		client := iso7816.NewClient(card)
		provider := NewKeyProvider(NewStaticKeys(0x00, testKey), DiversifyNone)

		_, err := Open(client, provider, Config{Level: CMAC, HostChallenge: testHost})
		var se *iso7816.StatusError
		require.True(t, errors.As(err, &se), "got %v", err)
		require.Equal(t, iso7816.NewStatusWord(0x63, 0x00), se.Status)
		require.Nil(t, client.Wrapper())

		_, err = provider.KeyFor(PurposeMAC)
		require.True(t, errors.Is(err, ErrNoSessionKey))
	})

	t.Run("Invalid level for SCP02", func(t *testing.T) {
		card := &scriptedCard{t: t, steps: []scriptStep{
			{reply: tlv.Hex("000002650183039536622002000de9c62ba1c4c8e55fcb91b6654ce4 9000")},
		}}
		_, err := Open(iso7816.NewClient(card), NewKeyProvider(NewStaticKeys(0x00, testKey), DiversifyNone),
			Config{Level: CMAC | CDEC | RMAC | RENC, HostChallenge: testHost})
		require.Error(t, err)
	})
}
