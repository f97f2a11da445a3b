package scp

import (
	"testing"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/gregLibert/card-edge/pkg/tlv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func derivedProvider(t *testing.T, version Version) *KeyProvider {
	t.Helper()
	switch version {
	case SCP02:
		p := NewKeyProvider(NewStaticKeys(0x20, testKey), DiversifyNone)
		require.NoError(t, p.DeriveSessionKeys(SCP02, testDivData, testHost, tlv.Hex("e9c62ba1c4c8"), tlv.Hex("000d")))
		return p
	default:
		p := NewKeyProvider(NewStaticKeys(0x30, testKey), DiversifyNone)
		require.NoError(t, p.DeriveSessionKeys(SCP03, testDivData, testHost, testCardChallenge, nil))
		return p
	}
}

func TestNewChannelRequiresSessionKeys(t *testing.T) {
	_, err := NewChannel(NewKeyProvider(NewStaticKeys(0, testKey), DiversifyNone), Config{Level: CMAC})
	require.True(t, errors.Is(err, ErrNoSessionKey), "got %v", err)
}

func TestChannelLifecycle(t *testing.T) {
	ch, err := NewChannel(derivedProvider(t, SCP03), Config{Level: CMAC | RMAC, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.Equal(t, Unwrapped, ch.State())
	require.Equal(t, LevelNone, ch.Level())

	cmd := command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256)

	_, err = ch.Wrap(cmd)
	require.True(t, errors.Is(err, ErrChannelNotEstablished))
	_, err = ch.Unwrap(&iso7816.ResponseAPDU{Status: iso7816.SW_NO_ERROR})
	require.True(t, errors.Is(err, ErrChannelNotEstablished))

	require.NoError(t, ch.Establish(CMAC|RMAC))
	require.Equal(t, Wrapped, ch.State())
	require.Equal(t, CMAC|RMAC, ch.Level())

	wrapped, err := ch.Wrap(cmd)
	require.NoError(t, err)
	require.Len(t, wrapped.Data, 2+8)

	ch.Close()
	require.Equal(t, Unwrapped, ch.State())

	_, err = ch.Wrap(cmd)
	require.True(t, errors.Is(err, ErrChannelNotEstablished))
	require.Error(t, ch.Establish(CMAC))
}

func TestChannelPassThroughAtLevelNone(t *testing.T) {
	ch, err := NewChannel(derivedProvider(t, SCP02), Config{})
	require.NoError(t, err)

	cmd := command(t, 0x80, iso7816.INS_GET_STATUS, 0x80, 0x02, tlv.Hex("4F00"), 256)
	out, err := ch.Wrap(cmd)
	require.NoError(t, err)
	require.Same(t, cmd, out)

	resp := &iso7816.ResponseAPDU{Data: tlv.Hex("0102"), Status: iso7816.SW_NO_ERROR}
	plain, err := ch.Unwrap(resp)
	require.NoError(t, err)
	require.Same(t, resp, plain)
}

func TestChannelOverhead(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		cfg     Config
		want    int
	}{
		{"SCP02 MAC", SCP02, Config{Level: CMAC}, 8},
		{"SCP02 MAC and encryption", SCP02, Config{Level: CMAC | CDEC}, 16},
		{"SCP03 MAC", SCP03, Config{Level: CMAC | RMAC}, 8},
		{"SCP03 MAC and encryption", SCP03, Config{Level: CMAC | CDEC}, 24},
		{"Configured", SCP03, Config{Level: CMAC | CDEC, Overhead: 40}, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := NewChannel(derivedProvider(t, tt.version), tt.cfg)
			require.NoError(t, err)
			require.Equal(t, tt.want, ch.Overhead())
		})
	}
}

func TestChannelRejectsInvalidLevel(t *testing.T) {
	_, err := NewChannel(derivedProvider(t, SCP02), Config{Level: CMAC | CDEC | RMAC | RENC})
	require.Error(t, err)

	ch, err := NewChannel(derivedProvider(t, SCP03), Config{Level: CMAC})
	require.NoError(t, err)
	require.Error(t, ch.Establish(CDEC))
}

func TestChannelCloseWipesKeys(t *testing.T) {
	p := derivedProvider(t, SCP03)
	ch, err := NewChannel(p, Config{Level: CMAC})
	require.NoError(t, err)
	engine := ch.engine.(*scp03)
	mac := engine.mac

	ch.Close()

	require.Equal(t, make([]byte, len(mac)), mac)
	_, err = p.KeyFor(PurposeMAC)
	require.True(t, errors.Is(err, ErrNoSessionKey))
}

func TestSecurityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want SecurityLevel
		str  string
	}{
		{"none", LevelNone, "NONE"},
		{"01", CMAC, "CMAC"},
		{"0x33", CMAC | CDEC | RMAC | RENC, "CMAC|CDEC|RMAC|RENC"},
		{"cmac|cdec", CMAC | CDEC, "CMAC|CDEC"},
		{"CMAC, RMAC", CMAC | RMAC, "CMAC|RMAC"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSecurityLevel(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.str, got.String())
		})
	}

	_, err := ParseSecurityLevel("cmac|xyz")
	require.Error(t, err)

	require.Error(t, CDEC.Validate(SCP03))
	require.Error(t, (CMAC | RENC).Validate(SCP03))
	require.Error(t, SecurityLevel(0x04).Validate(SCP03))
	require.NoError(t, (CMAC | CDEC | RMAC).Validate(SCP02))
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{"scp02": SCP02, "SCP03": SCP03, "2": SCP02, "03": SCP03} {
		got, err := ParseVersion(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	for _, in := range []string{"scp01", "x", "11"} {
		_, err := ParseVersion(in)
		require.Error(t, err, in)
	}
	require.Equal(t, "SCP03", SCP03.String())
}
