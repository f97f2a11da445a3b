package scp

import (
	"crypto/rand"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// initUpdate is the parsed INITIALIZE UPDATE response.
type initUpdate struct {
	divData        []byte
	keyVersion     byte
	version        Version
	param          byte
	hasParam       bool
	seqCounter     []byte
	cardChallenge  []byte
	cardCryptogram []byte
}

// parseInitUpdate splits the response according to the SCP identifier it
// carries in byte 11.
//
//	SCP02: div(10) KVN SCP02 seq(2) challenge(6) cryptogram(8)         28 bytes
//	SCP03: div(10) KVN SCP03 i challenge(8) cryptogram(8) [seq(3)]     29 or 32 bytes
func parseInitUpdate(data []byte) (*initUpdate, error) {
	if len(data) < 12 {
		return nil, errors.Errorf("INITIALIZE UPDATE response too short: %d bytes", len(data))
	}

	r := &initUpdate{
		divData:    append([]byte{}, data[:10]...),
		keyVersion: data[10],
		version:    Version(data[11]),
	}
	switch r.version {
	case SCP02:
		if len(data) != 28 {
			return nil, errors.Errorf("SCP02 INITIALIZE UPDATE response must be 28 bytes, got %d", len(data))
		}
		r.seqCounter = data[12:14]
		r.cardChallenge = data[14:20]
		r.cardCryptogram = data[20:28]
	case SCP03:
		if len(data) != 29 && len(data) != 32 {
			return nil, errors.Errorf("SCP03 INITIALIZE UPDATE response must be 29 or 32 bytes, got %d", len(data))
		}
		r.param = data[12]
		r.hasParam = true
		r.cardChallenge = data[13:21]
		r.cardCryptogram = data[21:29]
		if len(data) == 32 {
			r.seqCounter = data[29:32]
		}
	default:
		return nil, errors.Errorf("unsupported SCP identifier %02X", data[11])
	}
	return r, nil
}

// Open runs the explicit secure channel initiation on client: INITIALIZE
// UPDATE, card cryptogram verification and EXTERNAL AUTHENTICATE at
// cfg.Level. On success the returned Channel is installed as the client's
// wrapper. On failure every key held by provider is wiped.
func Open(client *iso7816.Client, provider *KeyProvider, cfg Config) (_ *Channel, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var ch *Channel
	defer func() {
		if err != nil {
			if ch != nil {
				ch.Close()
			}
			provider.Zero()
			logger.Warn("secure channel initiation failed", zap.Error(err))
		}
	}()

	if previous, ok := client.Wrapper().(*Channel); ok {
		previous.Close()
	}
	client.SetWrapper(nil)

	host := cfg.HostChallenge
	if host == nil {
		host = make([]byte, 8)
		if _, err := rand.Read(host); err != nil {
			return nil, errors.Wrap(err, "generate host challenge")
		}
	}
	if len(host) != 8 {
		return nil, errors.Errorf("host challenge must be 8 bytes long, got %d", len(host))
	}

	cla, err := iso7816.NewProprietaryClass(cfg.Channel)
	if err != nil {
		return nil, err
	}

	keyVersion := cfg.KeyVersion
	if keyVersion == 0 {
		keyVersion = provider.StaticKeyVersion()
	}

	initIns, _ := iso7816.NewInstruction(iso7816.INS_INITIALIZE_UPDATE)
	res, err := client.Transceive(iso7816.NewCommandAPDU(cla, initIns, keyVersion, 0x00, host, iso7816.MaxShortLe))
	if err != nil {
		return nil, errors.Wrap(err, "INITIALIZE UPDATE")
	}

	update, err := parseInitUpdate(res.Data())
	if err != nil {
		return nil, err
	}
	if err := cfg.Level.Validate(update.version); err != nil {
		return nil, err
	}
	if update.version == SCP03 {
		if cfg.Level.Has(RMAC) && update.param&scp03RMACSupport == 0 {
			return nil, errors.Errorf("card does not support R-MAC (i=%02X)", update.param)
		}
		if cfg.Level.Has(RENC) && update.param&(scp03RMACSupport|scp03RENCSupport) != scp03RMACSupport|scp03RENCSupport {
			return nil, errors.Errorf("card does not support R-ENC (i=%02X)", update.param)
		}
	}
	logger.Debug("INITIALIZE UPDATE accepted",
		zap.Stringer("protocol", update.version),
		zap.Uint8("key_version", update.keyVersion),
		zap.Binary("sequence_counter", update.seqCounter))

	if err := provider.DeriveSessionKeys(update.version, update.divData, host, update.cardChallenge, update.seqCounter); err != nil {
		return nil, err
	}

	expected, err := provider.CardCryptogram()
	if err != nil {
		return nil, err
	}
	if !equalMAC(expected, update.cardCryptogram) {
		return nil, &CryptogramError{Expected: expected, Received: append([]byte{}, update.cardCryptogram...)}
	}

	hostCryptogram, err := provider.HostCryptogram()
	if err != nil {
		return nil, err
	}

	if cfg.Param == 0 && update.hasParam {
		cfg.Param = update.param
	}
	ch, err = NewChannel(provider, cfg)
	if err != nil {
		return nil, err
	}

	authIns, _ := iso7816.NewInstruction(iso7816.INS_EXTERNAL_AUTHENTICATE)
	auth, err := ch.wrapWith(iso7816.NewCommandAPDU(cla, authIns, byte(cfg.Level), 0x00, hostCryptogram, 0), CMAC)
	if err != nil {
		return nil, errors.Wrap(err, "wrap EXTERNAL AUTHENTICATE")
	}
	if _, err := client.Transceive(auth); err != nil {
		return nil, errors.Wrap(err, "EXTERNAL AUTHENTICATE")
	}

	if err := ch.Establish(cfg.Level); err != nil {
		return nil, err
	}
	client.SetWrapper(ch)
	return ch, nil
}
