package scp

import (
	"sync"

	"github.com/pkg/errors"
)

// Derivation constants of SCP02 session keys.
var (
	scp02ConstENC  = []byte{0x01, 0x82}
	scp02ConstCMAC = []byte{0x01, 0x01}
	scp02ConstRMAC = []byte{0x01, 0x02}
	scp02ConstDEK  = []byte{0x01, 0x81}
)

// Profile is what Init learned about the card.
type Profile struct {
	ATR     *ATR
	CPLC    *CPLC
	KeyInfo *KeyInformation
}

// KeyProvider derives and holds the session keys of one secure channel
// session. It is safe for concurrent use.
type KeyProvider struct {
	mu sync.Mutex

	static  StaticKeys
	method  Diversification
	profile Profile

	version        Version
	session        map[KeyPurpose]SessionKey
	cardCryptogram []byte
	hostCryptogram []byte
	derived        bool
	zeroed         bool
}

// NewKeyProvider returns a provider for the static key set. The keys are
// copied; Zero wipes the copies.
func NewKeyProvider(static StaticKeys, method Diversification) *KeyProvider {
	return &KeyProvider{
		static: StaticKeys{
			Version: static.Version,
			ENC:     append([]byte{}, static.ENC...),
			MAC:     append([]byte{}, static.MAC...),
			DEK:     append([]byte{}, static.DEK...),
		},
		method: method,
	}
}

// Init validates the card profile. The ATR and key information are required;
// CPLC may be nil for cards that do not expose it. Init reports false and
// keeps no profile when any part is malformed.
func (p *KeyProvider) Init(atr, cplc, keyInfo []byte) bool {
	parsedATR, err := ParseATR(atr)
	if err != nil {
		return false
	}
	info, err := ParseKeyInformation(keyInfo)
	if err != nil {
		return false
	}

	var parsedCPLC *CPLC
	if cplc != nil {
		if parsedCPLC, err = ParseCPLC(cplc); err != nil {
			return false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = Profile{ATR: parsedATR, CPLC: parsedCPLC, KeyInfo: info}
	return true
}

// Profile returns the card profile accepted by Init.
func (p *KeyProvider) Profile() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// StaticKeyVersion is the key version number of the static key set.
func (p *KeyProvider) StaticKeyVersion() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.static.Version
}

// DeriveSessionKeys computes the session keys and both authentication
// cryptograms. Keys are derived once per session: a second call fails.
//
// For SCP02 the card challenge is 6 bytes and the sequence counter 2 bytes.
// For SCP03 the card challenge is 8 bytes and the sequence counter is
// optional.
func (p *KeyProvider) DeriveSessionKeys(version Version, divData, hostChallenge, cardChallenge, seqCounter []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.derived {
		return derivationError(nil, "session keys already derived")
	}
	if p.zeroed {
		return derivationError(nil, "static keys have been wiped")
	}
	if info := p.profile.KeyInfo; info != nil && info.Protocol != version {
		return derivationError(nil, "card announced %s, derivation requested for %s", info.Protocol, version)
	}
	if err := p.static.check(version); err != nil {
		return derivationError(err, "static keys")
	}

	var err error
	switch version {
	case SCP02:
		err = p.deriveSCP02(divData, hostChallenge, cardChallenge, seqCounter)
	case SCP03:
		err = p.deriveSCP03(divData, hostChallenge, cardChallenge)
	default:
		err = derivationError(nil, "unsupported secure channel version %s", version)
	}
	if err != nil {
		p.wipeSession()
		return err
	}

	p.version = version
	p.derived = true
	return nil
}

func (p *KeyProvider) deriveSCP02(divData, hostChallenge, cardChallenge, seqCounter []byte) error {
	switch {
	case len(hostChallenge) != 8:
		return derivationError(nil, "host challenge must be 8 bytes long, got %d", len(hostChallenge))
	case len(cardChallenge) != 6:
		return derivationError(nil, "card challenge must be 6 bytes long, got %d", len(cardChallenge))
	case len(seqCounter) != 2:
		return derivationError(nil, "sequence counter must be 2 bytes long, got %d", len(seqCounter))
	}

	enc, err := diversify(p.method, p.static.ENC, 0x01, divData)
	if err != nil {
		return derivationError(err, "diversify ENC key")
	}
	defer wipe(enc)
	mac, err := diversify(p.method, p.static.MAC, 0x02, divData)
	if err != nil {
		return derivationError(err, "diversify MAC key")
	}
	defer wipe(mac)
	dek, err := diversify(p.method, p.static.DEK, 0x03, divData)
	if err != nil {
		return derivationError(err, "diversify DEK key")
	}
	defer wipe(dek)

	p.session = make(map[KeyPurpose]SessionKey, 4)
	for _, d := range []struct {
		purpose  KeyPurpose
		key      []byte
		constant []byte
	}{
		{PurposeENC, enc, scp02ConstENC},
		{PurposeMAC, mac, scp02ConstCMAC},
		{PurposeRMAC, mac, scp02ConstRMAC},
		{PurposeDEK, dek, scp02ConstDEK},
	} {
		derivation := make([]byte, 16)
		copy(derivation, d.constant)
		copy(derivation[2:], seqCounter)

		value, err := tdesCBCEncrypt(d.key, zeroIV, derivation)
		if err != nil {
			return derivationError(err, "derive %s session key", d.purpose)
		}
		p.session[d.purpose] = SessionKey{Purpose: d.purpose, Algorithm: TDES, Value: value}
	}

	senc := p.session[PurposeENC].Value
	card := concat(hostChallenge, seqCounter, cardChallenge)
	if p.cardCryptogram, err = fullTDESMAC(senc, pad80(card, 8), zeroIV); err != nil {
		return derivationError(err, "card cryptogram")
	}
	host := concat(seqCounter, cardChallenge, hostChallenge)
	if p.hostCryptogram, err = fullTDESMAC(senc, pad80(host, 8), zeroIV); err != nil {
		return derivationError(err, "host cryptogram")
	}
	return nil
}

func (p *KeyProvider) deriveSCP03(divData, hostChallenge, cardChallenge []byte) error {
	if p.method != DiversifyNone {
		return derivationError(nil, "%s diversification is not defined for SCP03 key sets", p.method)
	}
	switch {
	case len(hostChallenge) != 8:
		return derivationError(nil, "host challenge must be 8 bytes long, got %d", len(hostChallenge))
	case len(cardChallenge) != 8:
		return derivationError(nil, "card challenge must be 8 bytes long, got %d", len(cardChallenge))
	}

	context := concat(hostChallenge, cardChallenge)
	p.session = make(map[KeyPurpose]SessionKey, 4)
	for _, d := range []struct {
		purpose  KeyPurpose
		key      []byte
		constant byte
	}{
		{PurposeENC, p.static.ENC, kdfSENC},
		{PurposeMAC, p.static.MAC, kdfSMAC},
		{PurposeRMAC, p.static.MAC, kdfSRMAC},
	} {
		value, err := kdf(d.key, d.constant, context, len(d.key)*8)
		if err != nil {
			return derivationError(err, "derive %s session key", d.purpose)
		}
		p.session[d.purpose] = SessionKey{Purpose: d.purpose, Algorithm: AES, Value: value}
	}
	p.session[PurposeDEK] = SessionKey{Purpose: PurposeDEK, Algorithm: AES, Value: append([]byte{}, p.static.DEK...)}

	smac := p.session[PurposeMAC].Value
	var err error
	if p.cardCryptogram, err = kdf(smac, kdfCardCryptogram, context, 64); err != nil {
		return derivationError(err, "card cryptogram")
	}
	if p.hostCryptogram, err = kdf(smac, kdfHostCryptogram, context, 64); err != nil {
		return derivationError(err, "host cryptogram")
	}
	return nil
}

// KeyFor returns a copy of the session key for purpose.
func (p *KeyProvider) KeyFor(purpose KeyPurpose) (SessionKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.session[purpose]
	if !p.derived || !ok {
		return SessionKey{}, errors.Wrapf(ErrNoSessionKey, "%s", purpose)
	}
	key.Value = append([]byte{}, key.Value...)
	return key, nil
}

// Version is the protocol the session keys were derived for, zero before derivation.
func (p *KeyProvider) Version() Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// CardCryptogram is the cryptogram the card must present.
func (p *KeyProvider) CardCryptogram() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.derived {
		return nil, errors.Wrap(ErrNoSessionKey, "card cryptogram")
	}
	return append([]byte{}, p.cardCryptogram...), nil
}

// HostCryptogram is the cryptogram sent in EXTERNAL AUTHENTICATE.
func (p *KeyProvider) HostCryptogram() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.derived {
		return nil, errors.Wrap(ErrNoSessionKey, "host cryptogram")
	}
	return append([]byte{}, p.hostCryptogram...), nil
}

// Zero wipes static and session key material. The provider cannot derive
// keys afterwards.
func (p *KeyProvider) Zero() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.static.zero()
	p.wipeSession()
	p.zeroed = true
}

func (p *KeyProvider) wipeSession() {
	for _, key := range p.session {
		wipe(key.Value)
	}
	p.session = nil
	wipe(p.cardCryptogram)
	wipe(p.hostCryptogram)
	p.cardCryptogram = nil
	p.hostCryptogram = nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
