package scp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// Cryptographic primitives shared by SCP02 (3DES) and SCP03 (AES).
//
// Padding is ISO/IEC 9797-1 method 2: '80' followed by zeros up to the block
// size, always applied.

var zeroIV = make([]byte, aes.BlockSize)

func pad80(b []byte, blockSize int) []byte {
	padded := make([]byte, len(b)+blockSize-len(b)%blockSize)
	copy(padded, b)
	padded[len(b)] = 0x80
	return padded
}

func unpad80(b []byte) ([]byte, error) {
	i := len(b) - 1
	for i >= 0 && b[i] == 0x00 {
		i--
	}
	if i < 0 || b[i] != 0x80 {
		return nil, errors.New("missing '80' padding marker")
	}
	return b[:i], nil
}

// tdesKey expands a double length key K1K2 to K1K2K1.
func tdesKey(key []byte) ([]byte, error) {
	switch len(key) {
	case 16:
		k := make([]byte, 24)
		copy(k, key)
		copy(k[16:], key[:8])
		return k, nil
	case 24:
		return append([]byte{}, key...), nil
	default:
		return nil, errors.Errorf("3DES key must be 16 or 24 bytes long, got %d", len(key))
	}
}

func tdesCipher(key []byte) (cipher.Block, error) {
	k, err := tdesKey(key)
	if err != nil {
		return nil, err
	}
	defer wipe(k)
	return des.NewTripleDESCipher(k)
}

func tdesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%des.BlockSize != 0 {
		return nil, errors.Errorf("3DES input must be a multiple of %d bytes, got %d", des.BlockSize, len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv[:des.BlockSize]).CryptBlocks(out, data)
	return out, nil
}

// tdesECBEncrypt encrypts every 8 byte block independently.
func tdesECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%des.BlockSize != 0 {
		return nil, errors.Errorf("3DES input must be a multiple of %d bytes, got %d", des.BlockSize, len(data))
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += des.BlockSize {
		block.Encrypt(out[i:], data[i:i+des.BlockSize])
	}
	return out, nil
}

// fullTDESMAC is the 3DES CBC-MAC over padded data: the last cipher block.
func fullTDESMAC(key, data, iv []byte) ([]byte, error) {
	out, err := tdesCBCEncrypt(key, iv, data)
	if err != nil {
		return nil, err
	}
	return out[len(out)-des.BlockSize:], nil
}

// retailMAC is the single DES plus final triple DES MAC (ISO/IEC 9797-1
// algorithm 3) over padded data, chained from icv.
func retailMAC(key, data, icv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.Errorf("MAC key must be 16 bytes long, got %d", len(key))
	}
	if len(data) == 0 || len(data)%des.BlockSize != 0 {
		return nil, errors.Errorf("MAC input must be a non-empty multiple of %d bytes, got %d", des.BlockSize, len(data))
	}

	single, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	triple, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}

	chain := icv[:des.BlockSize]
	last := len(data) - des.BlockSize
	if last > 0 {
		tmp := make([]byte, last)
		cipher.NewCBCEncrypter(single, chain).CryptBlocks(tmp, data[:last])
		chain = tmp[last-des.BlockSize:]
	}

	mac := make([]byte, des.BlockSize)
	cipher.NewCBCEncrypter(triple, chain).CryptBlocks(mac, data[last:])
	return mac, nil
}

// encryptICV protects the SCP02 chaining value with single DES under K1.
func encryptICV(key, icv []byte) ([]byte, error) {
	block, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	out := make([]byte, des.BlockSize)
	block.Encrypt(out, icv)
	return out, nil
}

// aesCMAC returns the full 16 byte AES-CMAC (NIST SP 800-38B) of data.
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	h, err := cmac.NewWithTagSize(block, aes.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC")
	}
	if _, err := h.Write(data); err != nil {
		return nil, errors.Wrap(err, "update CMAC")
	}
	return h.Sum(nil), nil
}

// KDF derivation constants of SCP03.
const (
	kdfCardCryptogram byte = 0x00
	kdfHostCryptogram byte = 0x01
	kdfSENC           byte = 0x04
	kdfSMAC           byte = 0x06
	kdfSRMAC          byte = 0x07
)

// kdf is the SCP03 key derivation function: NIST SP 800-108 in counter mode
// with AES-CMAC as PRF. The fixed input is an 11 byte zero label with the
// derivation constant, a zero separator, L in bits on two bytes, the counter
// and the context.
func kdf(key []byte, constant byte, context []byte, bits int) ([]byte, error) {
	if bits <= 0 || bits%8 != 0 || bits > 256 {
		return nil, errors.Errorf("KDF output of %d bits is not supported", bits)
	}

	input := make([]byte, 0, 16+len(context))
	input = append(input, make([]byte, 11)...)
	input = append(input, constant, 0x00, byte(bits>>8), byte(bits), 0x00)
	input = append(input, context...)

	var out []byte
	for i := byte(1); len(out)*8 < bits; i++ {
		input[15] = i
		part, err := aesCMAC(key, input)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out[:bits/8], nil
}

func aesEncryptBlock(key, block []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

func aesCBC(key, iv, data []byte, encrypt bool) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("AES input must be a multiple of %d bytes, got %d", aes.BlockSize, len(data))
	}

	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(c, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(c, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func equalMAC(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
