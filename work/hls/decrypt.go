package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	methodNone   = "NONE"
	methodAES128 = "AES-128"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// segmentIV returns the IV for a segment: the explicit playlist IV when
// present, otherwise the media sequence number as a 16-byte big-endian value.
func segmentIV(explicit string, seq uint64) ([]byte, error) {
	if explicit == "" {
		iv := make([]byte, aes.BlockSize)
		binary.BigEndian.PutUint64(iv[8:], seq)
		return iv, nil
	}

	s := strings.TrimPrefix(strings.TrimPrefix(explicit, "0x"), "0X")
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IV %q: %w", explicit, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	return iv, nil
}

// decryptAES128 decrypts an AES-128-CBC segment in place and strips PKCS#7
// padding. The returned slice aliases data.
func decryptAES128(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)

	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, errBadPadding
	}
	if !bytes.Equal(data[len(data)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, errBadPadding
	}
	return data[:len(data)-pad], nil
}
