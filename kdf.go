package hefield

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// symmetricKeySize is the size of the raw key kept in symmetric_key.dat.
const symmetricKeySize = 32

// Info strings for HKDF derivation. Distinct strings give independent pads.
const (
	infoFallbackPad = "hefield-fallback-pad"
)

// derivePad derives the 32-byte XOR pad of the fallback codec from the raw
// symmetric key using HKDF-SHA256 (nil salt, fixed info string).
func derivePad(symmetricKey []byte) ([symmetricKeySize]byte, error) {
	var pad [symmetricKeySize]byte
	if len(symmetricKey) != symmetricKeySize {
		return pad, ErrInvalidKeySize
	}
	if err := hkdfDerive(symmetricKey, infoFallbackPad, pad[:]); err != nil {
		return pad, err
	}
	return pad, nil
}

// hkdfDerive performs HKDF-SHA256 key derivation with the given info string.
func hkdfDerive(key []byte, info string, out []byte) error {
	reader := hkdf.New(sha256.New, key, nil, []byte(info))
	_, err := io.ReadFull(reader, out)
	return err
}
