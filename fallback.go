package hefield

import (
	"bytes"
	"fmt"
	"strconv"
)

// Fallback blob format:
// [tag:4][plaintext XOR pad]
//
// Tag values:
//   "NUM:" = decimal float64 text
//   "STR:" = UTF-8 text
//
// The pad is the 32-byte HKDF output of symmetric_key.dat, repeated over the
// payload. This is obfuscation for forward compatibility while HE is
// unavailable, not authenticated encryption.

const fallbackTagSize = 4

var (
	tagNumeric = []byte("NUM:")
	tagString  = []byte("STR:")
)

// fallbackCodec is the symmetric XOR codec used when HE is disabled or fails.
type fallbackCodec struct {
	pad [symmetricKeySize]byte
}

// newFallbackCodec derives the pad from a raw 32-byte symmetric key.
func newFallbackCodec(symmetricKey []byte) (*fallbackCodec, error) {
	pad, err := derivePad(symmetricKey)
	if err != nil {
		return nil, err
	}
	return &fallbackCodec{pad: pad}, nil
}

// encodeNumeric produces a NUM: blob.
func (f *fallbackCodec) encodeNumeric(v float64) []byte {
	return f.seal(tagNumeric, []byte(strconv.FormatFloat(v, 'g', -1, 64)))
}

// encodeString produces a STR: blob.
func (f *fallbackCodec) encodeString(s string) []byte {
	return f.seal(tagString, []byte(s))
}

// encode routes by value: anything convertible to float64 becomes NUM:,
// everything else is formatted as text.
func (f *fallbackCodec) encode(value any, vt ValueType) []byte {
	if vt == Numeric {
		if v, ok := toFloat(value); ok {
			return f.encodeNumeric(v)
		}
	}
	return f.encodeString(toText(value))
}

// decode reverses encode. Numeric blobs yield float64, string blobs yield string.
func (f *fallbackCodec) decode(blob []byte) (any, error) {
	tag, payload, ok := splitFallback(blob)
	if !ok {
		return nil, fmt.Errorf("%w: missing fallback tag", ErrInvalidFormat)
	}
	plain := f.xor(payload)

	if bytes.Equal(tag, tagNumeric) {
		v, err := strconv.ParseFloat(string(plain), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: fallback numeric: %v", ErrDecryptionFailed, err)
		}
		return v, nil
	}
	return string(plain), nil
}

func (f *fallbackCodec) seal(tag, plain []byte) []byte {
	out := make([]byte, 0, fallbackTagSize+len(plain))
	out = append(out, tag...)
	return append(out, f.xor(plain)...)
}

// xor applies the repeating pad. It is its own inverse.
func (f *fallbackCodec) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ f.pad[i%len(f.pad)]
	}
	return out
}

// splitFallback returns the tag and payload of a fallback blob.
func splitFallback(blob []byte) (tag, payload []byte, ok bool) {
	if len(blob) < fallbackTagSize {
		return nil, nil, false
	}
	tag = blob[:fallbackTagSize]
	if !bytes.Equal(tag, tagNumeric) && !bytes.Equal(tag, tagString) {
		return nil, nil, false
	}
	return tag, blob[fallbackTagSize:], true
}

// IsFallback reports whether ct was produced by the symmetric fallback codec
// rather than by an HE context.
func IsFallback(ct []byte) bool {
	_, _, ok := splitFallback(ct)
	return ok
}
