package hefield

// Reencrypt decrypts a ciphertext and encrypts the value again under the
// store's current mode. Use it to migrate fallback ciphertexts written while
// HE was disabled once HE becomes available.
//
// Returns nil if ciphertext is nil (NULL stays NULL).
// Returns error if decryption fails.
func (c *ValueCodec) Reencrypt(ciphertext []byte, tableDotField string) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}

	value, err := c.Decrypt(ciphertext, tableDotField)
	if err != nil {
		return nil, err
	}

	return c.Encrypt(value, tableDotField), nil
}

// NeedsReencryption reports whether a ciphertext is fallback-tagged while HE
// is enabled. Returns false for nil ciphertext (NULL values don't need it).
func (c *ValueCodec) NeedsReencryption(ciphertext []byte) bool {
	if ciphertext == nil {
		return false
	}
	return IsFallback(ciphertext) && c.store.HEEnabled()
}

// CiphertextKind classifies a stored ciphertext without decrypting it.
type CiphertextKind string

const (
	KindNull            CiphertextKind = "null"
	KindFallbackNumeric CiphertextKind = "fallback-numeric"
	KindFallbackString  CiphertextKind = "fallback-string"
	KindHomomorphic     CiphertextKind = "homomorphic"
)

// KindOf classifies ciphertext. Anything not fallback-tagged is assumed to be
// an HE ciphertext; Decrypt is the only validation.
func KindOf(ciphertext []byte) CiphertextKind {
	if ciphertext == nil {
		return KindNull
	}
	tag, _, ok := splitFallback(ciphertext)
	if !ok {
		return KindHomomorphic
	}
	if string(tag) == string(tagNumeric) {
		return KindFallbackNumeric
	}
	return KindFallbackString
}
