package hefield

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// ValueCodec encrypts and decrypts single field values. The registry picks
// the scheme: numeric fields use CKKS, everything else uses BFV. When HE is
// disabled, or an HE call fails, values go through the fallback codec.
// It is safe for concurrent use.
type ValueCodec struct {
	store    *ContextStore
	registry *FieldRegistry
	logger   *slog.Logger
}

// NewValueCodec creates a codec over an initialized ContextStore.
func NewValueCodec(store *ContextStore, registry *FieldRegistry) *ValueCodec {
	return &ValueCodec{
		store:    store,
		registry: registry,
		logger:   store.cfg.logger,
	}
}

// Registry returns the field registry the codec dispatches on.
func (c *ValueCodec) Registry() *FieldRegistry {
	return c.registry
}

// Store returns the context store backing the codec.
func (c *ValueCodec) Store() *ContextStore {
	return c.store
}

// Encrypt encrypts value for the "table.field" key.
// Returns nil only if value is nil (NULL preservation). Encryption never
// fails: any HE error yields a fallback-tagged ciphertext instead.
func (c *ValueCodec) Encrypt(value any, tableDotField string) []byte {
	value = derefValue(value)
	if value == nil {
		return nil // NULL preservation
	}
	vt := c.registry.TypeOf(tableDotField)

	if !c.store.HEEnabled() {
		return c.store.fallbackCodec().encode(value, vt)
	}

	ct, err := c.encryptHE(value, vt)
	if err != nil {
		c.logger.Warn("homomorphic encryption failed, using fallback",
			slog.String("field", tableDotField),
			slog.Any("error", err))
		return c.store.fallbackCodec().encode(value, vt)
	}
	return ct
}

func (c *ValueCodec) encryptHE(value any, vt ValueType) ([]byte, error) {
	ctx := c.store.context(vt)
	if ctx == nil {
		return nil, ErrContextUnavailable
	}
	if vt == Numeric {
		v, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not numeric", ErrUnknownValueType, value)
		}
		return ctx.encryptFloat(v)
	}

	s := toText(value)
	points := make([]uint64, 0, len(s))
	for _, r := range s {
		if uint64(r) >= ctx.literal.PlaintextModulus {
			return nil, fmt.Errorf("%w: code point %U exceeds plaintext modulus", ErrInvalidFormat, r)
		}
		points = append(points, uint64(r))
	}
	return ctx.encryptCodePoints(points)
}

// Decrypt decrypts a ciphertext produced by Encrypt for the same key.
// Returns nil, nil if ciphertext is nil (NULL preservation).
//
// Numeric values come back as float64 rounded to 2 decimal places. String
// values come back with zero padding and every character outside printable
// ASCII (32-126) removed; the string scheme is treated as ASCII-only.
// Fallback ciphertexts decode to the value that was stored.
func (c *ValueCodec) Decrypt(ciphertext []byte, tableDotField string) (any, error) {
	if ciphertext == nil {
		return nil, nil // NULL preservation
	}
	if IsFallback(ciphertext) {
		v, err := c.store.fallbackCodec().decode(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", tableDotField, err)
		}
		return v, nil
	}

	vt := c.registry.TypeOf(tableDotField)
	ctx := c.store.context(vt)
	if ctx == nil {
		return nil, fmt.Errorf("decrypt %s: %w", tableDotField, ErrContextUnavailable)
	}

	if vt == Numeric {
		v, err := ctx.decryptFloat(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", tableDotField, err)
		}
		return roundCents(v), nil
	}

	points, err := ctx.decryptCodePoints(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", tableDotField, err)
	}
	return printableASCII(points), nil
}

// IsFallback reports whether ciphertext came from the fallback codec.
func (c *ValueCodec) IsFallback(ciphertext []byte) bool {
	return IsFallback(ciphertext)
}

// roundCents rounds to 2 decimal places, the precision contract of numeric fields.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// printableASCII keeps slots holding code points 32-126.
func printableASCII(points []uint64) string {
	var b strings.Builder
	for _, p := range points {
		if p >= 32 && p <= 126 {
			b.WriteByte(byte(p))
		}
	}
	return b.String()
}
