package hefield

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// marshalCiphertext serializes a ciphertext with no additional framing.
func marshalCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	b, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize ciphertext: %w", err)
	}
	return b, nil
}

// parseCiphertext deserializes a ciphertext and checks it fits the context's modulus chain.
func (c *EncryptionContext) parseCiphertext(data []byte) (ct *rlwe.Ciphertext, err error) {
	defer recoverAsError(&err)

	if len(data) == 0 {
		return nil, ErrInvalidFormat
	}
	ct = new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if len(ct.Value) < 2 || ct.MetaData == nil || ct.Level() > len(c.literal.LogQ)-1 {
		return nil, fmt.Errorf("%w: ciphertext does not match %s context", ErrInvalidFormat, c.scheme)
	}
	// CKKS scales sit near 2^LogDefaultScale, BFV scales stay below the
	// plaintext modulus. This rejects ciphertexts of the other scheme.
	scale := ct.Scale.Float64()
	if (c.scheme == SchemeCKKS && scale < 2) || (c.scheme == SchemeBFV && scale >= float64(c.literal.PlaintextModulus)) {
		return nil, fmt.Errorf("%w: ciphertext scale does not match %s context", ErrInvalidFormat, c.scheme)
	}
	return ct, nil
}

// encryptFloat encodes v as a length-1 CKKS vector and encrypts it.
func (c *EncryptionContext) encryptFloat(v float64) (out []byte, err error) {
	if c.scheme != SchemeCKKS {
		return nil, fmt.Errorf("%w: numeric encrypt on %s context", ErrContextUnavailable, c.scheme)
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	pt := ckks.NewPlaintext(c.ckksParams, c.ckksParams.MaxLevel())
	if err := c.ckksEncoder.Encode([]float64{v}, pt); err != nil {
		return nil, fmt.Errorf("encode numeric: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt numeric: %w", err)
	}
	return marshalCiphertext(ct)
}

// decryptFloat decrypts a CKKS ciphertext and returns its first slot, unrounded.
func (c *EncryptionContext) decryptFloat(data []byte) (float64, error) {
	ct, err := c.parseCiphertext(data)
	if err != nil {
		return 0, err
	}
	return c.decryptFloatCiphertext(ct)
}

func (c *EncryptionContext) decryptFloatCiphertext(ct *rlwe.Ciphertext) (v float64, err error) {
	if c.scheme != SchemeCKKS || c.decryptor == nil {
		return 0, ErrContextUnavailable
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.decryptor.DecryptNew(ct)
	values := make([]float64, c.ckksParams.MaxSlots())
	if err := c.ckksEncoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("%w: decode numeric: %v", ErrDecryptionFailed, err)
	}
	return values[0], nil
}

// add returns a + b under the CKKS evaluator.
func (c *EncryptionContext) add(a, b []byte) ([]byte, error) {
	return c.binary(a, b, func(x, y *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
		return c.evaluator.AddNew(x, y)
	})
}

// subCiphertext returns a - b, still encrypted.
func (c *EncryptionContext) subCiphertext(a, b []byte) (*rlwe.Ciphertext, error) {
	var diff *rlwe.Ciphertext
	_, err := c.binary(a, b, func(x, y *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
		var err error
		diff, err = c.evaluator.SubNew(x, y)
		return diff, err
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

// mulScalar returns a * k, rescaled back to the default scale.
func (c *EncryptionContext) mulScalar(a []byte, k float64) (out []byte, err error) {
	if c.scheme != SchemeCKKS || c.evaluator == nil {
		return nil, ErrContextUnavailable
	}
	ct, err := c.parseCiphertext(a)
	if err != nil {
		return nil, err
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	prod, err := c.evaluator.MulNew(ct, k)
	if err != nil {
		return nil, fmt.Errorf("scalar multiply: %w", err)
	}
	// Integer scalars are multiplied in without growing the scale.
	if prod.Scale.Cmp(ct.Scale) > 0 {
		if prod.Level() == 0 {
			return nil, fmt.Errorf("%w: no level left to rescale", ErrInvalidFormat)
		}
		if err := c.evaluator.Rescale(prod, prod); err != nil {
			return nil, fmt.Errorf("rescale: %w", err)
		}
	}
	return marshalCiphertext(prod)
}

// binary parses both operands and applies op while holding the context lock.
func (c *EncryptionContext) binary(a, b []byte, op func(x, y *rlwe.Ciphertext) (*rlwe.Ciphertext, error)) (out []byte, err error) {
	if c.scheme != SchemeCKKS || c.evaluator == nil {
		return nil, ErrContextUnavailable
	}
	x, err := c.parseCiphertext(a)
	if err != nil {
		return nil, err
	}
	y, err := c.parseCiphertext(b)
	if err != nil {
		return nil, err
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := op(x, y)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return marshalCiphertext(res)
}

// encryptCodePoints encodes one integer per slot under BFV and encrypts the vector.
func (c *EncryptionContext) encryptCodePoints(points []uint64) (out []byte, err error) {
	if c.scheme != SchemeBFV {
		return nil, fmt.Errorf("%w: string encrypt on %s context", ErrContextUnavailable, c.scheme)
	}
	if len(points) > c.bgvParams.MaxSlots() {
		return nil, fmt.Errorf("%w: %d characters exceed %d slots", ErrInvalidFormat, len(points), c.bgvParams.MaxSlots())
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	pt := bgv.NewPlaintext(c.bgvParams, c.bgvParams.MaxLevel())
	if err := c.bgvEncoder.Encode(points, pt); err != nil {
		return nil, fmt.Errorf("encode string: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt string: %w", err)
	}
	return marshalCiphertext(ct)
}

// decryptCodePoints decrypts a BFV ciphertext into its full slot vector.
func (c *EncryptionContext) decryptCodePoints(data []byte) (points []uint64, err error) {
	if c.scheme != SchemeBFV || c.decryptor == nil {
		return nil, ErrContextUnavailable
	}
	ct, err := c.parseCiphertext(data)
	if err != nil {
		return nil, err
	}
	defer recoverAsError(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.decryptor.DecryptNew(ct)
	points = make([]uint64, c.bgvParams.MaxSlots())
	if err := c.bgvEncoder.Decode(pt, points); err != nil {
		return nil, fmt.Errorf("%w: decode string: %v", ErrDecryptionFailed, err)
	}
	return points, nil
}
