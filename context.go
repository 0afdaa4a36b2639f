package hefield

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// envelopeVersion is bumped whenever contextEnvelope changes shape.
const envelopeVersion uint8 = 1

// EncryptionContext holds one scheme's parameters and key set.
//
// A secret-bearing context can encrypt, decrypt and evaluate; a public context
// (see Public) can only encrypt and evaluate. Contexts are never mutated after
// construction and are safe for concurrent use: lattigo encoders, encryptors and
// evaluators keep scratch buffers, so every operation holds mu.
type EncryptionContext struct {
	scheme  Scheme
	literal parametersLiteral

	ckksParams ckks.Parameters
	bgvParams  bgv.Parameters

	sk  *rlwe.SecretKey // nil for public contexts
	pk  *rlwe.PublicKey
	evk *rlwe.MemEvaluationKeySet

	mu          sync.Mutex
	ckksEncoder *ckks.Encoder
	bgvEncoder  *bgv.Encoder
	evaluator   *ckks.Evaluator
	encryptor   *rlwe.Encryptor
	decryptor   *rlwe.Decryptor
}

// contextEnvelope is the persisted form of an EncryptionContext.
type contextEnvelope struct {
	Version        uint8
	Scheme         Scheme
	Params         parametersLiteral
	SecretKey      []byte
	PublicKey      []byte
	EvaluationKeys []byte
}

// generateNumericContext creates a fresh secret-bearing CKKS context with a
// relinearization key and Galois keys for the given rotation steps.
func generateNumericContext(p NumericParameters, rotations []int) (*EncryptionContext, error) {
	params, err := p.build()
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	galEls := make([]uint64, 0, len(rotations))
	for _, rot := range rotations {
		galEls = append(galEls, params.GaloisElement(rot))
	}
	var gks []*rlwe.GaloisKey
	if len(galEls) > 0 {
		gks = kgen.GenGaloisKeysNew(galEls, sk)
	}

	return newEncryptionContext(SchemeCKKS, p.literal(), sk, pk, rlwe.NewMemEvaluationKeySet(rlk, gks...))
}

// generateStringContext creates a fresh secret-bearing BFV context.
func generateStringContext(p StringParameters) (*EncryptionContext, error) {
	params, err := p.build()
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	return newEncryptionContext(SchemeBFV, p.literal(), sk, pk, rlwe.NewMemEvaluationKeySet(rlk))
}

// newEncryptionContext wires encoders and evaluators around existing key material.
func newEncryptionContext(scheme Scheme, lit parametersLiteral, sk *rlwe.SecretKey, pk *rlwe.PublicKey, evk *rlwe.MemEvaluationKeySet) (*EncryptionContext, error) {
	if pk == nil {
		return nil, fmt.Errorf("%w: context without public key", ErrInvalidFormat)
	}
	c := &EncryptionContext{
		scheme:  scheme,
		literal: lit,
		sk:      sk,
		pk:      pk,
		evk:     evk,
	}

	switch scheme {
	case SchemeCKKS:
		params, err := lit.numeric().build()
		if err != nil {
			return nil, err
		}
		c.ckksParams = params
		c.ckksEncoder = ckks.NewEncoder(params)
		if evk != nil {
			c.evaluator = ckks.NewEvaluator(params, evk)
		} else {
			c.evaluator = ckks.NewEvaluator(params, nil)
		}
		c.encryptor = rlwe.NewEncryptor(params, pk)
		if sk != nil {
			c.decryptor = rlwe.NewDecryptor(params, sk)
		}
	case SchemeBFV:
		params, err := lit.str().build()
		if err != nil {
			return nil, err
		}
		c.bgvParams = params
		c.bgvEncoder = bgv.NewEncoder(params)
		c.encryptor = rlwe.NewEncryptor(params, pk)
		if sk != nil {
			c.decryptor = rlwe.NewDecryptor(params, sk)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidFormat, scheme)
	}
	return c, nil
}

// Scheme returns the HE scheme of the context.
func (c *EncryptionContext) Scheme() Scheme {
	return c.scheme
}

// HasSecretKey reports whether the context can decrypt.
func (c *EncryptionContext) HasSecretKey() bool {
	return c != nil && c.sk != nil
}

// Slots returns how many values a single ciphertext carries.
func (c *EncryptionContext) Slots() int {
	if c.scheme == SchemeCKKS {
		return c.ckksParams.MaxSlots()
	}
	return c.bgvParams.MaxSlots()
}

// Public returns a copy of the context with the secret key stripped.
// The copy shares immutable key material but owns its encoders.
func (c *EncryptionContext) Public() (*EncryptionContext, error) {
	return newEncryptionContext(c.scheme, c.literal, nil, c.pk, c.evk)
}

// MarshalBinary serializes the context, including the secret key when present.
func (c *EncryptionContext) MarshalBinary() ([]byte, error) {
	env := contextEnvelope{
		Version: envelopeVersion,
		Scheme:  c.scheme,
		Params:  c.literal,
	}

	var err error
	if c.sk != nil {
		if env.SecretKey, err = c.sk.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("serialize secret key: %w", err)
		}
	}
	if env.PublicKey, err = c.pk.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("serialize public key: %w", err)
	}
	if c.evk != nil {
		if env.EvaluationKeys, err = c.evk.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("serialize evaluation keys: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&env); err != nil {
		return nil, fmt.Errorf("encode context envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalContext rebuilds a context from MarshalBinary output.
func UnmarshalContext(data []byte) (ctx *EncryptionContext, err error) {
	defer recoverAsError(&err)

	var env contextEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode context envelope: %v", ErrInvalidFormat, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: context envelope version %d", ErrInvalidFormat, env.Version)
	}

	var params rlwe.ParameterProvider
	switch env.Scheme {
	case SchemeCKKS:
		p, err := env.Params.numeric().build()
		if err != nil {
			return nil, err
		}
		params = p
	case SchemeBFV:
		p, err := env.Params.str().build()
		if err != nil {
			return nil, err
		}
		params = p
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidFormat, env.Scheme)
	}

	var sk *rlwe.SecretKey
	if len(env.SecretKey) > 0 {
		sk = rlwe.NewSecretKey(params)
		if err := sk.UnmarshalBinary(env.SecretKey); err != nil {
			return nil, fmt.Errorf("%w: secret key: %v", ErrInvalidFormat, err)
		}
	}

	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(env.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidFormat, err)
	}

	var evk *rlwe.MemEvaluationKeySet
	if len(env.EvaluationKeys) > 0 {
		evk = new(rlwe.MemEvaluationKeySet)
		if err := evk.UnmarshalBinary(env.EvaluationKeys); err != nil {
			return nil, fmt.Errorf("%w: evaluation keys: %v", ErrInvalidFormat, err)
		}
	}

	return newEncryptionContext(env.Scheme, env.Params, sk, pk, evk)
}

// recoverAsError converts a lattigo panic (size mismatch on foreign ciphertexts,
// malformed buffers) into ErrInvalidFormat.
func recoverAsError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrInvalidFormat, r)
	}
}
