package hefield

import (
	"fmt"
	"log/slog"
	"math"
)

// AggregateOp selects an aggregation.
type AggregateOp string

const (
	AggregateSum AggregateOp = "sum"
	AggregateAvg AggregateOp = "avg"
)

// CompareOp selects a comparison between two encrypted numbers.
type CompareOp string

const (
	CompareEq CompareOp = "=="
	CompareNe CompareOp = "!="
	CompareGt CompareOp = ">"
	CompareLt CompareOp = "<"
	CompareGe CompareOp = ">="
	CompareLe CompareOp = "<="
)

// Comparison tolerances on the decrypted difference a - b.
const (
	equalityEpsilon = 1e-4
	orderingEpsilon = 1e-6
)

// HomomorphicArithmetic evaluates arithmetic on numeric ciphertexts.
//
// Add, ScalarMultiply and Aggregate run under the CKKS evaluator and never see
// plaintext. When a ciphertext cannot be evaluated (fallback-tagged, foreign
// or malformed) they degrade to decrypt, compute, re-encrypt through the codec.
//
// Compare is not zero-knowledge: CKKS has no homomorphic comparison, so it
// decrypts a - b with the secret key and tests the sign. Values are protected
// at rest and in transit, not from the node evaluating the comparison.
type HomomorphicArithmetic struct {
	codec  *ValueCodec
	logger *slog.Logger
}

// NewHomomorphicArithmetic creates an evaluator sharing the codec's contexts.
func NewHomomorphicArithmetic(codec *ValueCodec) *HomomorphicArithmetic {
	return &HomomorphicArithmetic{codec: codec, logger: codec.logger}
}

// evaluator returns the CKKS context when both operands can be evaluated
// homomorphically, otherwise nil.
func (h *HomomorphicArithmetic) evaluator(cts ...[]byte) *EncryptionContext {
	if !h.codec.store.HEEnabled() {
		return nil
	}
	for _, ct := range cts {
		if IsFallback(ct) {
			return nil
		}
	}
	return h.codec.store.NumericContext()
}

// Add returns a + b.
func (h *HomomorphicArithmetic) Add(a, b []byte, tableDotField string) ([]byte, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("add %s: %w", tableDotField, ErrWasNull)
	}
	if ctx := h.evaluator(a, b); ctx != nil {
		out, err := ctx.add(a, b)
		if err == nil {
			return out, nil
		}
		h.degraded("add", tableDotField, err)
	}
	return h.plain(tableDotField, func(x ...float64) float64 { return x[0] + x[1] }, a, b)
}

// Subtract returns a - b.
func (h *HomomorphicArithmetic) Subtract(a, b []byte, tableDotField string) ([]byte, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("subtract %s: %w", tableDotField, ErrWasNull)
	}
	if ctx := h.evaluator(a, b); ctx != nil {
		diff, err := ctx.subCiphertext(a, b)
		if err == nil {
			var out []byte
			if out, err = marshalCiphertext(diff); err == nil {
				return out, nil
			}
		}
		h.degraded("subtract", tableDotField, err)
	}
	return h.plain(tableDotField, func(x ...float64) float64 { return x[0] - x[1] }, a, b)
}

// ScalarMultiply returns a * k.
func (h *HomomorphicArithmetic) ScalarMultiply(a []byte, k float64, tableDotField string) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("multiply %s: %w", tableDotField, ErrWasNull)
	}
	if ctx := h.evaluator(a); ctx != nil {
		out, err := ctx.mulScalar(a, k)
		if err == nil {
			return out, nil
		}
		h.degraded("multiply", tableDotField, err)
	}
	return h.plain(tableDotField, func(x ...float64) float64 { return x[0] * k }, a)
}

// Aggregate folds values left to right with Add; AggregateAvg then multiplies
// the sum by 1/n. NULL entries are skipped. Returns nil, nil when no
// non-NULL value remains.
func (h *HomomorphicArithmetic) Aggregate(values [][]byte, op AggregateOp, tableDotField string) ([]byte, error) {
	if op != AggregateSum && op != AggregateAvg {
		return nil, fmt.Errorf("%w: aggregate %q", ErrUnsupportedOperator, op)
	}

	var acc []byte
	n := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		n++
		if acc == nil {
			acc = v
			continue
		}
		sum, err := h.Add(acc, v, tableDotField)
		if err != nil {
			return nil, err
		}
		acc = sum
	}
	if n == 0 {
		return nil, nil
	}
	if op == AggregateAvg && n > 1 {
		return h.ScalarMultiply(acc, 1/float64(n), tableDotField)
	}
	return acc, nil
}

// Compare evaluates a op b. An error means the result is unknown; callers
// must not read it as false.
func (h *HomomorphicArithmetic) Compare(a, b []byte, op CompareOp, tableDotField string) (bool, error) {
	if !op.valid() {
		return false, fmt.Errorf("%w: compare %q", ErrUnsupportedOperator, op)
	}
	if a == nil || b == nil {
		return false, fmt.Errorf("compare %s: %w: NULL operand", tableDotField, ErrComparisonUnknown)
	}

	if ctx := h.evaluator(a, b); ctx.HasSecretKey() {
		d, err := h.decryptDifference(ctx, a, b)
		if err == nil {
			return op.holds(d), nil
		}
		h.degraded("compare", tableDotField, err)
	}

	x, err := h.codec.DecryptFloat(a, tableDotField)
	if err != nil {
		return false, fmt.Errorf("compare %s: %w: %v", tableDotField, ErrComparisonUnknown, err)
	}
	y, err := h.codec.DecryptFloat(b, tableDotField)
	if err != nil {
		return false, fmt.Errorf("compare %s: %w: %v", tableDotField, ErrComparisonUnknown, err)
	}
	return op.holds(x - y), nil
}

func (h *HomomorphicArithmetic) decryptDifference(ctx *EncryptionContext, a, b []byte) (float64, error) {
	diff, err := ctx.subCiphertext(a, b)
	if err != nil {
		return 0, err
	}
	return ctx.decryptFloatCiphertext(diff)
}

// plain decrypts every operand, applies f and re-encrypts the result.
func (h *HomomorphicArithmetic) plain(tableDotField string, f func(x ...float64) float64, cts ...[]byte) ([]byte, error) {
	xs := make([]float64, len(cts))
	for i, ct := range cts {
		v, err := h.codec.DecryptFloat(ct, tableDotField)
		if err != nil {
			return nil, err
		}
		xs[i] = v
	}
	return h.codec.EncryptFloat(f(xs...), tableDotField), nil
}

func (h *HomomorphicArithmetic) degraded(op, tableDotField string, err error) {
	h.logger.Debug("homomorphic evaluation failed, using decrypt-compute-encrypt",
		slog.String("op", op),
		slog.String("field", tableDotField),
		slog.Any("error", err))
}

func (op CompareOp) valid() bool {
	switch op {
	case CompareEq, CompareNe, CompareGt, CompareLt, CompareGe, CompareLe:
		return true
	default:
		return false
	}
}

// holds applies the operator to the difference d = a - b.
func (op CompareOp) holds(d float64) bool {
	eq := math.Abs(d) < equalityEpsilon
	switch op {
	case CompareEq:
		return eq
	case CompareNe:
		return !eq
	case CompareGt:
		return d > orderingEpsilon
	case CompareLt:
		return d < -orderingEpsilon
	case CompareGe:
		return d > orderingEpsilon || eq
	case CompareLe:
		return d < -orderingEpsilon || eq
	default:
		return false
	}
}
