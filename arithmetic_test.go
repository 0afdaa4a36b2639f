package hefield

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const balance = "accounts.balance"

func testArithmetic(t testing.TB) (*HomomorphicArithmetic, *ValueCodec) {
	t.Helper()
	codec := testCodec(t)
	return NewHomomorphicArithmetic(codec), codec
}

func decryptFloat(t testing.TB, codec *ValueCodec, ct []byte) float64 {
	t.Helper()
	v, err := codec.DecryptFloat(ct, balance)
	require.NoError(t, err)
	return v
}

func TestArithmetic_Add(t *testing.T) {
	arith, codec := testArithmetic(t)

	sum, err := arith.Add(codec.EncryptFloat(10.25, balance), codec.EncryptFloat(4.5, balance), balance)
	require.NoError(t, err)
	require.False(t, IsFallback(sum))
	require.InDelta(t, 14.75, decryptFloat(t, codec, sum), 1e-2)
}

func TestArithmetic_Subtract(t *testing.T) {
	arith, codec := testArithmetic(t)

	diff, err := arith.Subtract(codec.EncryptFloat(10, balance), codec.EncryptFloat(12.5, balance), balance)
	require.NoError(t, err)
	require.InDelta(t, -2.5, decryptFloat(t, codec, diff), 1e-2)
}

func TestArithmetic_ScalarMultiply(t *testing.T) {
	arith, codec := testArithmetic(t)

	tests := []struct {
		name string
		v, k float64
	}{
		{"integer", 12.5, 3},
		{"fraction", 20, 0.25},
		{"negative", 8, -1.5},
		{"zero", 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod, err := arith.ScalarMultiply(codec.EncryptFloat(tt.v, balance), tt.k, balance)
			require.NoError(t, err)
			require.InDelta(t, tt.v*tt.k, decryptFloat(t, codec, prod), 1e-2)
		})
	}
}

func TestArithmetic_ScalarMultiplyExhaustsLevels(t *testing.T) {
	arith, codec := testArithmetic(t)

	// Each fractional multiply consumes a level; the last one degrades.
	ct := codec.EncryptFloat(64, balance)
	for i := 0; i < 4; i++ {
		var err error
		ct, err = arith.ScalarMultiply(ct, 0.5, balance)
		require.NoError(t, err)
	}
	require.InDelta(t, 4, decryptFloat(t, codec, ct), 1e-2)
}

func TestArithmetic_Aggregate(t *testing.T) {
	arith, codec := testArithmetic(t)

	values := [][]byte{
		codec.EncryptFloat(5, balance),
		codec.EncryptFloat(10, balance),
		codec.EncryptFloat(15, balance),
	}

	sum, err := arith.Aggregate(values, AggregateSum, balance)
	require.NoError(t, err)
	require.InDelta(t, 30.0, decryptFloat(t, codec, sum), 1e-2)

	avg, err := arith.Aggregate(values, AggregateAvg, balance)
	require.NoError(t, err)
	require.InDelta(t, 10.0, decryptFloat(t, codec, avg), 1e-2)
}

func TestArithmetic_AggregateSkipsNull(t *testing.T) {
	arith, codec := testArithmetic(t)

	avg, err := arith.Aggregate([][]byte{nil, codec.EncryptFloat(4, balance), nil, codec.EncryptFloat(8, balance)}, AggregateAvg, balance)
	require.NoError(t, err)
	require.InDelta(t, 6.0, decryptFloat(t, codec, avg), 1e-2)
}

func TestArithmetic_AggregateEmpty(t *testing.T) {
	arith, _ := testArithmetic(t)

	for _, values := range [][][]byte{nil, {}, {nil, nil}} {
		out, err := arith.Aggregate(values, AggregateSum, balance)
		require.NoError(t, err)
		require.Nil(t, out)
	}
}

func TestArithmetic_AggregateUnsupported(t *testing.T) {
	arith, codec := testArithmetic(t)

	_, err := arith.Aggregate([][]byte{codec.EncryptFloat(1, balance)}, AggregateOp("median"), balance)
	require.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestArithmetic_Compare(t *testing.T) {
	arith, codec := testArithmetic(t)
	ten := codec.EncryptFloat(10, balance)
	seven := codec.EncryptFloat(7, balance)
	five := codec.EncryptFloat(5, balance)
	fiveAgain := codec.EncryptFloat(5, balance)

	tests := []struct {
		name string
		a, b []byte
		op   CompareOp
		want bool
	}{
		{"10 > 7", ten, seven, CompareGt, true},
		{"7 > 10", seven, ten, CompareGt, false},
		{"7 < 10", seven, ten, CompareLt, true},
		{"5 == 5", five, fiveAgain, CompareEq, true},
		{"5 == 7", five, seven, CompareEq, false},
		{"5 != 7", five, seven, CompareNe, true},
		{"5 >= 5", five, fiveAgain, CompareGe, true},
		{"5 <= 5", five, fiveAgain, CompareLe, true},
		{"5 > 5", five, fiveAgain, CompareGt, false},
		{"10 <= 7", ten, seven, CompareLe, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := arith.Compare(tt.a, tt.b, tt.op, balance)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestArithmetic_CompareUnknown(t *testing.T) {
	arith, codec := testArithmetic(t)

	_, err := arith.Compare(nil, codec.EncryptFloat(1, balance), CompareEq, balance)
	require.ErrorIs(t, err, ErrComparisonUnknown)

	_, err = arith.Compare([]byte("junk-junk"), codec.EncryptFloat(1, balance), CompareEq, balance)
	require.ErrorIs(t, err, ErrComparisonUnknown)

	_, err = arith.Compare(codec.EncryptFloat(1, balance), codec.EncryptFloat(1, balance), CompareOp("~"), balance)
	require.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestArithmetic_Simplified(t *testing.T) {
	codec := testSimplifiedCodec(t)
	arith := NewHomomorphicArithmetic(codec)

	sum, err := arith.Aggregate([][]byte{
		codec.EncryptFloat(5, balance),
		codec.EncryptFloat(10, balance),
		codec.EncryptFloat(15, balance),
	}, AggregateSum, balance)
	require.NoError(t, err)
	require.True(t, IsFallback(sum))
	require.InDelta(t, 30.0, decryptFloat(t, codec, sum), 1e-9)

	gt, err := arith.Compare(codec.EncryptFloat(10, balance), codec.EncryptFloat(7, balance), CompareGt, balance)
	require.NoError(t, err)
	require.True(t, gt)
}

func TestArithmetic_MixedFallbackOperand(t *testing.T) {
	arith, codec := testArithmetic(t)
	fb := testContextStore(t).fallbackCodec().encodeNumeric(2.5)

	sum, err := arith.Add(codec.EncryptFloat(1, balance), fb, balance)
	require.NoError(t, err)
	require.False(t, IsFallback(sum))
	require.InDelta(t, 3.5, decryptFloat(t, codec, sum), 1e-2)
}

func TestArithmetic_PublicOnlyCompareUnknown(t *testing.T) {
	s := NewContextStore(testPersistedBlobs(t), WithLogger(discardLogger()))
	require.True(t, s.LoadPublicOnly(context.Background()))
	codec := NewValueCodec(s, testRegistry(t))
	arith := NewHomomorphicArithmetic(codec)

	a, b := codec.EncryptFloat(3, balance), codec.EncryptFloat(4, balance)

	// Evaluation needs no secret key.
	sum, err := arith.Add(a, b, balance)
	require.NoError(t, err)
	require.InDelta(t, 7.0, decryptFloat(t, testCodec(t), sum), 1e-2)

	_, err = arith.Compare(a, b, CompareLt, balance)
	require.ErrorIs(t, err, ErrComparisonUnknown)
}

func TestCompareOp_Holds(t *testing.T) {
	tests := []struct {
		op   CompareOp
		d    float64
		want bool
	}{
		{CompareEq, 0, true},
		{CompareEq, 5e-5, true},
		{CompareEq, 2e-4, false},
		{CompareGt, 1e-5, true},
		{CompareGt, 1e-7, false},
		{CompareLt, -1e-5, true},
		{CompareLt, -1e-7, false},
		{CompareGe, 1e-7, true},
		{CompareLe, -1e-7, true},
		{CompareNe, 1, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.op.holds(tt.d), "%s %g", tt.op, tt.d)
	}
}
