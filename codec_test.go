package hefield

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCodec(t testing.TB) *ValueCodec {
	t.Helper()
	return NewValueCodec(testContextStore(t), testRegistry(t))
}

func testSimplifiedCodec(t testing.TB) *ValueCodec {
	t.Helper()
	return NewValueCodec(testSimplifiedStore(t), testRegistry(t))
}

func TestValueCodec_NumericRoundTrip(t *testing.T) {
	codec := testCodec(t)

	values := []float64{0, 1, -1, 0.01, 3.14159, 100.5, -2500.75, 123456.78, 999999.99}
	for _, v := range values {
		ct := codec.Encrypt(v, "accounts.balance")
		require.NotNil(t, ct)
		require.False(t, IsFallback(ct), "value %v should be HE-encrypted", v)

		out, err := codec.Decrypt(ct, "accounts.balance")
		require.NoError(t, err)
		require.InDelta(t, math.Round(v*100)/100, out.(float64), 1e-2)
	}
}

func TestValueCodec_NumericAcceptsDriverTypes(t *testing.T) {
	codec := testCodec(t)

	tests := []struct {
		name  string
		value any
		want  float64
	}{
		{"int", 42, 42},
		{"int64", int64(-7), -7},
		{"float32", float32(2.5), 2.5},
		{"numeric string", "19.99", 19.99},
		{"bytes", []byte("10.25"), 10.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := codec.Encrypt(tt.value, "accounts.balance")
			require.False(t, IsFallback(ct))

			out, err := codec.Decrypt(ct, "accounts.balance")
			require.NoError(t, err)
			require.InDelta(t, tt.want, out.(float64), 1e-2)
		})
	}
}

func TestValueCodec_StringRoundTrip(t *testing.T) {
	codec := testCodec(t)

	tests := []struct {
		name string
		s    string
	}{
		{"email", "a@b.com"},
		{"empty", ""},
		{"printable ascii", " !\"#$%&'()*+,-./0123456789:;<=>?@ABCXYZ[\\]^_`abcxyz{|}~"},
		{"long", strings.Repeat("x", 500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := codec.Encrypt(tt.s, "traders.email")
			require.NotNil(t, ct)
			require.False(t, IsFallback(ct))

			out, err := codec.Decrypt(ct, "traders.email")
			require.NoError(t, err)
			require.Equal(t, tt.s, out)
		})
	}
}

func TestValueCodec_StringNarrowsToASCII(t *testing.T) {
	codec := testCodec(t)

	ct := codec.Encrypt("héllo\tworld", "traders.email")
	require.False(t, IsFallback(ct))

	out, err := codec.Decrypt(ct, "traders.email")
	require.NoError(t, err)
	require.Equal(t, "hlloworld", out)
}

func TestValueCodec_CodePointAboveModulusFallsBack(t *testing.T) {
	codec := testCodec(t)

	ct := codec.Encrypt("key 🔐", "traders.email")
	require.True(t, IsFallback(ct))

	out, err := codec.Decrypt(ct, "traders.email")
	require.NoError(t, err)
	require.Equal(t, "key 🔐", out)
}

func TestValueCodec_UnknownFieldIsString(t *testing.T) {
	codec := testCodec(t)

	ct := codec.Encrypt(12.5, "traders.nickname")
	out, err := codec.Decrypt(ct, "traders.nickname")
	require.NoError(t, err)
	require.Equal(t, "12.5", out)
}

func TestValueCodec_NonNumericValueFallsBack(t *testing.T) {
	codec := testCodec(t)

	ct := codec.Encrypt("not a number", "accounts.balance")
	require.True(t, IsFallback(ct))

	out, err := codec.Decrypt(ct, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, "not a number", out)
}

func TestValueCodec_Null(t *testing.T) {
	codec := testCodec(t)

	require.Nil(t, codec.Encrypt(nil, "accounts.balance"))
	require.Nil(t, codec.Encrypt((*string)(nil), "traders.email"))

	out, err := codec.Decrypt(nil, "accounts.balance")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestValueCodec_DecryptFailures(t *testing.T) {
	codec := testCodec(t)
	numericCT := codec.Encrypt(5.0, "accounts.balance")
	stringCT := codec.Encrypt("abc", "traders.email")

	tests := []struct {
		name  string
		ct    []byte
		field string
	}{
		{"garbage numeric", []byte{0x01, 0x02, 0x03, 0x04, 0x05}, "accounts.balance"},
		{"garbage string", []byte("definitely not a ciphertext"), "traders.email"},
		{"empty", []byte{}, "accounts.balance"},
		{"truncated", numericCT[:len(numericCT)/2], "accounts.balance"},
		{"string ciphertext as numeric", stringCT, "accounts.balance"},
		{"numeric ciphertext as string", numericCT, "traders.email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := codec.Decrypt(tt.ct, tt.field)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidFormat)
			require.Nil(t, out)
		})
	}
}

func TestValueCodec_Simplified(t *testing.T) {
	codec := testSimplifiedCodec(t)

	numCT := codec.Encrypt(100.5, "accounts.balance")
	require.True(t, IsFallback(numCT))
	require.True(t, strings.HasPrefix(string(numCT), "NUM:"))

	out, err := codec.Decrypt(numCT, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, 100.5, out)

	strCT := codec.Encrypt("a@b.com", "traders.email")
	require.True(t, strings.HasPrefix(string(strCT), "STR:"))

	out, err = codec.Decrypt(strCT, "traders.email")
	require.NoError(t, err)
	require.Equal(t, "a@b.com", out)
}

func TestValueCodec_HECiphertextWithoutHE(t *testing.T) {
	ct := testCodec(t).Encrypt(5.0, "accounts.balance")

	out, err := testSimplifiedCodec(t).Decrypt(ct, "accounts.balance")
	require.ErrorIs(t, err, ErrContextUnavailable)
	require.Nil(t, out)
}

func TestValueCodec_FallbackReadableAfterHEEnabled(t *testing.T) {
	// A key set where HE was off at first and on later shares symmetric_key.dat.
	blobs := testPersistedBlobs(t)
	ctx := context.Background()

	off := NewContextStore(blobs, WithLogger(discardLogger()))
	off.CreateSimplified(ctx)
	ct := NewValueCodec(off, testRegistry(t)).Encrypt(7.25, "accounts.balance")

	on := NewContextStore(blobs, WithLogger(discardLogger()))
	on.Initialize(ctx)
	require.True(t, on.HEEnabled())

	out, err := NewValueCodec(on, testRegistry(t)).Decrypt(ct, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, 7.25, out)
}

func TestValueCodec_PublicOnly(t *testing.T) {
	s := NewContextStore(testPersistedBlobs(t), WithLogger(discardLogger()))
	require.True(t, s.LoadPublicOnly(context.Background()))
	codec := NewValueCodec(s, testRegistry(t))

	ct := codec.Encrypt(12.0, "accounts.balance")
	require.False(t, IsFallback(ct))

	_, err := codec.Decrypt(ct, "accounts.balance")
	require.ErrorIs(t, err, ErrContextUnavailable)

	// The secret-bearing node can read what the public node wrote.
	out, err := testCodec(t).Decrypt(ct, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, 12.0, out)
}

func TestRoundCents(t *testing.T) {
	require.Equal(t, 3.14, roundCents(3.14159))
	require.Equal(t, 2.5, roundCents(2.4999999))
	require.Equal(t, -1.01, roundCents(-1.005000001))
}

func TestPrintableASCII(t *testing.T) {
	require.Equal(t, "ab~ ", printableASCII([]uint64{'a', 0, 'b', 127, '~', 31, ' ', 0, 0}))
	require.Equal(t, "", printableASCII(nil))
}
