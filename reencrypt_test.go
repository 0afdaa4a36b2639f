package hefield

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReencrypt_FallbackToHE(t *testing.T) {
	blobs := testPersistedBlobs(t)
	ctx := context.Background()

	off := NewContextStore(blobs, WithLogger(discardLogger()))
	off.CreateSimplified(ctx)
	offCodec := NewValueCodec(off, testRegistry(t))
	numCT := offCodec.Encrypt(250.75, "accounts.balance")
	strCT := offCodec.Encrypt("a@b.com", "traders.email")
	require.False(t, offCodec.NeedsReencryption(numCT))

	on := NewContextStore(blobs, WithLogger(discardLogger()))
	on.Initialize(ctx)
	codec := NewValueCodec(on, testRegistry(t))
	require.True(t, codec.NeedsReencryption(numCT))
	require.True(t, codec.NeedsReencryption(strCT))

	newNum, err := codec.Reencrypt(numCT, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, KindHomomorphic, KindOf(newNum))
	require.False(t, codec.NeedsReencryption(newNum))

	v, err := codec.DecryptFloat(newNum, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, 250.75, v)

	newStr, err := codec.Reencrypt(strCT, "traders.email")
	require.NoError(t, err)
	s, err := codec.DecryptString(newStr, "traders.email")
	require.NoError(t, err)
	require.Equal(t, "a@b.com", s)
}

func TestReencrypt_HEFreshCiphertext(t *testing.T) {
	codec := testCodec(t)
	old := codec.Encrypt(10.0, "accounts.balance")

	fresh, err := codec.Reencrypt(old, "accounts.balance")
	require.NoError(t, err)
	require.False(t, bytes.Equal(old, fresh))

	v, err := codec.DecryptFloat(fresh, "accounts.balance")
	require.NoError(t, err)
	require.Equal(t, 10.0, v)
}

func TestReencrypt_Null(t *testing.T) {
	codec := testCodec(t)

	out, err := codec.Reencrypt(nil, "accounts.balance")
	require.NoError(t, err)
	require.Nil(t, out)
	require.False(t, codec.NeedsReencryption(nil))
}

func TestReencrypt_Invalid(t *testing.T) {
	codec := testCodec(t)

	_, err := codec.Reencrypt([]byte("garbage-bytes"), "accounts.balance")
	require.Error(t, err)
}

func TestKindOf(t *testing.T) {
	f := testFallbackCodec(t)

	require.Equal(t, KindNull, KindOf(nil))
	require.Equal(t, KindFallbackNumeric, KindOf(f.encodeNumeric(1)))
	require.Equal(t, KindFallbackString, KindOf(f.encodeString("x")))
	require.Equal(t, KindHomomorphic, KindOf([]byte{0x01, 0x02, 0x03, 0x04, 0x05}))
}
