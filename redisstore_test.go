package hefield

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testRedisBlobStore(t *testing.T) (*RedisBlobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisBlobStore(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisBlobStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := testRedisBlobStore(t)

	_, err := s.Get(ctx, BlobSymmetricKey)
	require.ErrorIs(t, err, ErrBlobNotFound)

	key := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, s.Put(ctx, BlobSymmetricKey, key))

	got, err := s.Get(ctx, BlobSymmetricKey)
	require.NoError(t, err)
	require.Equal(t, key, got)

	require.True(t, mr.Exists(defaultRedisPrefix+BlobSymmetricKey))
	require.Zero(t, mr.TTL(defaultRedisPrefix+BlobSymmetricKey))
}

func TestRedisBlobStore_CustomPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisBlobStore(RedisConfig{Addr: mr.Addr(), Prefix: "tenant-a:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "x", []byte("y")))
	require.True(t, mr.Exists("tenant-a:x"))
}

func TestNewRedisBlobStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBlobStore(RedisConfig{Addr: addr})
	require.Error(t, err)
}

func TestRedisBlobStore_GetError(t *testing.T) {
	ctx := context.Background()
	s, mr := testRedisBlobStore(t)
	mr.SetError("boom")

	_, err := s.Get(ctx, "x")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBlobNotFound)
	require.Error(t, s.Put(ctx, "x", []byte("y")))
}

func TestRedisBlobStore_SharedContexts(t *testing.T) {
	ctx := context.Background()
	s, _ := testRedisBlobStore(t)

	src := testPersistedBlobs(t)
	for _, name := range src.Names() {
		data, err := src.Get(ctx, name)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, name, data))
	}

	node := NewContextStore(s, WithLogger(discardLogger()))
	require.True(t, node.LoadPublicOnly(ctx))
	require.Equal(t, ModePublicOnly, node.Mode())
}
