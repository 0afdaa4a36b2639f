package hefield

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	fixtureOnce  sync.Once
	fixtureBlobs *MemoryBlobStore
	fixtureStore *ContextStore
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testContextStore returns a shared HE-enabled store. Key generation is slow,
// so every test in the package reuses one key set.
func testContextStore(t testing.TB) *ContextStore {
	t.Helper()
	fixtureOnce.Do(func() {
		fixtureBlobs = NewMemoryBlobStore()
		fixtureStore = NewContextStore(fixtureBlobs, WithLogger(discardLogger()))
		fixtureStore.Initialize(context.Background())
	})
	require.True(t, fixtureStore.HEEnabled(), "fixture store must have HE enabled")
	return fixtureStore
}

// testPersistedBlobs returns a copy of the blobs written by the shared store.
func testPersistedBlobs(t testing.TB) *MemoryBlobStore {
	t.Helper()
	testContextStore(t)
	ctx := context.Background()
	out := NewMemoryBlobStore()
	for _, name := range fixtureBlobs.Names() {
		data, err := fixtureBlobs.Get(ctx, name)
		require.NoError(t, err)
		require.NoError(t, out.Put(ctx, name, data))
	}
	return out
}

// testSimplifiedStore returns a store with HE disabled.
func testSimplifiedStore(t testing.TB) *ContextStore {
	t.Helper()
	s := NewContextStore(NewMemoryBlobStore(), WithLogger(discardLogger()))
	s.CreateSimplified(context.Background())
	return s
}

// readOnlyBlobStore serves reads and rejects every write.
type readOnlyBlobStore struct {
	BlobStore
}

func (readOnlyBlobStore) Put(context.Context, string, []byte) error {
	return errors.New("read-only")
}

func TestContextStore_InitializeCreates(t *testing.T) {
	s := testContextStore(t)

	require.Equal(t, ModeCreated, s.Mode())
	require.Equal(t, "homomorphic", s.SchemeName())
	require.True(t, s.NumericContext().HasSecretKey())
	require.True(t, s.StringContext().HasSecretKey())
	require.False(t, s.NumericPublic().HasSecretKey())
	require.False(t, s.StringPublic().HasSecretKey())
	require.Equal(t, SchemeCKKS, s.NumericContext().Scheme())
	require.Equal(t, SchemeBFV, s.StringContext().Scheme())

	require.Equal(t, []string{
		BlobNumericSecret,
		BlobNumericPublic,
		BlobStringSecret,
		BlobStringPublic,
		BlobSymmetricKey,
	}, testPersistedBlobs(t).Names())
}

func TestContextStore_InitializeOnce(t *testing.T) {
	s := testContextStore(t)
	numeric, str := s.Initialize(context.Background())
	require.Same(t, s.NumericContext(), numeric)
	require.Same(t, s.StringContext(), str)
	require.Equal(t, ModeCreated, s.Mode())
}

func TestContextStore_LoadPersisted(t *testing.T) {
	original := testContextStore(t)
	ct, err := original.NumericContext().encryptFloat(42.5)
	require.NoError(t, err)

	s := NewContextStore(testPersistedBlobs(t), WithLogger(discardLogger()))
	numeric, str := s.Initialize(context.Background())
	require.Equal(t, ModeLoaded, s.Mode())
	require.NotNil(t, str)

	got, err := numeric.decryptFloat(ct)
	require.NoError(t, err)
	require.InDelta(t, 42.5, got, 1e-3)
}

func TestContextStore_LoadGeneratesMissingStringContext(t *testing.T) {
	blobs := testPersistedBlobs(t)
	blobs.Delete(BlobStringSecret)

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	require.True(t, s.Load(context.Background()))
	require.Equal(t, ModeLoaded, s.Mode())
	require.True(t, s.StringContext().HasSecretKey())

	_, err := blobs.Get(context.Background(), BlobStringSecret)
	require.NoError(t, err)
}

func TestContextStore_RegeneratedStringContextIsPublished(t *testing.T) {
	ctx := context.Background()
	blobs := testPersistedBlobs(t)
	blobs.Delete(BlobStringSecret) // the public string blob left behind is stale

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	require.True(t, s.Load(ctx))

	node := NewContextStore(blobs, WithLogger(discardLogger()))
	require.True(t, node.LoadPublicOnly(ctx))

	ct, err := node.StringContext().encryptCodePoints([]uint64{'h', 'i'})
	require.NoError(t, err)
	points, err := s.StringContext().decryptCodePoints(ct)
	require.NoError(t, err)
	require.Equal(t, []uint64{'h', 'i'}, points[:2])
}

func TestContextStore_LoadMissing(t *testing.T) {
	s := NewContextStore(NewMemoryBlobStore(), WithLogger(discardLogger()))
	require.False(t, s.Load(context.Background()))
	require.Equal(t, ModeUninitialized, s.Mode())
	require.False(t, s.HEEnabled())
}

func TestContextStore_LoadRejectsPublicBlobAsSecret(t *testing.T) {
	blobs := testPersistedBlobs(t)
	ctx := context.Background()
	pub, err := blobs.Get(ctx, BlobNumericPublic)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, BlobNumericSecret, pub))

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	require.False(t, s.Load(ctx))
}

func TestContextStore_CorruptSecretRegenerates(t *testing.T) {
	blobs := testPersistedBlobs(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, BlobNumericSecret, []byte{flagNoCompression, 0xde, 0xad}))

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	s.Initialize(ctx)
	require.Equal(t, ModeCreated, s.Mode())
}

func TestContextStore_CorruptSecretReadOnlyDegrades(t *testing.T) {
	blobs := testPersistedBlobs(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, BlobNumericSecret, []byte("garbage")))

	s := NewContextStore(readOnlyBlobStore{blobs}, WithLogger(discardLogger()))
	numeric, str := s.Initialize(ctx)
	require.Nil(t, numeric)
	require.Nil(t, str)
	require.Equal(t, ModeSimplified, s.Mode())
	require.False(t, s.HEEnabled())
	require.Equal(t, "symmetric-xor", s.SchemeName())

	// The persisted symmetric key is still used.
	key, err := blobs.Get(ctx, BlobSymmetricKey)
	require.NoError(t, err)
	want, err := newFallbackCodec(key)
	require.NoError(t, err)
	require.Equal(t, want.pad, s.fallbackCodec().pad)
}

func TestContextStore_InvalidParametersDegrade(t *testing.T) {
	s := NewContextStore(NewMemoryBlobStore(),
		WithLogger(discardLogger()),
		WithNumericParameters(NumericParameters{LogN: 2, LogQ: []int{10}, LogDefaultScale: 5}),
	)
	s.Initialize(context.Background())
	require.Equal(t, ModeSimplified, s.Mode())
	require.NotNil(t, s.fallbackCodec())
}

func TestContextStore_CreateSimplifiedReusesKey(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore()
	key := bytes.Repeat([]byte{0x42}, 32)
	require.NoError(t, blobs.Put(ctx, BlobSymmetricKey, key))

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	s.CreateSimplified(ctx)

	stored, err := blobs.Get(ctx, BlobSymmetricKey)
	require.NoError(t, err)
	require.Equal(t, key, stored)

	want, err := newFallbackCodec(key)
	require.NoError(t, err)
	require.Equal(t, want.pad, s.fallbackCodec().pad)
}

func TestContextStore_ReplacesWrongSizeKey(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore()
	require.NoError(t, blobs.Put(ctx, BlobSymmetricKey, []byte("short")))

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	s.CreateSimplified(ctx)

	stored, err := blobs.Get(ctx, BlobSymmetricKey)
	require.NoError(t, err)
	require.Len(t, stored, 32)
}

func TestContextStore_FallbackWithoutInitialize(t *testing.T) {
	blobs := NewMemoryBlobStore()
	s := NewContextStore(blobs, WithLogger(discardLogger()))
	require.NotNil(t, s.fallbackCodec())

	_, err := blobs.Get(context.Background(), BlobSymmetricKey)
	require.NoError(t, err)
}

func TestContextStore_LoadPublicOnly(t *testing.T) {
	s := NewContextStore(testPersistedBlobs(t), WithLogger(discardLogger()))
	require.True(t, s.LoadPublicOnly(context.Background()))
	require.Equal(t, ModePublicOnly, s.Mode())
	require.True(t, s.HEEnabled())
	require.False(t, s.NumericContext().HasSecretKey())
	require.False(t, s.StringContext().HasSecretKey())

	ct, err := s.NumericContext().encryptFloat(1.5)
	require.NoError(t, err)
	_, err = s.NumericContext().decryptFloat(ct)
	require.ErrorIs(t, err, ErrContextUnavailable)

	got, err := testContextStore(t).NumericContext().decryptFloat(ct)
	require.NoError(t, err)
	require.InDelta(t, 1.5, got, 1e-3)
}

func TestContextStore_LoadPublicOnlyMissing(t *testing.T) {
	s := NewContextStore(NewMemoryBlobStore(), WithLogger(discardLogger()))
	require.False(t, s.LoadPublicOnly(context.Background()))
}

func TestContextStore_ExportPublic(t *testing.T) {
	ctx := context.Background()
	blobs := testPersistedBlobs(t)
	blobs.Delete(BlobNumericPublic)
	blobs.Delete(BlobStringPublic)

	s := NewContextStore(blobs, WithLogger(discardLogger()))
	require.True(t, s.Load(ctx))
	require.NoError(t, s.ExportPublic(ctx))

	_, err := blobs.Get(ctx, BlobNumericPublic)
	require.NoError(t, err)
	_, err = blobs.Get(ctx, BlobStringPublic)
	require.NoError(t, err)
}

func TestContextStore_ExportPublicUnavailable(t *testing.T) {
	s := testSimplifiedStore(t)
	require.ErrorIs(t, s.ExportPublic(context.Background()), ErrContextUnavailable)
}

func TestContextStore_SelfTestWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := NewContextStore(testPersistedBlobs(t), WithLogger(logger), WithSelfTestTolerance(-1))
	require.True(t, s.Load(context.Background()))
	require.Contains(t, buf.String(), "self-test precision out of tolerance")
}

func TestContextStore_UncompressedBlobs(t *testing.T) {
	s := testContextStore(t)
	blobs := NewMemoryBlobStore()
	other := NewContextStore(blobs, WithLogger(discardLogger()), WithCompressionDisabled())
	ctx := context.Background()

	require.NoError(t, other.saveContext(ctx, BlobNumericPublic, s.NumericPublic()))
	blob, err := blobs.Get(ctx, BlobNumericPublic)
	require.NoError(t, err)
	require.Equal(t, flagNoCompression, blob[0])

	loaded, err := other.loadContext(ctx, BlobNumericPublic)
	require.NoError(t, err)
	require.False(t, loaded.HasSecretKey())
}

func TestMode_String(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeUninitialized, "uninitialized"},
		{ModeLoaded, "loaded"},
		{ModeCreated, "created"},
		{ModeSimplified, "simplified"},
		{ModePublicOnly, "public-only"},
		{Mode(99), "uninitialized"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.mode.String())
	}
}
