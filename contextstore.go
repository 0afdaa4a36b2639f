package hefield

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Persisted blob names.
const (
	BlobNumericSecret = "private_key.dat"
	BlobNumericPublic = "public_context.dat"
	BlobStringSecret  = "string_private_key.dat"
	BlobStringPublic  = "string_public_context.dat"
	BlobSymmetricKey  = "symmetric_key.dat"
)

const (
	selfTestValue            = 3.14159
	defaultSelfTestTolerance = 1e-3
)

// Mode describes how a ContextStore obtained its contexts.
type Mode int

const (
	// ModeUninitialized means Initialize has not run.
	ModeUninitialized Mode = iota
	// ModeLoaded means secret-bearing contexts were read from the BlobStore.
	ModeLoaded
	// ModeCreated means fresh keys were generated and persisted.
	ModeCreated
	// ModeSimplified means HE is disabled and every value uses the fallback codec.
	ModeSimplified
	// ModePublicOnly means only public contexts are loaded: encrypt and evaluate, never decrypt.
	ModePublicOnly
)

func (m Mode) String() string {
	switch m {
	case ModeLoaded:
		return "loaded"
	case ModeCreated:
		return "created"
	case ModeSimplified:
		return "simplified"
	case ModePublicOnly:
		return "public-only"
	default:
		return "uninitialized"
	}
}

// ContextStore owns the HE contexts and the fallback key of one process.
// Construct one per key set and pass it to every component that needs it.
// It is safe for concurrent use.
type ContextStore struct {
	blobs BlobStore
	cfg   *storeConfig

	once sync.Once

	mu            sync.RWMutex
	mode          Mode
	numeric       *EncryptionContext
	str           *EncryptionContext
	numericPublic *EncryptionContext
	strPublic     *EncryptionContext
	fallback      *fallbackCodec
}

// NewContextStore creates a ContextStore persisting to blobs.
// No keys are read or generated until Initialize (or Load/CreateNew) runs.
//
// Example:
//
//	blobs, _ := hefield.NewFileBlobStore("/var/lib/hefield")
//	store := hefield.NewContextStore(blobs, hefield.WithLogger(logger))
//	store.Initialize(ctx)
func NewContextStore(blobs BlobStore, opts ...Option) *ContextStore {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &ContextStore{blobs: blobs, cfg: cfg}
}

// Initialize brings the store into a usable mode exactly once: it loads the
// persisted contexts, otherwise creates new ones, otherwise disables HE.
// It never fails; check Mode or HEEnabled to see what happened.
// The returned contexts are nil in ModeSimplified.
func (s *ContextStore) Initialize(ctx context.Context) (numeric, str *EncryptionContext) {
	s.once.Do(func() {
		// The fallback codec serves failed HE calls even when HE is enabled.
		s.ensureSymmetricKey(ctx)

		switch {
		case s.Load(ctx):
		case s.CreateNew(ctx):
		default:
			s.CreateSimplified(ctx)
		}
		s.cfg.logger.Info("encryption contexts initialized",
			slog.String("mode", s.Mode().String()),
			slog.String("scheme", s.SchemeName()))
	})
	return s.NumericContext(), s.StringContext()
}

// Load reads the secret-bearing contexts and derives their public forms.
// It returns false when the numeric context is absent or undecodable, or when
// a persisted string context is undecodable. A missing string context is
// generated and persisted.
func (s *ContextStore) Load(ctx context.Context) bool {
	numeric, err := s.loadContext(ctx, BlobNumericSecret)
	if err != nil {
		s.logLoadFailure(BlobNumericSecret, err)
		return false
	}
	if numeric.Scheme() != SchemeCKKS || !numeric.HasSecretKey() {
		s.cfg.logger.Warn("persisted numeric context is not a secret CKKS context",
			slog.String("blob", BlobNumericSecret))
		return false
	}

	var strPublic *EncryptionContext
	str, err := s.loadContext(ctx, BlobStringSecret)
	switch {
	case errors.Is(err, ErrBlobNotFound):
		s.cfg.logger.Warn("string context missing, generating a new one")
		if str, err = s.createStringContext(ctx); err != nil {
			s.cfg.logger.Error("string context generation failed", slog.Any("error", err))
			return false
		}
		// The old public string context, if any, no longer matches.
		if strPublic, err = s.publish(ctx, str, BlobStringPublic); err != nil {
			return false
		}
	case err != nil:
		s.logLoadFailure(BlobStringSecret, err)
		return false
	case str.Scheme() != SchemeBFV || !str.HasSecretKey():
		s.cfg.logger.Warn("persisted string context is not a secret BFV context",
			slog.String("blob", BlobStringSecret))
		return false
	}

	numericPublic, err := numeric.Public()
	if err != nil {
		s.cfg.logger.Error("derive public numeric context", slog.Any("error", err))
		return false
	}
	if strPublic == nil {
		if strPublic, err = str.Public(); err != nil {
			s.cfg.logger.Error("derive public string context", slog.Any("error", err))
			return false
		}
	}

	s.setContexts(ModeLoaded, numeric, str, numericPublic, strPublic)
	s.selfTest()
	return true
}

// LoadPublicOnly reads only the public contexts, for nodes that encrypt and
// evaluate but must never decrypt. Call it instead of Initialize.
func (s *ContextStore) LoadPublicOnly(ctx context.Context) bool {
	s.ensureSymmetricKey(ctx)

	numeric, err := s.loadContext(ctx, BlobNumericPublic)
	if err != nil {
		s.logLoadFailure(BlobNumericPublic, err)
		return false
	}
	str, err := s.loadContext(ctx, BlobStringPublic)
	if err != nil {
		s.logLoadFailure(BlobStringPublic, err)
		return false
	}
	if numeric.Scheme() != SchemeCKKS || str.Scheme() != SchemeBFV {
		s.cfg.logger.Warn("persisted public contexts have unexpected schemes")
		return false
	}
	if numeric.HasSecretKey() || str.HasSecretKey() {
		// Never hold secrets on a public-only node, even if the blob has them.
		if numeric, err = numeric.Public(); err != nil {
			return false
		}
		if str, err = str.Public(); err != nil {
			return false
		}
	}

	s.setContexts(ModePublicOnly, numeric, str, numeric, str)
	return true
}

// CreateNew generates fresh key sets for both schemes. Each secret context is
// persisted before its public form is derived and persisted; failing to
// persist a public form is logged and does not fail creation.
func (s *ContextStore) CreateNew(ctx context.Context) bool {
	numeric, err := s.createNumericContext(ctx)
	if err != nil {
		s.cfg.logger.Error("numeric context creation failed", slog.Any("error", err))
		return false
	}
	str, err := s.createStringContext(ctx)
	if err != nil {
		s.cfg.logger.Error("string context creation failed", slog.Any("error", err))
		return false
	}

	numericPublic, err := s.publish(ctx, numeric, BlobNumericPublic)
	if err != nil {
		return false
	}
	strPublic, err := s.publish(ctx, str, BlobStringPublic)
	if err != nil {
		return false
	}

	s.setContexts(ModeCreated, numeric, str, numericPublic, strPublic)
	s.selfTest()
	return true
}

// CreateSimplified disables HE. Every value is routed through the fallback
// codec keyed by symmetric_key.dat; an existing key is reused so earlier
// fallback ciphertexts stay readable.
func (s *ContextStore) CreateSimplified(ctx context.Context) {
	s.ensureSymmetricKey(ctx)
	s.setContexts(ModeSimplified, nil, nil, nil, nil)
	s.cfg.logger.Warn("homomorphic encryption disabled, using symmetric fallback")
}

// ExportPublic re-persists the public forms of the current contexts.
func (s *ContextStore) ExportPublic(ctx context.Context) error {
	numeric, str := s.NumericPublic(), s.StringPublic()
	if numeric == nil || str == nil {
		return ErrContextUnavailable
	}
	if err := s.saveContext(ctx, BlobNumericPublic, numeric); err != nil {
		return err
	}
	return s.saveContext(ctx, BlobStringPublic, str)
}

// Mode reports how the contexts were obtained.
func (s *ContextStore) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// HEEnabled reports whether values are encrypted under HE.
func (s *ContextStore) HEEnabled() bool {
	switch s.Mode() {
	case ModeLoaded, ModeCreated, ModePublicOnly:
		return true
	default:
		return false
	}
}

// SchemeName returns "homomorphic" or "symmetric-xor".
func (s *ContextStore) SchemeName() string {
	if s.HEEnabled() {
		return "homomorphic"
	}
	return "symmetric-xor"
}

// NumericContext returns the CKKS context. It holds the secret key unless the
// store is in ModePublicOnly.
func (s *ContextStore) NumericContext() *EncryptionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numeric
}

// StringContext returns the BFV context.
func (s *ContextStore) StringContext() *EncryptionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.str
}

// NumericPublic returns the CKKS context without its secret key.
func (s *ContextStore) NumericPublic() *EncryptionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numericPublic
}

// StringPublic returns the BFV context without its secret key.
func (s *ContextStore) StringPublic() *EncryptionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strPublic
}

// context returns the context serving a value type, or nil when HE is off.
func (s *ContextStore) context(vt ValueType) *EncryptionContext {
	if vt == Numeric {
		return s.NumericContext()
	}
	return s.StringContext()
}

// fallbackCodec returns the symmetric codec, loading or creating its key on
// first use when Initialize has not run.
func (s *ContextStore) fallbackCodec() *fallbackCodec {
	s.mu.RLock()
	f := s.fallback
	s.mu.RUnlock()
	if f != nil {
		return f
	}
	return s.ensureSymmetricKey(context.Background())
}

func (s *ContextStore) setContexts(mode Mode, numeric, str, numericPublic, strPublic *EncryptionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.numeric = numeric
	s.str = str
	s.numericPublic = numericPublic
	s.strPublic = strPublic
}

// ensureSymmetricKey loads symmetric_key.dat or creates it. If the key cannot
// be persisted the process still gets an in-memory key.
func (s *ContextStore) ensureSymmetricKey(ctx context.Context) *fallbackCodec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback
	}

	key, err := s.blobs.Get(ctx, BlobSymmetricKey)
	if err == nil {
		if f, ferr := newFallbackCodec(key); ferr == nil {
			s.fallback = f
			return f
		}
		s.cfg.logger.Warn("symmetric key has wrong size, replacing it", slog.Int("size", len(key)))
	} else if !errors.Is(err, ErrBlobNotFound) {
		s.cfg.logger.Error("symmetric key unreadable", slog.Any("error", err))
	}

	key = make([]byte, symmetricKeySize)
	rand.Read(key)
	if err := s.blobs.Put(ctx, BlobSymmetricKey, key); err != nil {
		s.cfg.logger.Error("symmetric key not persisted, fallback ciphertexts will not survive restart",
			slog.Any("error", err))
	}
	f, _ := newFallbackCodec(key)
	s.fallback = f
	return f
}

func (s *ContextStore) createNumericContext(ctx context.Context) (c *EncryptionContext, err error) {
	defer recoverAsError(&err)
	c, err = generateNumericContext(s.cfg.numeric, s.cfg.rotations)
	if err != nil {
		return nil, err
	}
	if err := s.saveContext(ctx, BlobNumericSecret, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ContextStore) createStringContext(ctx context.Context) (c *EncryptionContext, err error) {
	defer recoverAsError(&err)
	c, err = generateStringContext(s.cfg.str)
	if err != nil {
		return nil, err
	}
	if err := s.saveContext(ctx, BlobStringSecret, c); err != nil {
		return nil, err
	}
	return c, nil
}

// publish derives and persists the public form of a secret context.
func (s *ContextStore) publish(ctx context.Context, secret *EncryptionContext, name string) (*EncryptionContext, error) {
	pub, err := secret.Public()
	if err != nil {
		s.cfg.logger.Error("derive public context", slog.String("blob", name), slog.Any("error", err))
		return nil, err
	}
	if err := s.saveContext(ctx, name, pub); err != nil {
		s.cfg.logger.Warn("public context not persisted", slog.String("blob", name), slog.Any("error", err))
	}
	return pub, nil
}

func (s *ContextStore) saveContext(ctx context.Context, name string, c *EncryptionContext) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	blob := packBlob(data, s.cfg.compressionThreshold, s.cfg.compressionDisabled)
	if err := s.blobs.Put(ctx, name, blob); err != nil {
		return fmt.Errorf("persist %s: %w", name, err)
	}
	return nil
}

func (s *ContextStore) loadContext(ctx context.Context, name string) (*EncryptionContext, error) {
	blob, err := s.blobs.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := unpackBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c, err := UnmarshalContext(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

func (s *ContextStore) logLoadFailure(name string, err error) {
	if errors.Is(err, ErrBlobNotFound) {
		s.cfg.logger.Info("no persisted context", slog.String("blob", name))
		return
	}
	s.cfg.logger.Warn("persisted context unusable", slog.String("blob", name), slog.Any("error", err))
}

// selfTest round-trips a known constant through the numeric context and
// warns when the error exceeds the configured tolerance.
func (s *ContextStore) selfTest() {
	c := s.NumericContext()
	if !c.HasSecretKey() {
		return
	}
	ct, err := c.encryptFloat(selfTestValue)
	if err != nil {
		s.cfg.logger.Warn("self-test encryption failed", slog.Any("error", err))
		return
	}
	got, err := c.decryptFloat(ct)
	if err != nil {
		s.cfg.logger.Warn("self-test decryption failed", slog.Any("error", err))
		return
	}
	if diff := math.Abs(got - selfTestValue); diff > s.cfg.selfTestTolerance {
		s.cfg.logger.Warn("self-test precision out of tolerance",
			slog.Float64("expected", selfTestValue),
			slog.Float64("got", got),
			slog.Float64("error", diff))
		return
	}
	s.cfg.logger.Debug("self-test passed", slog.Float64("got", got))
}
