package hefield

import "log/slog"

// Option is a functional option for configuring a ContextStore.
type Option func(*storeConfig)

// storeConfig holds ContextStore configuration options.
type storeConfig struct {
	logger               *slog.Logger
	numeric              NumericParameters
	str                  StringParameters
	rotations            []int
	compressionThreshold int
	compressionDisabled  bool
	selfTestTolerance    float64
}

// defaultStoreConfig returns the default configuration.
func defaultStoreConfig() *storeConfig {
	return &storeConfig{
		logger:               slog.Default(),
		numeric:              DefaultNumericParameters,
		str:                  DefaultStringParameters,
		rotations:            defaultRotations,
		compressionThreshold: defaultCompressionThreshold,
		selfTestTolerance:    defaultSelfTestTolerance,
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNumericParameters overrides the CKKS parameter set used by CreateNew.
// Loaded contexts keep the parameters they were created with.
func WithNumericParameters(p NumericParameters) Option {
	return func(c *storeConfig) {
		c.numeric = p
	}
}

// WithStringParameters overrides the BFV parameter set used by CreateNew.
func WithStringParameters(p StringParameters) Option {
	return func(c *storeConfig) {
		c.str = p
	}
}

// WithRotations sets the rotation steps that receive Galois keys.
// With no arguments no Galois keys are generated.
func WithRotations(steps ...int) Option {
	return func(c *storeConfig) {
		c.rotations = append([]int(nil), steps...)
	}
}

// WithCompressionThreshold sets the minimum blob size in bytes before
// compression is attempted. Default is 1024 (1KB).
func WithCompressionThreshold(bytes int) Option {
	return func(c *storeConfig) {
		c.compressionThreshold = bytes
	}
}

// WithCompressionDisabled stores context blobs uncompressed.
func WithCompressionDisabled() Option {
	return func(c *storeConfig) {
		c.compressionDisabled = true
	}
}

// WithSelfTestTolerance sets the absolute error above which the
// initialization self-test logs a warning. Default is 1e-3.
func WithSelfTestTolerance(tol float64) Option {
	return func(c *storeConfig) {
		c.selfTestTolerance = tol
	}
}

// ExecutorOption configures a SecureQueryExecutor, SchemaEvolution or Backfiller.
type ExecutorOption func(*executorConfig)

// executorConfig holds executor configuration options.
type executorConfig struct {
	logger          *slog.Logger
	retainPlaintext bool
	idColumn        string
	metadataScheme  string
}

func defaultExecutorConfig() *executorConfig {
	return &executorConfig{
		logger:         slog.Default(),
		idColumn:       "id",
		metadataScheme: defaultMetadataScheme,
	}
}

// WithExecutorLogger sets the structured logger. Defaults to slog.Default().
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPlaintextRetention controls whether sensitive values are also written
// to their plaintext column. Off by default: with retention on, the store holds
// every sensitive value in the clear next to its ciphertext.
func WithPlaintextRetention(retain bool) ExecutorOption {
	return func(c *executorConfig) {
		c.retainPlaintext = retain
	}
}

// WithIDColumn sets the row identifier column used by two-phase UPDATE/DELETE
// and by backfill paging. Default is "id". Invalid identifiers are ignored.
func WithIDColumn(name string) ExecutorOption {
	return func(c *executorConfig) {
		if isValidIdentifier(name) {
			c.idColumn = name
		}
	}
}

// WithMetadataScheme sets the encryption_scheme value recorded in
// encryption_metadata. Default is "homomorphic".
func WithMetadataScheme(scheme string) ExecutorOption {
	return func(c *executorConfig) {
		c.metadataScheme = scheme
	}
}
