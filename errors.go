package hefield

import "errors"

var (
	// ErrContextUnavailable indicates no usable HE context is loaded for the requested operation
	// (HE disabled, public-only context asked to decrypt, or Initialize never called).
	ErrContextUnavailable = errors.New("hefield: encryption context unavailable")

	// ErrDecryptionFailed indicates a ciphertext could not be decrypted (wrong scheme, wrong key or corrupted data).
	ErrDecryptionFailed = errors.New("hefield: decryption failed")

	// ErrInvalidFormat indicates a ciphertext or persisted blob is malformed.
	ErrInvalidFormat = errors.New("hefield: invalid ciphertext format")

	// ErrUnknownValueType indicates a registry entry uses a value type other than numeric or string.
	ErrUnknownValueType = errors.New("hefield: unknown value type")

	// ErrInvalidIdentifier indicates a table or column name is not safe for SQL interpolation.
	ErrInvalidIdentifier = errors.New("hefield: invalid identifier")

	// ErrUnsupportedOperator indicates a condition operator outside =, >, <, >=, <=, <>, !=, LIKE, IN.
	ErrUnsupportedOperator = errors.New("hefield: unsupported operator")

	// ErrComparisonUnknown indicates an encrypted comparison could not be evaluated.
	// Callers must treat it as "unknown", not as false.
	ErrComparisonUnknown = errors.New("hefield: comparison result unknown")

	// ErrStore indicates the underlying relational store rejected a statement.
	ErrStore = errors.New("hefield: store operation failed")

	// ErrUnknownTable indicates the table does not exist in the store.
	ErrUnknownTable = errors.New("hefield: unknown table")

	// ErrBlobNotFound indicates a persisted blob does not exist.
	ErrBlobNotFound = errors.New("hefield: blob not found")

	// ErrDecompressionFailed indicates zstd decompression of a persisted context failed.
	ErrDecompressionFailed = errors.New("hefield: decompression failed")

	// ErrInvalidKeySize indicates the symmetric fallback key is not exactly 32 bytes.
	ErrInvalidKeySize = errors.New("hefield: symmetric key must be 32 bytes")

	// ErrWasNull indicates a typed decrypt helper received a NULL ciphertext.
	ErrWasNull = errors.New("hefield: value was NULL")

	// ErrNoValues indicates an operation that needs at least one value received none.
	ErrNoValues = errors.New("hefield: no values")
)
