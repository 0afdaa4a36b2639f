package hefield

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Persisted context blobs are framed as [flag:1][payload].
const (
	flagNoCompression byte = 0x00
	flagZstd          byte = 0x01
)

// Default compression settings
const (
	defaultCompressionThreshold = 1024 // 1KB
	minCompressionSavings       = 0.10 // 10% minimum savings to use compression

	// maxDecompressedSize bounds a decompressed context blob (512MB).
	// Evaluation keys for large rings reach hundreds of megabytes.
	maxDecompressedSize = 512 * 1024 * 1024
)

var (
	// zstd encoder and decoder are thread-safe and reusable
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdOnce    sync.Once
	zstdErr     error
)

// initZstd initializes the zstd encoder and decoder once.
func initZstd() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
		if zstdErr != nil {
			zstdEncoder.Close()
			zstdEncoder = nil
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, _, err := initZstd()
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd returns ErrDecompressionFailed for corrupt input or oversized output.
func decompressZstd(data []byte) ([]byte, error) {
	_, decoder, err := initZstd()
	if err != nil {
		return nil, err
	}
	result, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if len(result) > maxDecompressedSize {
		return nil, ErrDecompressionFailed
	}
	return result, nil
}

// packBlob frames data for persistence, compressing it when that saves at least 10%.
func packBlob(data []byte, threshold int, disabled bool) []byte {
	if disabled || len(data) < threshold {
		return append([]byte{flagNoCompression}, data...)
	}

	compressed, err := compressZstd(data)
	if err != nil {
		return append([]byte{flagNoCompression}, data...)
	}

	savings := float64(len(data)-len(compressed)) / float64(len(data))
	if savings < minCompressionSavings {
		return append([]byte{flagNoCompression}, data...)
	}
	return append([]byte{flagZstd}, compressed...)
}

// unpackBlob reverses packBlob.
func unpackBlob(blob []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrInvalidFormat
	}
	switch blob[0] {
	case flagNoCompression:
		return blob[1:], nil
	case flagZstd:
		return decompressZstd(blob[1:])
	default:
		return nil, ErrInvalidFormat
	}
}
