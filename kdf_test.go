package hefield

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivePad_Deterministic(t *testing.T) {
	key := []byte("01234567890123456789012345678901") // 32 bytes

	pad1, err := derivePad(key)
	require.NoError(t, err)

	pad2, err := derivePad(key)
	require.NoError(t, err)

	require.Equal(t, pad1, pad2)
}

func TestDerivePad_DifferentKeys(t *testing.T) {
	pad1, err := derivePad([]byte("01234567890123456789012345678901"))
	require.NoError(t, err)

	pad2, err := derivePad([]byte("01234567890123456789012345678902")) // one byte different
	require.NoError(t, err)

	require.NotEqual(t, pad1, pad2)
}

func TestDerivePad_NotTheRawKey(t *testing.T) {
	key := []byte("01234567890123456789012345678901")
	pad, err := derivePad(key)
	require.NoError(t, err)
	require.False(t, bytes.Equal(key, pad[:]))
}

func TestDerivePad_InvalidKeySize(t *testing.T) {
	tests := []struct {
		name    string
		keySize int
	}{
		{"empty", 0},
		{"too short", 16},
		{"too long", 64},
		{"31 bytes", 31},
		{"33 bytes", 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := derivePad(make([]byte, tt.keySize))
			require.ErrorIs(t, err, ErrInvalidKeySize)
		})
	}
}

func TestHKDFDerive_InfoSeparation(t *testing.T) {
	key := make([]byte, 32)
	a := make([]byte, 32)
	b := make([]byte, 32)
	require.NoError(t, hkdfDerive(key, "info-a", a))
	require.NoError(t, hkdfDerive(key, "info-b", b))
	require.False(t, bytes.Equal(a, b))
}
