package hefield

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncryptFloat encrypts a numeric value for the "table.field" key.
func (c *ValueCodec) EncryptFloat(v float64, tableDotField string) []byte {
	return c.Encrypt(v, tableDotField)
}

// DecryptFloat decrypts to a float64 rounded to 2 decimal places.
// Returns 0 and ErrWasNull if ciphertext is nil.
func (c *ValueCodec) DecryptFloat(ciphertext []byte, tableDotField string) (float64, error) {
	if ciphertext == nil {
		return 0, ErrWasNull
	}
	value, err := c.Decrypt(ciphertext, tableDotField)
	if err != nil {
		return 0, err
	}
	v, ok := toFloat(value)
	if !ok {
		return 0, fmt.Errorf("%w: %s holds %T, not a number", ErrInvalidFormat, tableDotField, value)
	}
	return v, nil
}

// EncryptFloatPtr encrypts a float pointer.
// Returns nil if v is nil (NULL preservation).
func (c *ValueCodec) EncryptFloatPtr(v *float64, tableDotField string) []byte {
	if v == nil {
		return nil
	}
	return c.EncryptFloat(*v, tableDotField)
}

// DecryptFloatPtr decrypts to a float pointer.
// Returns nil if ciphertext is nil (NULL preservation).
func (c *ValueCodec) DecryptFloatPtr(ciphertext []byte, tableDotField string) (*float64, error) {
	if ciphertext == nil {
		return nil, nil
	}
	v, err := c.DecryptFloat(ciphertext, tableDotField)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// EncryptString encrypts a string value for the "table.field" key.
// Empty strings are encrypted, not treated as NULL.
func (c *ValueCodec) EncryptString(s, tableDotField string) []byte {
	return c.Encrypt(s, tableDotField)
}

// DecryptString decrypts to a string value.
// Returns empty string and ErrWasNull if ciphertext is nil.
func (c *ValueCodec) DecryptString(ciphertext []byte, tableDotField string) (string, error) {
	if ciphertext == nil {
		return "", ErrWasNull
	}
	value, err := c.Decrypt(ciphertext, tableDotField)
	if err != nil {
		return "", err
	}
	return toText(value), nil
}

// EncryptStringPtr encrypts a string pointer.
// Returns nil if s is nil (NULL preservation).
func (c *ValueCodec) EncryptStringPtr(s *string, tableDotField string) []byte {
	if s == nil {
		return nil
	}
	return c.EncryptString(*s, tableDotField)
}

// DecryptStringPtr decrypts to a string pointer.
// Returns nil if ciphertext is nil (NULL preservation).
func (c *ValueCodec) DecryptStringPtr(ciphertext []byte, tableDotField string) (*string, error) {
	if ciphertext == nil {
		return nil, nil
	}
	s, err := c.DecryptString(ciphertext, tableDotField)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EncryptInt64 encrypts an integer through the numeric scheme.
// Magnitudes above 2^53 lose precision.
func (c *ValueCodec) EncryptInt64(n int64, tableDotField string) []byte {
	return c.Encrypt(float64(n), tableDotField)
}

// DecryptInt64 decrypts a numeric value and rounds it to the nearest integer.
func (c *ValueCodec) DecryptInt64(ciphertext []byte, tableDotField string) (int64, error) {
	v, err := c.DecryptFloat(ciphertext, tableDotField)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(v)), nil
}

// WasNull returns true if the ciphertext represents a NULL value.
func (c *ValueCodec) WasNull(ciphertext []byte) bool {
	return ciphertext == nil
}

// toFloat converts the numeric kinds a database driver or caller may hand us.
func toFloat(value any) (float64, bool) {
	switch v := derefValue(value).(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toText formats a value the way it is stored in a string field.
func toText(value any) string {
	switch v := derefValue(value).(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// derefValue unwraps the pointer types callers commonly use for nullable
// columns. A nil pointer becomes nil.
func derefValue(value any) any {
	switch v := value.(type) {
	case *string:
		if v == nil {
			return nil
		}
		return *v
	case *float64:
		if v == nil {
			return nil
		}
		return *v
	case *int64:
		if v == nil {
			return nil
		}
		return *v
	case *int:
		if v == nil {
			return nil
		}
		return *v
	default:
		return value
	}
}
