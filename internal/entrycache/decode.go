package entrycache

import (
	"fmt"
	"strconv"
)

// Decoder converts a raw stored value. Decoders are pure and never touch the store.
type Decoder[T any] func(raw []byte) (T, error)

// DecodeBytes returns raw unchanged.
func DecodeBytes(raw []byte) ([]byte, error) {
	return raw, nil
}

// DecodeString interprets raw as UTF-8 text.
func DecodeString(raw []byte) (string, error) {
	return string(raw), nil
}

// DecodeInt parses raw as a base 10 integer.
func DecodeInt(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrDecode, raw)
	}
	return n, nil
}

// DecodeFloat parses raw as a floating-point number.
func DecodeFloat(raw []byte) (float64, error) {
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a float", ErrDecode, raw)
	}
	return f, nil
}
