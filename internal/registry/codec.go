package registry

import "fmt"

// BytesCodec returns an encode/decode pair for rules whose values are raw
// bytes already. Most file-shaped task types use this.
func BytesCodec() (func(any) ([]byte, error), func([]byte) (any, error)) {
	encode := func(v any) ([]byte, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("registry: expected []byte value, got %T", v)
		}
		return b, nil
	}
	decode := func(data []byte) (any, error) {
		return data, nil
	}
	return encode, decode
}

// StringCodec returns an encode/decode pair for rules producing strings.
func StringCodec() (func(any) ([]byte, error), func([]byte) (any, error)) {
	encode := func(v any) ([]byte, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("registry: expected string value, got %T", v)
		}
		return []byte(s), nil
	}
	decode := func(data []byte) (any, error) {
		return string(data), nil
	}
	return encode, decode
}
