package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Encode serializes a value into the wire subset.
//
// Supported types: nil, bool, int, int32, int64, uint32, uint64 (must fit in
// int64 range unless positive), float64, string, []byte, []any, and
// map[string]any. Anything else returns an error; callers are expected to
// lower their models to these primitives first.
func Encode(v any) ([]byte, error) {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

// EncodeMap serializes a string-keyed map. This is the top-level framing for
// every protocol message.
func EncodeMap(m map[string]any) ([]byte, error) {
	return Encode(m)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, 0xe0|simpleNull), nil
	case bool:
		if t {
			return append(buf, 0xe0|simpleTrue), nil
		}
		return append(buf, 0xe0|simpleFalse), nil
	case int:
		return appendInt(buf, int64(t)), nil
	case int32:
		return appendInt(buf, int64(t)), nil
	case int64:
		return appendInt(buf, t), nil
	case uint32:
		return appendHead(buf, majorUnsigned, uint64(t)), nil
	case uint64:
		return appendHead(buf, majorUnsigned, t), nil
	case float64:
		buf = append(buf, 0xe0|simpleFloat64)
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], math.Float64bits(t))
		return append(buf, be[:]...), nil
	case string:
		buf = appendHead(buf, majorText, uint64(len(t)))
		return append(buf, t...), nil
	case []byte:
		buf = appendHead(buf, majorBytes, uint64(len(t)))
		return append(buf, t...), nil
	case []any:
		buf = appendHead(buf, majorArray, uint64(len(t)))
		var err error
		for _, elem := range t {
			if buf, err = appendValue(buf, elem); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		buf = appendHead(buf, majorMap, uint64(len(t)))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			if buf, err = appendValue(buf, k); err != nil {
				return nil, err
			}
			if buf, err = appendValue(buf, t[k]); err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: unsupported type %T", v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	if v >= 0 {
		return appendHead(buf, majorUnsigned, uint64(v))
	}
	return appendHead(buf, majorNegative, uint64(-1-v))
}

// appendHead writes the initial byte and length/value argument using the
// shortest form, as canonical CBOR requires.
func appendHead(buf []byte, major int, n uint64) []byte {
	mt := byte(major << 5)
	switch {
	case n < 24:
		return append(buf, mt|byte(n))
	case n <= math.MaxUint8:
		return append(buf, mt|24, byte(n))
	case n <= math.MaxUint16:
		return append(buf, mt|25, byte(n>>8), byte(n))
	case n <= math.MaxUint32:
		return append(buf, mt|26, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		return append(buf, mt|27,
			byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}
