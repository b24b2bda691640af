package wire

import (
	"encoding/binary"
	"math"
)

// Decode parses a single value and requires the input to be fully consumed.
//
// Decoded types mirror the encoder: nil, bool, int64, float64, string,
// []byte, []any, map[string]any. Unsigned values above math.MaxInt64, tags,
// indefinite lengths, and non-string map keys are rejected with *FormatError.
func Decode(data []byte) (any, error) {
	d := &decoder{data: data}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(data) {
		return nil, formatErr(d.pos, "trailing garbage (%d bytes)", len(data)-d.pos)
	}
	return v, nil
}

// DecodeMap parses a top-level protocol frame, which must be a string-keyed map.
func DecodeMap(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, formatErr(0, "top-level value is %T, expected map", v)
	}
	return m, nil
}

// maxNesting bounds recursion so a hostile frame cannot blow the stack.
const maxNesting = 32

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxNesting {
		return nil, formatErr(d.pos, "nesting deeper than %d levels", maxNesting)
	}
	if d.pos >= len(d.data) {
		return nil, formatErr(d.pos, "truncated input")
	}

	initial := d.data[d.pos]
	major := int(initial >> 5)
	addl := int(initial & 0x1f)
	start := d.pos
	d.pos++

	switch major {
	case majorUnsigned:
		n, err := d.argument(addl, start)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return nil, formatErr(start, "unsigned value %d overflows int64", n)
		}
		return int64(n), nil

	case majorNegative:
		n, err := d.argument(addl, start)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return nil, formatErr(start, "negative value -%d-1 overflows int64", n)
		}
		return -1 - int64(n), nil

	case majorBytes:
		b, err := d.lengthPrefixed(addl, start)
		if err != nil {
			return nil, err
		}
		// Copy so callers can hold on to the slice independently of the frame.
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	case majorText:
		b, err := d.lengthPrefixed(addl, start)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case majorArray:
		n, err := d.containerLen(addl, start)
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			elem, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil

	case majorMap:
		n, err := d.containerLen(addl, start)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			keyStart := d.pos
			key, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, formatErr(keyStart, "map key is %T, expected string", key)
			}
			if _, dup := m[ks]; dup {
				return nil, formatErr(keyStart, "duplicate map key %q", ks)
			}
			val, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			m[ks] = val
		}
		return m, nil

	case majorTag:
		return nil, formatErr(start, "tagged values are not part of the protocol subset")

	default: // majorSimple
		switch addl {
		case simpleFalse:
			return false, nil
		case simpleTrue:
			return true, nil
		case simpleNull:
			return nil, nil
		case simpleFloat64:
			if d.pos+8 > len(d.data) {
				return nil, formatErr(start, "truncated float64")
			}
			bits := binary.BigEndian.Uint64(d.data[d.pos : d.pos+8])
			d.pos += 8
			return math.Float64frombits(bits), nil
		default:
			return nil, formatErr(start, "unsupported simple value %d", addl)
		}
	}
}

// argument reads the length/value argument that follows the initial byte.
func (d *decoder) argument(addl, start int) (uint64, error) {
	switch {
	case addl < 24:
		return uint64(addl), nil
	case addl == 24:
		if d.pos+1 > len(d.data) {
			return 0, formatErr(start, "truncated argument")
		}
		v := uint64(d.data[d.pos])
		d.pos++
		return v, nil
	case addl == 25:
		if d.pos+2 > len(d.data) {
			return 0, formatErr(start, "truncated argument")
		}
		v := uint64(binary.BigEndian.Uint16(d.data[d.pos : d.pos+2]))
		d.pos += 2
		return v, nil
	case addl == 26:
		if d.pos+4 > len(d.data) {
			return 0, formatErr(start, "truncated argument")
		}
		v := uint64(binary.BigEndian.Uint32(d.data[d.pos : d.pos+4]))
		d.pos += 4
		return v, nil
	case addl == 27:
		if d.pos+8 > len(d.data) {
			return 0, formatErr(start, "truncated argument")
		}
		v := binary.BigEndian.Uint64(d.data[d.pos : d.pos+8])
		d.pos += 8
		return v, nil
	case addl == addlIndefinite:
		return 0, formatErr(start, "indefinite lengths are not part of the protocol subset")
	default:
		return 0, formatErr(start, "reserved additional info %d", addl)
	}
}

func (d *decoder) lengthPrefixed(addl, start int) ([]byte, error) {
	n, err := d.argument(addl, start)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.data)-d.pos) {
		return nil, formatErr(start, "declared length %d exceeds remaining input", n)
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) containerLen(addl, start int) (int, error) {
	n, err := d.argument(addl, start)
	if err != nil {
		return 0, err
	}
	// Every element needs at least one byte, so anything beyond the remaining
	// input is a lie about the length.
	if n > uint64(len(d.data)-d.pos) {
		return 0, formatErr(start, "declared size %d exceeds remaining input", n)
	}
	return int(n), nil
}
