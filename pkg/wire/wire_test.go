package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Round-trip Tests
// ============================================================================

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"null":         nil,
		"true":         true,
		"false":        false,
		"zero":         int64(0),
		"small int":    int64(23),
		"uint8 int":    int64(255),
		"uint16 int":   int64(65535),
		"uint32 int":   int64(1 << 30),
		"uint64 int":   int64(math.MaxInt64),
		"negative":     int64(-1),
		"negative big": int64(math.MinInt64),
		"float":        float64(12.5),
		"empty string": "",
		"string":       "notes",
		"utf8 string":  "héllo wörld",
		"empty bytes":  []byte{},
		"bytes":        []byte{0xA0, 0x00, 0xFF},
		"array":        []any{int64(1), "two", nil},
		"map": map[string]any{
			"dbId":   "db-1",
			"opId":   int64(42),
			"cbor":   []byte{0xB0},
			"nested": map[string]any{"k": true},
		},
	}

	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(v)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, v, decoded)
		})
	}
}

func TestRoundTrip_EmptyByteSlicesStayBytes(t *testing.T) {
	t.Parallel()

	encoded, err := Encode([]byte{})
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.IsType(t, []byte{}, decoded)
	assert.Empty(t, decoded)
}

// ============================================================================
// Deterministic Encoding Tests
// ============================================================================

func TestEncode_MapKeyOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	m := map[string]any{"b": int64(2), "a": int64(1), "c": int64(3)}

	first, err := EncodeMap(m)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := EncodeMap(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncode_ShortestIntegerForm(t *testing.T) {
	t.Parallel()

	encoded, err := Encode(int64(5))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, encoded)

	encoded, err = Encode(int64(500))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x19, 0x01, 0xF4}, encoded)
}

func TestEncode_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := Encode(struct{}{})
	assert.Error(t, err)
}

// ============================================================================
// Malformed Input Tests
// ============================================================================

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty input":          {},
		"truncated uint16":     {0x19, 0x01},
		"truncated text":       {0x63, 'a', 'b'},
		"truncated bytes":      {0x42, 0x01},
		"truncated float":      {0xfb, 0x00, 0x00},
		"truncated array":      {0x82, 0x01},
		"truncated map":        {0xa1, 0x61, 'k'},
		"indefinite bytes":     {0x5f},
		"indefinite array":     {0x9f},
		"indefinite map":       {0xbf},
		"tagged value":         {0xc0, 0x00},
		"reserved simple":      {0xe0 | 28},
		"reserved addl info":   {0x1c},
		"integer map key":      {0xa1, 0x01, 0x01},
		"duplicate map key":    {0xa2, 0x61, 'k', 0x01, 0x61, 'k', 0x02},
		"length past end":      {0x5b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"uint64 overflows int": {0x1b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"trailing garbage":     {0x01, 0x02},
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.Error(t, err)

			var fe *FormatError
			assert.ErrorAs(t, err, &fe, "expected *FormatError, got %T", err)
		})
	}
}

func TestDecode_MalformedIsDeterministic(t *testing.T) {
	t.Parallel()

	data := []byte{0x63, 'a', 'b'} // text declares 3 bytes, carries 2

	first, err1 := Decode(data)
	second, err2 := Decode(data)

	assert.Nil(t, first)
	assert.Nil(t, second)
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestDecodeMap_RejectsNonMapTopLevel(t *testing.T) {
	t.Parallel()

	encoded, err := Encode([]any{int64(1)})
	require.NoError(t, err)

	_, err = DecodeMap(encoded)
	assert.Error(t, err)
}

func TestDecode_DeepNestingRejected(t *testing.T) {
	t.Parallel()

	// 40 nested single-element arrays, beyond the decoder's nesting bound.
	data := make([]byte, 0, 41)
	for i := 0; i < 40; i++ {
		data = append(data, 0x81)
	}
	data = append(data, 0x01)

	_, err := Decode(data)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}
