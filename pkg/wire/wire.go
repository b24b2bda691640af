// Package wire implements the binary encoding used on the sync protocol.
//
// Messages are self-describing maps keyed by short strings, encoded in an
// RFC 8949 (CBOR) compatible subset: unsigned and negative integers, booleans,
// null, text strings, byte strings, arrays, nested string-keyed maps, and
// IEEE 754 double-precision floats. Byte strings are preserved verbatim; there
// is no base64 detour.
//
// The encoder is deterministic: map keys are emitted in sorted order, and
// integers always use the shortest representation. The decoder rejects
// anything outside the subset (indefinite lengths, tags, non-string map keys)
// with a *FormatError, so a malformed or truncated frame fails the same way
// every time.
package wire

import (
	"fmt"
)

// CBOR major types (high 3 bits of the initial byte).
const (
	majorUnsigned = 0
	majorNegative = 1
	majorBytes    = 2
	majorText     = 3
	majorArray    = 4
	majorMap      = 5
	majorTag      = 6
	majorSimple   = 7
)

// Simple values and float encodings (major type 7).
const (
	simpleFalse   = 20
	simpleTrue    = 21
	simpleNull    = 22
	simpleFloat64 = 27
)

// addlIndefinite is the additional-info value for indefinite lengths,
// which this subset does not allow.
const addlIndefinite = 31

// FormatError reports a malformed frame. Offset is the byte position at which
// decoding failed.
type FormatError struct {
	Offset int
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("wire: %s at offset %d", e.Msg, e.Offset)
}

func formatErr(offset int, format string, args ...any) error {
	return &FormatError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
