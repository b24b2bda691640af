package broadcast

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EventType names the streaming channel event kinds.
type EventType string

const (
	EventConnected  EventType = "connected"
	EventOperations EventType = "operations"
	EventPing       EventType = "ping"
	EventError      EventType = "error"
)

// Event is one frame on a subscriber's outbound channel. Payload is encoded
// as a single JSON line; the binary wire format stays on request/response
// bodies where both ends negotiate it.
type Event struct {
	ID   string
	Type EventType
	Data map[string]any
}

// EncodeData returns the one-line payload for the data field.
func (e Event) EncodeData() (string, error) {
	if e.Data == nil {
		return "{}", nil
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("broadcast: encode event data: %w", err)
	}
	return string(data), nil
}

// EventID orders events for Last-Event-ID resume: the oplog cursor of the
// triggering entry plus a broadcaster-wide monotonic sequence.
type EventID struct {
	Cursor int64
	Seq    int64
}

// String renders the wire form "<cursor>-<seq>".
func (id EventID) String() string {
	return fmt.Sprintf("%d-%d", id.Cursor, id.Seq)
}

// After reports whether id was issued after other.
func (id EventID) After(other EventID) bool {
	if id.Cursor != other.Cursor {
		return id.Cursor > other.Cursor
	}
	return id.Seq > other.Seq
}

// ParseEventID parses the wire form. Malformed ids are an error; callers
// treat them as an absent Last-Event-ID.
func ParseEventID(s string) (EventID, error) {
	cursorStr, seqStr, ok := strings.Cut(s, "-")
	if !ok {
		return EventID{}, fmt.Errorf("broadcast: malformed event id %q", s)
	}
	cursor, err := strconv.ParseInt(cursorStr, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("broadcast: malformed event id %q", s)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("broadcast: malformed event id %q", s)
	}
	return EventID{Cursor: cursor, Seq: seq}, nil
}
