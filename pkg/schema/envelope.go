package schema

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventUnknown is assigned to frames that decode but carry no type tag.
const EventUnknown = "unknown"

// Event is the canonical envelope delivered to every subscriber.
type Event struct {
	Type      string          `json:"type"`
	RawType   string          `json:"raw_type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Time parses the event timestamp. ok is false when it is absent or unparseable.
func (e Event) Time() (t time.Time, ok bool) {
	return ParseTimestamp(e.Timestamp)
}

// Fields decodes the payload into a generic map; an empty payload yields an empty map.
func (e Event) Fields() map[string]any {
	m := map[string]any{}
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &m)
	}
	return m
}

// NewEvent builds a canonical event from a Go payload, stamped with ts.
func NewEvent(typ string, data any, ts time.Time) Event {
	ev := Event{Type: typ, RawType: typ}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}
	if !ts.IsZero() {
		ev.Timestamp = FormatTimestamp(ts)
	}
	return ev
}

// envelopeKeys are consumed by the envelope itself and never copied into Data.
var envelopeKeys = map[string]struct{}{
	"type":      {},
	"data":      {},
	"timestamp": {},
}

// Normalize decodes a raw inbound frame into a canonical Event.
//
// Frames may carry their payload under "data" or, in the legacy shape, as
// top-level siblings of "type"; both are merged with "data" winning. A missing
// timestamp defaults to receivedAt.
func Normalize(raw []byte, receivedAt time.Time) (Event, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&top); err != nil {
		return Event{}, NewError(ErrCodeMalformedFrame, "frame is not a JSON object").WithCause(err)
	}
	if top == nil {
		return Event{}, NewError(ErrCodeMalformedFrame, "frame is null")
	}

	var tag string
	if v, ok := top["type"]; ok {
		_ = json.Unmarshal(v, &tag)
	}
	if tag == "" {
		tag = EventUnknown
	}

	var ts string
	if v, ok := top["timestamp"]; ok {
		_ = json.Unmarshal(v, &ts)
	}
	if ts == "" {
		ts = FormatTimestamp(receivedAt)
	}

	payload := make(map[string]json.RawMessage)
	for k, v := range top {
		if _, skip := envelopeKeys[k]; skip {
			continue
		}
		payload[k] = v
	}
	if v, ok := top["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil {
			for k, nv := range nested {
				payload[k] = nv
			}
		}
	}

	var data json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, NewError(ErrCodeMalformedFrame, "re-encode payload").WithCause(err)
		}
		data = b
	}

	return Event{
		Type:      CanonicalType(tag),
		RawType:   tag,
		Data:      data,
		Timestamp: ts,
	}, nil
}

// Message is the outbound envelope sent over the transport.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// NewMessage builds an outbound message stamped with the current time.
func NewMessage(typ string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Data:      data,
		Timestamp: FormatTimestamp(time.Now()),
	}
}

// FormatTimestamp renders t as UTC ISO-8601.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 timestamps and the zone-less ISO form some
// backends emit (treated as UTC).
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
