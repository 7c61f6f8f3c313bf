package escalation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

var ErrMalformedMessage = errors.New("escalation: malformed message")

// Envelope is a normalised escalation message.
type Envelope struct {
	EntryID string
	// Entry is the state carried by the message, nil for id references.
	Entry *models.QueueEntry
	// Snapshot is set for change records, whose entry state can be compared
	// with the store to detect stale deliveries.
	Snapshot bool
}

// probe sees every field the accepted shapes use to identify themselves.
type probe struct {
	ID        string          `json:"id"`
	EntryID   string          `json:"entry_id"`
	Kind      string          `json:"kind"`
	Entry     json.RawMessage `json:"entry"`
	Channel   string          `json:"channel"`
	Recipient string          `json:"recipient"`
}

// Normalize accepts a wrapped change record, a raw queue entry or an
// {"id": ...} reference.
func Normalize(payload []byte) (Envelope, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}

	var p probe
	if err := json.Unmarshal(payload, &p); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case p.Kind != "" && len(p.Entry) > 0 && string(p.Entry) != "null":
		evt, err := queue.UnmarshalChangeEvent(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if evt.EntryID == "" {
			return Envelope{}, fmt.Errorf("%w: change record without entry id", ErrMalformedMessage)
		}
		return Envelope{EntryID: evt.EntryID, Entry: evt.Entry, Snapshot: true}, nil

	case p.ID != "" && p.Channel != "" && p.Recipient != "":
		var e models.QueueEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Envelope{EntryID: e.ID, Entry: &e}, nil

	case p.ID != "":
		return Envelope{EntryID: p.ID}, nil

	case p.EntryID != "" && p.Kind == "":
		return Envelope{EntryID: p.EntryID}, nil
	}

	return Envelope{}, fmt.Errorf("%w: no recognised shape", ErrMalformedMessage)
}
