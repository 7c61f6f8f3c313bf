package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"PulseRelay/internal/models"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent carries the full new state of an entry after a mutation.
// Entry is the last known state for delete events.
type ChangeEvent struct {
	Seq     int64              `json:"seq"`
	Kind    ChangeKind         `json:"kind"`
	EntryID string             `json:"entry_id"`
	Entry   *models.QueueEntry `json:"entry"`
	At      time.Time          `json:"at"`
}

func (c ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalChangeEvent(b []byte) (ChangeEvent, error) {
	var c ChangeEvent
	if err := json.Unmarshal(b, &c); err != nil {
		return ChangeEvent{}, fmt.Errorf("queue: decode change event: %w", err)
	}
	if c.Kind == "" || c.Entry == nil {
		return ChangeEvent{}, fmt.Errorf("queue: decode change event: missing kind or entry")
	}
	if c.EntryID == "" {
		c.EntryID = c.Entry.ID
	}
	return c, nil
}
