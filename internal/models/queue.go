package models

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Priority is recorded with the entry but does not influence dispatch order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

const (
	DefaultMaxRetries = 3
	DefaultExpiry     = 7 * 24 * time.Hour
)

// RenderedContent is produced before enqueue and never changes afterwards.
type RenderedContent struct {
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

// DeliveryResult is the provider receipt of a successful send.
type DeliveryResult struct {
	MessageID string    `json:"message_id"`
	Provider  string    `json:"provider,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// QueueEntry is the outbox record.
type QueueEntry struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	Channel        Channel         `json:"channel"`
	Recipient      string          `json:"recipient"`
	Content        RenderedContent `json:"rendered_content"`
	Priority       Priority        `json:"priority"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`

	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	LastResult *DeliveryResult `json:"last_result,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	ExpiresAt time.Time `json:"expiry"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the entry may be sent at now.
func (e *QueueEntry) Due(now time.Time) bool {
	return e.ScheduledAt == nil || !e.ScheduledAt.After(now)
}

// Deferred reports whether the entry was scheduled for later at creation and
// has not been attempted yet. Such entries are sent by the scheduler, not by
// change events.
func (e *QueueEntry) Deferred() bool {
	return e.ScheduledAt != nil && e.ScheduledAt.After(e.CreatedAt) && e.RetryCount == 0
}

// BudgetExhausted reports whether the retry budget is used up.
func (e *QueueEntry) BudgetExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// Clone returns a deep copy so callers can mutate without sharing maps or pointers.
func (e *QueueEntry) Clone() *QueueEntry {
	cp := *e
	if e.ScheduledAt != nil {
		t := *e.ScheduledAt
		cp.ScheduledAt = &t
	}
	if e.LastResult != nil {
		r := *e.LastResult
		cp.LastResult = &r
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
