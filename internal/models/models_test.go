package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_TerminalStatesHaveNoExit(t *testing.T) {
	for _, from := range []Status{StatusSent, StatusPermanentlyFailed} {
		for _, to := range AllStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPermanentlyFailed, false},
		{StatusPending, StatusPending, false},
		{StatusFailed, StatusPermanentlyFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusSent, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("permanently_failed")
	require.NoError(t, err)
	assert.Equal(t, StatusPermanentlyFailed, s)

	_, err = ParseStatus("processing")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestValidateRecipient(t *testing.T) {
	assert.NoError(t, ValidateRecipient(ChannelEmail, "a@b.com"))
	assert.NoError(t, ValidateRecipient(ChannelSMS, "+14155550123"))

	for _, bad := range []string{"", "a@b", "Alice <a@b.com>", "not-an-email"} {
		assert.ErrorIs(t, ValidateRecipient(ChannelEmail, bad), ErrValidation, bad)
	}
	for _, bad := range []string{"4155550123", "+0123", "+1 415 555 0123"} {
		assert.ErrorIs(t, ValidateRecipient(ChannelSMS, bad), ErrValidation, bad)
	}
	assert.ErrorIs(t, ValidateRecipient(Channel("push"), "x"), ErrValidation)
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent(ChannelEmail, RenderedContent{Subject: "S", Text: "T"}))
	assert.NoError(t, ValidateContent(ChannelEmail, RenderedContent{Subject: "S", HTML: "<p>T</p>"}))
	assert.ErrorIs(t, ValidateContent(ChannelEmail, RenderedContent{Text: "T"}), ErrValidation)
	assert.ErrorIs(t, ValidateContent(ChannelEmail, RenderedContent{Subject: "S"}), ErrValidation)

	assert.NoError(t, ValidateContent(ChannelSMS, RenderedContent{Text: "code 1234"}))
	assert.ErrorIs(t, ValidateContent(ChannelSMS, RenderedContent{}), ErrValidation)
	assert.ErrorIs(t, ValidateContent(ChannelSMS, RenderedContent{Text: strings.Repeat("x", MaxSMSLength+1)}), ErrValidation)
}

func TestQueueEntry_Due(t *testing.T) {
	now := time.Now()
	e := &QueueEntry{}
	assert.True(t, e.Due(now))

	future := now.Add(time.Hour)
	e.ScheduledAt = &future
	assert.False(t, e.Due(now))

	past := now.Add(-time.Minute)
	e.ScheduledAt = &past
	assert.True(t, e.Due(now))
}

func TestQueueEntry_Deferred(t *testing.T) {
	now := time.Now()
	e := &QueueEntry{CreatedAt: now}
	assert.False(t, e.Deferred())

	later := now.Add(time.Hour)
	e.ScheduledAt = &later
	assert.True(t, e.Deferred())

	e.RetryCount = 1
	assert.False(t, e.Deferred(), "an attempted entry follows change events again")

	e.RetryCount = 0
	e.ScheduledAt = &now
	assert.False(t, e.Deferred())
}

func TestQueueEntry_CloneIsDeep(t *testing.T) {
	at := time.Now()
	e := &QueueEntry{
		ID:          "x",
		ScheduledAt: &at,
		LastResult:  &DeliveryResult{MessageID: "m1"},
		Metadata:    map[string]string{"k": "v"},
	}
	cp := e.Clone()
	cp.Metadata["k"] = "changed"
	cp.LastResult.MessageID = "m2"

	assert.Equal(t, "v", e.Metadata["k"])
	assert.Equal(t, "m1", e.LastResult.MessageID)
	assert.NotSame(t, e.ScheduledAt, cp.ScheduledAt)
}
