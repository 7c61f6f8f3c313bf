package delivery

import (
	"context"
	"time"

	"PulseRelay/internal/models"
)

// EmailMessage is the provider-facing email; HTML is optional.
type EmailMessage struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

type EmailProvider interface {
	Name() string
	SendEmail(ctx context.Context, msg EmailMessage) (messageID string, err error)
}

// SMS message classifications understood by gateways.
const (
	SMSTransactional = "Transactional"
	SMSPromotional   = "Promotional"
)

type SMSMessage struct {
	To       string
	Body     string
	SenderID string
	Type     string
}

type SMSProvider interface {
	Name() string
	SendSMS(ctx context.Context, msg SMSMessage) (messageID string, err error)
}

// EmailDelivery sends entries on the email channel.
type EmailDelivery struct {
	Provider EmailProvider
	From     string
	Now      func() time.Time
}

func (d *EmailDelivery) Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error) {
	msg := EmailMessage{
		From:    d.From,
		To:      entry.Recipient,
		Subject: entry.Content.Subject,
		HTML:    entry.Content.HTML,
		Text:    entry.Content.Text,
		Headers: map[string]string{
			"X-Notification-ID": entry.NotificationID,
			"X-Entry-ID":        entry.ID,
		},
	}

	id, err := d.Provider.SendEmail(ctx, msg)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	return models.DeliveryResult{MessageID: id, Provider: d.Provider.Name(), SentAt: now(d.Now)}, nil
}

// SmsDelivery sends entries on the SMS channel. The message type defaults to
// transactional and may be overridden per entry with the "sms_type" metadata key.
type SmsDelivery struct {
	Provider    SMSProvider
	SenderID    string
	MessageType string
	Now         func() time.Time
}

func (d *SmsDelivery) Send(ctx context.Context, entry *models.QueueEntry) (models.DeliveryResult, error) {
	kind := d.MessageType
	if kind == "" {
		kind = SMSTransactional
	}
	if t := entry.Metadata["sms_type"]; t == SMSTransactional || t == SMSPromotional {
		kind = t
	}

	msg := SMSMessage{
		To:       entry.Recipient,
		Body:     entry.Content.Text,
		SenderID: d.SenderID,
		Type:     kind,
	}

	id, err := d.Provider.SendSMS(ctx, msg)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	return models.DeliveryResult{MessageID: id, Provider: d.Provider.Name(), SentAt: now(d.Now)}, nil
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now().UTC()
}
