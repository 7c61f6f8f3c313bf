package models

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// MaxSMSLength bounds the text of a single SMS (ten concatenated segments).
const MaxSMSLength = 1600

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateRecipient checks the destination format for the channel.
func ValidateRecipient(ch Channel, recipient string) error {
	switch ch {
	case ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		if err != nil || addr.Address != recipient || !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
			return &ValidationError{Field: "recipient", Reason: "not a valid email address"}
		}
	case ChannelSMS:
		if !e164.MatchString(recipient) {
			return &ValidationError{Field: "recipient", Reason: "not an E.164 phone number"}
		}
	default:
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q", ch)}
	}
	return nil
}

// ValidateContent checks the rendered payload against the channel's needs.
func ValidateContent(ch Channel, c RenderedContent) error {
	switch ch {
	case ChannelEmail:
		if strings.TrimSpace(c.Subject) == "" {
			return &ValidationError{Field: "rendered_content.subject", Reason: "required for email"}
		}
		if strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.HTML) == "" {
			return &ValidationError{Field: "rendered_content", Reason: "email needs a text or html body"}
		}
	case ChannelSMS:
		if strings.TrimSpace(c.Text) == "" {
			return &ValidationError{Field: "rendered_content.text", Reason: "required for sms"}
		}
		if utf8.RuneCountInString(c.Text) > MaxSMSLength {
			return &ValidationError{Field: "rendered_content.text", Reason: fmt.Sprintf("exceeds %d characters", MaxSMSLength)}
		}
	default:
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q", ch)}
	}
	return nil
}
