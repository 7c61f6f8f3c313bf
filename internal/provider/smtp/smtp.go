package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"PulseRelay/internal/delivery"
)

const providerName = "smtp"

// Dialer opens an SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type Sender struct {
	dialer Dialer
	domain string
}

var _ delivery.EmailProvider = (*Sender)(nil)

func New(host string, port int, user, password string) *Sender {
	return NewWithDialer(gomail.NewDialer(host, port, user, password), host)
}

// NewWithDialer uses domain as the right-hand side of generated Message-IDs.
func NewWithDialer(d Dialer, domain string) *Sender {
	if domain == "" {
		domain = "localhost"
	}
	return &Sender{dialer: d, domain: domain}
}

func (s *Sender) Name() string { return providerName }

// SendEmail sends msg and returns the Message-ID it was sent with.
func (s *Sender) SendEmail(ctx context.Context, msg delivery.EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Headers {
		if v != "" {
			m.SetHeader(k, v)
		}
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	sc, err := s.dialer.Dial()
	if err != nil {
		return "", classify(err)
	}
	defer sc.Close()

	if err := sc.Send(msg.From, []string{msg.To}, m); err != nil {
		return "", classify(err)
	}
	return messageID, nil
}

// clientAuthErrors are the messages net/smtp returns when it refuses to
// authenticate before talking to the server.
var clientAuthErrors = []string{
	"unencrypted connection",
	"wrong host name",
	"smtp: server doesn't support auth",
}

// classify turns SMTP reply codes into provider errors. Transport errors are
// returned unchanged so the executor can classify them as network failures.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return err
	}

	var tp *textproto.Error
	if !errors.As(err, &tp) {
		msg := strings.ToLower(err.Error())
		for _, s := range clientAuthErrors {
			if strings.Contains(msg, s) {
				return &delivery.ProviderError{Provider: providerName, Category: delivery.CategoryAuth, Message: err.Error()}
			}
		}
		return err
	}

	pe := &delivery.ProviderError{
		Provider: providerName,
		Code:     fmt.Sprintf("%d", tp.Code),
		Message:  tp.Msg,
	}
	switch {
	case tp.Code == 421:
		pe.Category = delivery.CategoryServiceUnavailable
	case tp.Code == 450 || tp.Code == 452:
		pe.Category = delivery.CategoryThrottling
	case tp.Code >= 400 && tp.Code < 500:
		pe.Category = delivery.CategoryServiceUnavailable
	case tp.Code == 530 || tp.Code == 534 || tp.Code == 535:
		pe.Category = delivery.CategoryAuth
	case tp.Code == 550 || tp.Code == 551 || tp.Code == 553:
		pe.Category = delivery.CategoryInvalidRecipient
	case tp.Code >= 500:
		pe.Category = delivery.CategoryRejected
	default:
		pe.Category = delivery.CategoryUnknown
	}
	return pe
}
