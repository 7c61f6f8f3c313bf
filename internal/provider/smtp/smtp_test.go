package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"PulseRelay/internal/delivery"
)

type fakeSession struct {
	sendErr error
	from    string
	to      []string
	body    bytes.Buffer
	closed  bool
}

func (f *fakeSession) Send(from string, to []string, msg io.WriterTo) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.from, f.to = from, to
	_, err := msg.WriteTo(&f.body)
	return err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (f *fakeDialer) Dial() (gomail.SendCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func message() delivery.EmailMessage {
	return delivery.EmailMessage{
		From:    "noreply@pulserelay.dev",
		To:      "a@b.com",
		Subject: "Welcome",
		Text:    "hello",
		HTML:    "<p>hello</p>",
		Headers: map[string]string{"X-Entry-ID": "e1"},
	}
}

func TestSender_SendsMultipartMessage(t *testing.T) {
	session := &fakeSession{}
	s := NewWithDialer(&fakeDialer{session: session}, "pulserelay.dev")

	id, err := s.SendEmail(context.Background(), message())
	require.NoError(t, err)
	assert.Contains(t, id, "@pulserelay.dev>")
	assert.Equal(t, "noreply@pulserelay.dev", session.from)
	assert.Equal(t, []string{"a@b.com"}, session.to)
	assert.True(t, session.closed)

	raw := session.body.String()
	assert.Contains(t, raw, "Subject: Welcome")
	assert.Contains(t, raw, "X-Entry-ID: e1")
	assert.Contains(t, raw, "text/plain")
	assert.Contains(t, raw, "text/html")
}

func TestSender_ClassifiesReplyCodes(t *testing.T) {
	tests := []struct {
		code int
		want delivery.Category
	}{
		{421, delivery.CategoryServiceUnavailable},
		{450, delivery.CategoryThrottling},
		{451, delivery.CategoryServiceUnavailable},
		{534, delivery.CategoryAuth},
		{535, delivery.CategoryAuth},
		{550, delivery.CategoryInvalidRecipient},
		{554, delivery.CategoryRejected},
	}
	for _, tt := range tests {
		s := NewWithDialer(&fakeDialer{session: &fakeSession{sendErr: &textproto.Error{Code: tt.code, Msg: "nope"}}}, "")
		_, err := s.SendEmail(context.Background(), message())
		assert.Equal(t, tt.want, delivery.Classify(err), "code %d", tt.code)
	}
}

func TestSender_DialFailureIsNetworkError(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	s := NewWithDialer(&fakeDialer{err: dialErr}, "")

	_, err := s.SendEmail(context.Background(), message())
	assert.Equal(t, delivery.CategoryNetwork, delivery.Classify(err))
	assert.True(t, delivery.IsRetryable(err))
}

func TestSender_DialTimeoutToAuthHostIsRetryable(t *testing.T) {
	dialErr := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &net.DNSError{Err: "i/o timeout", Name: "smtp-auth.mail.example.com", IsTimeout: true},
	}
	require.Contains(t, dialErr.Error(), "auth")
	s := NewWithDialer(&fakeDialer{err: dialErr}, "smtp-auth.mail.example.com")

	_, err := s.SendEmail(context.Background(), message())
	assert.Equal(t, delivery.CategoryTimeout, delivery.Classify(err))
	assert.True(t, delivery.IsRetryable(err))
}

func TestSender_ClientSideAuthRefusalIsAuth(t *testing.T) {
	s := NewWithDialer(&fakeDialer{err: errors.New("unencrypted connection")}, "")
	_, err := s.SendEmail(context.Background(), message())
	assert.Equal(t, delivery.CategoryAuth, delivery.Classify(err))
	assert.False(t, delivery.IsRetryable(err))

	s = NewWithDialer(&fakeDialer{err: errors.New("gomail: could not reach authority")}, "")
	_, err = s.SendEmail(context.Background(), message())
	assert.Equal(t, delivery.CategoryUnknown, delivery.Classify(err))
}

func TestSender_CancelledContextSkipsSend(t *testing.T) {
	session := &fakeSession{}
	s := NewWithDialer(&fakeDialer{session: session}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SendEmail(ctx, message())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, session.body.Len())
}
