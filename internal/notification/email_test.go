package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func TestSMTPSender_BuildsMultipartMessage(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{FromAddress: "noreply@clinic.example", FromName: "Clínica Saúde"})
	var got *gomail.Message
	s.send = func(ms ...*gomail.Message) error {
		got = ms[0]
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "ana@example.com", "Receita aprovada", "text", "<p>html</p>"))
	require.NotNil(t, got)
	assert.Equal(t, []string{"ana@example.com"}, got.GetHeader("To"))
	assert.Equal(t, []string{"Receita aprovada"}, got.GetHeader("Subject"))
	require.Len(t, got.GetHeader("From"), 1)
	assert.Contains(t, got.GetHeader("From")[0], "noreply@clinic.example")
}

func TestSMTPSender_WrapsTransportError(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{FromAddress: "noreply@clinic.example"})
	boom := errors.New("535 authentication failed")
	s.send = func(...*gomail.Message) error { return boom }

	err := s.Send(context.Background(), "ana@example.com", "s", "t", "h")
	assert.ErrorIs(t, err, boom)
}

func TestSMTPSender_StalledRelayHonoursDeadline(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{FromAddress: "noreply@clinic.example"})
	release := make(chan struct{})
	defer close(release)
	s.send = func(...*gomail.Message) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, "ana@example.com", "s", "t", "h")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPSender_CancelledBeforeSend(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{FromAddress: "noreply@clinic.example"})
	called := false
	s.send = func(...*gomail.Message) error {
		called = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, "ana@example.com", "s", "t", "h"), context.Canceled)
	assert.False(t, called)
}
