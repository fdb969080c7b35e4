package mail

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"consultchat/internal/config"

	"github.com/stretchr/testify/require"
)

func TestBuildMessage(t *testing.T) {
	subject, body := VerificationEmail("123456")
	msg, err := buildMessage("noreply@example.com", "ana@example.com", subject, body)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.String()
	require.Contains(t, out, "Subject: Verify your email address")
	require.Contains(t, out, "ana@example.com")
	require.Contains(t, out, "123456")

	_, err = buildMessage("noreply@example.com", "not an address", subject, body)
	require.Error(t, err)
}

func TestNewSMTPSenderValidation(t *testing.T) {
	_, err := NewSMTPSender(config.EmailConfig{})
	require.Error(t, err)

	_, err = NewSMTPSender(config.EmailConfig{Host: "smtp.example.com"})
	require.Error(t, err)

	s, err := NewSMTPSender(config.EmailConfig{Host: "smtp.example.com", Port: 587, Username: "bot@example.com"})
	require.NoError(t, err)
	require.Equal(t, "bot@example.com", s.cfg.From)
}

func TestTemplatesCarryCode(t *testing.T) {
	_, body := ResetEmail("654321")
	require.True(t, strings.Contains(body, "654321"))
	require.NoError(t, LogSender{}.Send(context.Background(), "a@b.c", "s", "b"))
}
