package notifications

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
)

func testAlert() alerts.Alert {
	return alerts.Alert{
		ID:        "ab12cd34",
		Level:     alerts.LevelCritical,
		Source:    "safety",
		Message:   "wind 38.0 mph over limit 35",
		Timestamp: time.Date(2026, 3, 1, 3, 15, 0, 0, time.UTC),
	}
}

func TestGenericWebhookPayload(t *testing.T) {
	var got alerts.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	wh := NewWebhook("ops", srv.URL, zerolog.Nop())
	require.NoError(t, wh.Send(context.Background(), testAlert()))
	assert.Equal(t, "ab12cd34", got.ID)
	assert.Equal(t, alerts.LevelCritical, got.Level)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook("ops", srv.URL, zerolog.Nop())
	err := wh.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackPayloadShape(t *testing.T) {
	p, ok := payloadFor("https://hooks.slack.com/services/T0/B0/xyz", testAlert()).(map[string]any)
	require.True(t, ok)
	assert.Contains(t, p["text"], "[CRITICAL]")
	attachments := p["attachments"].([]map[string]any)
	require.Len(t, attachments, 1)
	assert.Equal(t, "#d32f2f", attachments[0]["color"])
}

func TestDiscordPayloadShape(t *testing.T) {
	p, ok := payloadFor("https://discord.com/api/webhooks/123/abc", testAlert()).(map[string]any)
	require.True(t, ok)
	embeds := p["embeds"].([]map[string]any)
	require.Len(t, embeds, 1)
	assert.Equal(t, "wind 38.0 mph over limit 35", embeds[0]["description"])
	assert.Equal(t, 0xd32f2f, embeds[0]["color"])
}

func TestGenericURLGetsAlertDocument(t *testing.T) {
	p := payloadFor("https://example.org/hook", testAlert())
	_, isAlert := p.(alerts.Alert)
	assert.True(t, isAlert)
}

// scriptedSMTP speaks just enough of the protocol for one delivery,
// rejecting every recipient whose address starts with "bad".
func scriptedSMTP(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 scripted ESMTP\r\n")
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				fmt.Fprintf(conn, "250 scripted\r\n")
			case strings.HasPrefix(line, "MAIL FROM"):
				fmt.Fprintf(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "RCPT TO:<bad"):
				fmt.Fprintf(conn, "550 no such user\r\n")
			case strings.HasPrefix(line, "RCPT TO"):
				fmt.Fprintf(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "DATA"):
				fmt.Fprintf(conn, "354 end with .\r\n")
				for {
					dl, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if dl == ".\r\n" {
						break
					}
				}
				fmt.Fprintf(conn, "250 accepted\r\n")
			case strings.HasPrefix(line, "QUIT"):
				fmt.Fprintf(conn, "221 bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}
	}()

	hostStr, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return hostStr, p
}

func TestEmailPartialFailureReportsRecipients(t *testing.T) {
	host, port := scriptedSMTP(t)

	var reported []string
	es := NewEmailSender(EmailConfig{
		Host: host,
		Port: port,
		From: "obs@example.org",
		To:   []string{"good@example.org", "bad@example.org"},
	}, zerolog.Nop())
	es.OnRecipientFailure(func(failed []string) { reported = failed })

	require.NoError(t, es.Send(context.Background(), testAlert()),
		"one bad address does not lose the message for the rest")
	assert.Equal(t, []string{"bad@example.org"}, reported)
}

func TestEmailAllRejectedReportsAndErrors(t *testing.T) {
	host, port := scriptedSMTP(t)

	var reported []string
	es := NewEmailSender(EmailConfig{
		Host: host,
		Port: port,
		From: "obs@example.org",
		To:   []string{"bad1@example.org", "bad2@example.org"},
	}, zerolog.Nop())
	es.OnRecipientFailure(func(failed []string) { reported = failed })

	err := es.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, []string{"bad1@example.org", "bad2@example.org"}, reported)
}

func TestBuildEmailMessage(t *testing.T) {
	msg := string(buildEmailMessage("obs@example.org", []string{"a@example.org", "b@example.org"}, testAlert()))
	assert.True(t, strings.HasPrefix(msg, "From: NIGHTWATCH <obs@example.org>\r\n"))
	assert.Contains(t, msg, "To: a@example.org, b@example.org\r\n")
	assert.Contains(t, msg, "Subject: [CRITICAL] safety: wind 38.0 mph over limit 35\r\n")
	assert.Contains(t, msg, "\r\n\r\nAlert ab12cd34")
}
