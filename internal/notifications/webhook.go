package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
)

// Webhook posts alerts as JSON. The payload shape follows the destination:
// Slack and Discord URLs get their native formats, everything else gets the
// alert document as-is.
type Webhook struct {
	name   string
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(name, url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("channel", name).Logger(),
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Send(ctx context.Context, a alerts.Alert) error {
	body, err := json.Marshal(payloadFor(w.url, a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.name, resp.StatusCode)
	}
	return nil
}

func payloadFor(url string, a alerts.Alert) any {
	switch {
	case strings.Contains(url, "hooks.slack.com"):
		return slackPayload(a)
	case strings.Contains(url, "discord.com/api/webhooks"), strings.Contains(url, "discordapp.com/api/webhooks"):
		return discordPayload(a)
	default:
		return a
	}
}

func levelColor(l alerts.Level) string {
	switch l {
	case alerts.LevelEmergency, alerts.LevelCritical:
		return "#d32f2f"
	case alerts.LevelWarning:
		return "#f9a825"
	default:
		return "#1976d2"
	}
}

func slackPayload(a alerts.Alert) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Message),
		"attachments": []map[string]any{{
			"color": levelColor(a.Level),
			"fields": []map[string]any{
				{"title": "Source", "value": a.Source, "short": true},
				{"title": "Level", "value": string(a.Level), "short": true},
				{"title": "Time", "value": a.Timestamp.Format(time.RFC3339), "short": true},
				{"title": "ID", "value": a.ID, "short": true},
			},
		}},
	}
}

// discordColor matches the Slack palette in Discord's integer form.
func discordColor(l alerts.Level) int {
	switch l {
	case alerts.LevelEmergency, alerts.LevelCritical:
		return 0xd32f2f
	case alerts.LevelWarning:
		return 0xf9a825
	default:
		return 0x1976d2
	}
}

func discordPayload(a alerts.Alert) map[string]any {
	return map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Source),
			"description": a.Message,
			"color":       discordColor(a.Level),
			"timestamp":   a.Timestamp.Format(time.RFC3339),
			"footer":      map[string]any{"text": "alert " + a.ID},
		}},
	}
}
