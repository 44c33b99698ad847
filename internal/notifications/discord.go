package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifyCallStarted sends a notification when an outbound call is placed.
func (d *Discord) NotifyCallStarted(ctx context.Context, callSid, from, to, direction string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Call started",
			Description: fmt.Sprintf("New %s call `%s`", direction, callSid),
			Color:       0x00FF00, // Green
			Fields: []embedField{
				{Name: "From", Value: from, Inline: true},
				{Name: "To", Value: to, Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyCallEnded sends a notification when a call reaches a terminal status.
func (d *Discord) NotifyCallEnded(ctx context.Context, callSid, status string, duration time.Duration, costCents int) {
	color := 0xFF0000 // Red
	if status == "completed" {
		color = 0x808080 // Gray
	}

	fields := []embedField{
		{Name: "Status", Value: status, Inline: true},
	}
	if duration > 0 {
		fields = append(fields, embedField{Name: "Duration", Value: duration.String(), Inline: true})
	}
	if costCents > 0 {
		fields = append(fields, embedField{
			Name:   "Est. cost",
			Value:  fmt.Sprintf("%d.%02d USD", costCents/100, costCents%100),
			Inline: true,
		})
	}

	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Call ended",
			Description: fmt.Sprintf("Call `%s`", callSid),
			Color:       color,
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
