package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// Embed colours per announcement event.
const (
	colorSettled   = 0x2ECC71
	colorClosed    = 0xF1C40F
	colorCreated   = 0x3498DB
	colorLifecycle = 0x95A5A6
)

// Discord caps an embed description at 4096 characters.
const discordMaxDescription = 4096

// DiscordSender posts announcements to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "campusclash",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func embedFor(a Announcement) discordEmbed {
	e := discordEmbed{
		Title:       a.Title,
		Description: a.Message,
		Color:       colorLifecycle,
	}
	switch domain.EventType(a.Event) {
	case domain.EventMarketSettled:
		e.Color = colorSettled
	case domain.EventMarketsClosed:
		e.Color = colorClosed
	case domain.EventMarketCreated:
		e.Color = colorCreated
	}
	if r := []rune(e.Description); len(r) > discordMaxDescription {
		e.Description = string(r[:discordMaxDescription-1]) + "…"
	}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	if !a.At.IsZero() {
		e.Timestamp = a.At.UTC().Format(time.RFC3339)
	}
	return e
}

// Send posts the announcement as an embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(discordPayload{
		Username: d.username,
		Embeds:   []discordEmbed{embedFor(a)},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal embed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
