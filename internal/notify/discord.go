package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// discordMaxMessage is the webhook content limit.
const discordMaxMessage = 2000

// DiscordProvider posts through an incoming webhook. Webhooks cannot edit
// or attach callback buttons, so the provider is send-only.
type DiscordProvider struct {
	client *http.Client
}

func NewDiscordProvider() *DiscordProvider {
	return &DiscordProvider{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *DiscordProvider) Name() string        { return "discord" }
func (p *DiscordProvider) DisplayName() string { return "Discord" }

func (p *DiscordProvider) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"username": {"type": "string", "description": "Override the webhook's display name"}
		}
	}`
}

func (p *DiscordProvider) ValidateConfig(config map[string]any) error { return nil }

func (p *DiscordProvider) ValidateCredentials(creds map[string]string) error {
	url := creds["webhook_url"]
	if url == "" {
		return fmt.Errorf("webhook_url is required")
	}
	if !strings.HasPrefix(url, "https://discord.com/api/webhooks/") &&
		!strings.HasPrefix(url, "https://discordapp.com/api/webhooks/") {
		return fmt.Errorf("webhook_url must be a Discord incoming webhook URL")
	}
	return nil
}

// FormatMessage strips HTML (templates are written for Telegram's HTML
// mode) and truncates to the content limit.
func (p *DiscordProvider) FormatMessage(text string) string {
	return truncate(htmlToPlainText(text), discordMaxMessage)
}

func (p *DiscordProvider) Send(ctx context.Context, ch Channel, creds map[string]string, text string, opts SendOptions) (SendResult, error) {
	url := creds["webhook_url"]
	if url == "" {
		return SendResult{}, &ProviderError{Provider: p.Name(), Detail: "webhook_url credential missing"}
	}
	payload := map[string]any{"content": text}
	if username, ok := ch.Config["username"].(string); ok && username != "" {
		payload["username"] = username
	}
	if err := p.post(ctx, url, payload); err != nil {
		return SendResult{}, err
	}
	return SendResult{}, nil
}

func (p *DiscordProvider) TestConnection(ctx context.Context, ch Channel, creds map[string]string) (string, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return "", err
	}
	if _, err := p.Send(ctx, ch, creds, "Connection test successful.", SendOptions{}); err != nil {
		return "", err
	}
	return "connected, test message sent", nil
}

func (p *DiscordProvider) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Provider: p.Name(), Detail: "encode payload", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: p.Name(), Detail: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: p.Name(), Detail: "webhook post failed", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{
			Provider: p.Name(),
			Detail:   fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}
	}
	return nil
}
