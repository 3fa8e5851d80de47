package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// teamsMaxMessage is the Adaptive Card payload limit, roughly 28 KB.
const teamsMaxMessage = 28000

// defaultDashboardURL is where approval buttons link when the channel does
// not configure one.
const defaultDashboardURL = "http://localhost:18910"

// Accepted webhook URL shapes: Power Automate workflows, Power Platform
// workflows, and legacy O365 connectors.
var teamsWebhookRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^https://[\w.-]+\.logic\.azure\.com[:/].*workflows.*$`),
	regexp.MustCompile(`(?i)^https://[\w.-]+\.api\.powerplatform\.com[:/].*workflows.*$`),
	regexp.MustCompile(`(?i)^https://[\w-]+\.webhook\.office\.com/webhookb2/.*$`),
}

// TeamsProvider posts Adaptive Cards to a Teams incoming webhook. Webhooks
// cannot receive callbacks, so interactive buttons degrade to Action.OpenUrl
// links into the dashboard.
type TeamsProvider struct {
	client *http.Client
}

func NewTeamsProvider() *TeamsProvider {
	return &TeamsProvider{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *TeamsProvider) Name() string        { return "teams" }
func (p *TeamsProvider) DisplayName() string { return "Microsoft Teams" }

func (p *TeamsProvider) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "description": "Card title"},
			"dashboard_url": {"type": "string", "description": "Base URL approval buttons link to"}
		}
	}`
}

func (p *TeamsProvider) ValidateConfig(config map[string]any) error { return nil }

func (p *TeamsProvider) ValidateCredentials(creds map[string]string) error {
	url := creds["webhook_url"]
	if url == "" {
		return fmt.Errorf("webhook_url is required")
	}
	for _, re := range teamsWebhookRes {
		if re.MatchString(url) {
			return nil
		}
	}
	return fmt.Errorf("webhook_url is not a recognized Teams webhook URL")
}

// FormatMessage strips HTML; Adaptive Card text blocks render plain text.
func (p *TeamsProvider) FormatMessage(text string) string {
	return truncate(htmlToPlainText(text), teamsMaxMessage)
}

func (p *TeamsProvider) Send(ctx context.Context, ch Channel, creds map[string]string, text string, opts SendOptions) (SendResult, error) {
	payload := adaptiveCard(p.cardTitle(ch), text, nil)
	if err := p.post(ctx, creds, payload); err != nil {
		return SendResult{}, err
	}
	// Webhooks do not return message ids.
	return SendResult{}, nil
}

// SendInteractive converts buttons to dashboard links on the card.
func (p *TeamsProvider) SendInteractive(ctx context.Context, ch Channel, creds map[string]string, im InteractiveMessage) (SendResult, error) {
	dashboard := defaultDashboardURL
	if v, ok := ch.Config["dashboard_url"].(string); ok && v != "" {
		dashboard = strings.TrimRight(v, "/")
	}

	var actions []map[string]any
	for _, row := range im.ButtonRows {
		for _, b := range row {
			style := "default"
			switch b.Style {
			case StyleSuccess:
				style = "positive"
			case StyleDanger:
				style = "destructive"
			}
			actions = append(actions, map[string]any{
				"type":  "Action.OpenUrl",
				"title": b.Text,
				"url":   callbackToDashboardURL(b.CallbackData, dashboard),
				"style": style,
			})
		}
	}

	payload := adaptiveCard(p.cardTitle(ch), p.FormatMessage(im.Text), actions)
	if err := p.post(ctx, creds, payload); err != nil {
		return SendResult{}, err
	}
	return SendResult{}, nil
}

// RemoveButtons cannot edit a webhook post. A replacement text is sent as a
// new card; without one there is nothing to do.
func (p *TeamsProvider) RemoveButtons(ctx context.Context, ch Channel, creds map[string]string, messageID int, newText string) error {
	if newText == "" {
		return nil
	}
	_, err := p.Send(ctx, ch, creds, p.FormatMessage(newText), SendOptions{})
	return err
}

func (p *TeamsProvider) TestConnection(ctx context.Context, ch Channel, creds map[string]string) (string, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return "", err
	}
	if _, err := p.Send(ctx, ch, creds, "Connection test successful.", SendOptions{}); err != nil {
		return "", err
	}
	return "connected, test card sent", nil
}

func (p *TeamsProvider) cardTitle(ch Channel) string {
	if v, ok := ch.Config["title"].(string); ok && v != "" {
		return v
	}
	return "cronpilot"
}

func (p *TeamsProvider) post(ctx context.Context, creds map[string]string, payload any) error {
	url := creds["webhook_url"]
	if url == "" {
		return &ProviderError{Provider: p.Name(), Detail: "webhook_url credential missing"}
	}
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

// adaptiveCard builds the webhook payload shape Teams expects. Works for
// both Power Automate workflow webhooks and legacy connectors.
func adaptiveCard(title, text string, actions []map[string]any) map[string]any {
	body := []map[string]any{}
	if title != "" {
		body = append(body, map[string]any{
			"type":   "TextBlock",
			"text":   title,
			"weight": "Bolder",
			"size":   "Medium",
			"wrap":   true,
		})
	}
	body = append(body, map[string]any{
		"type": "TextBlock",
		"text": text,
		"wrap": true,
	})

	content := map[string]any{
		"type":    "AdaptiveCard",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"version": "1.4",
		"body":    body,
	}
	if len(actions) > 0 {
		content["actions"] = actions
	}

	return map[string]any{
		"type": "message",
		"attachments": []map[string]any{{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"contentUrl":  nil,
			"content":     content,
		}},
	}
}

// callbackToDashboardURL maps "plan:<action>:<id>" button data to the
// dashboard's approval page.
func callbackToDashboardURL(callbackData, dashboard string) string {
	action, approvalID, err := ParseCallbackData(callbackData)
	if err != nil {
		return dashboard + "/approvals"
	}
	return fmt.Sprintf("%s/approvals/%s?action=%s", dashboard, approvalID, action)
}

var (
	brRe     = regexp.MustCompile(`(?i)<br\s*/?>`)
	preRe    = regexp.MustCompile(`(?s)<pre>(.*?)</pre>`)
	inlineRe = regexp.MustCompile(`(?s)<(?:code|b|strong|i|em)>(.*?)</(?:code|b|strong|i|em)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	gapRe    = regexp.MustCompile(`\n{3,}`)
)

// htmlToPlainText strips the template HTML down to plain text, keeping the
// content of formatting tags.
func htmlToPlainText(html string) string {
	text := brRe.ReplaceAllString(html, "\n")
	text = preRe.ReplaceAllString(text, "\n$1\n")
	text = inlineRe.ReplaceAllString(text, "$1")
	text = tagRe.ReplaceAllString(text, "")
	text = gapRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
