package notify

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramMaxMessage is the Bot API text limit.
const telegramMaxMessage = 4096

var botTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// TelegramProvider sends through the Telegram Bot API. Bot clients are
// cached per token; NewBotAPI performs a getMe round trip.
type TelegramProvider struct {
	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func NewTelegramProvider() *TelegramProvider {
	return &TelegramProvider{bots: make(map[string]*tgbotapi.BotAPI)}
}

func (p *TelegramProvider) Name() string        { return "telegram" }
func (p *TelegramProvider) DisplayName() string { return "Telegram" }

func (p *TelegramProvider) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"chat_id": {"type": ["string", "integer"], "description": "Chat/group/channel id"},
			"parse_mode": {"type": "string", "enum": ["HTML", "MarkdownV2"]},
			"disable_notification": {"type": "boolean"}
		},
		"required": ["chat_id"]
	}`
}

func (p *TelegramProvider) ValidateConfig(config map[string]any) error {
	if _, err := chatID(config); err != nil {
		return err
	}
	return nil
}

func (p *TelegramProvider) ValidateCredentials(creds map[string]string) error {
	token := creds["bot_token"]
	if token == "" {
		return fmt.Errorf("bot_token is required")
	}
	if !botTokenRe.MatchString(token) {
		return fmt.Errorf("bot_token format is invalid (expected 123456:ABC-DEF...)")
	}
	return nil
}

// FormatMessage truncates to the Bot API limit. Templates already carry
// valid HTML, so no escaping here.
func (p *TelegramProvider) FormatMessage(text string) string {
	return truncate(text, telegramMaxMessage)
}

func (p *TelegramProvider) Send(ctx context.Context, ch Channel, creds map[string]string, text string, opts SendOptions) (SendResult, error) {
	bot, err := p.bot(creds)
	if err != nil {
		return SendResult{}, err
	}
	chat, err := chatID(ch.Config)
	if err != nil {
		return SendResult{}, &ProviderError{Provider: p.Name(), Detail: err.Error()}
	}

	if opts.MessageID != 0 {
		edit := tgbotapi.NewEditMessageText(chat, opts.MessageID, text)
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err := bot.Send(edit); err != nil {
			return SendResult{}, &ProviderError{Provider: p.Name(), Detail: "edit message failed", Cause: err}
		}
		return SendResult{MessageID: opts.MessageID, ChatID: strconv.FormatInt(chat, 10)}, nil
	}

	msg := tgbotapi.NewMessage(chat, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if silent, ok := ch.Config["disable_notification"].(bool); ok {
		msg.DisableNotification = silent
	}
	sent, err := bot.Send(msg)
	if err != nil {
		return SendResult{}, &ProviderError{Provider: p.Name(), Detail: "send message failed", Cause: err}
	}
	return SendResult{MessageID: sent.MessageID, ChatID: strconv.FormatInt(chat, 10)}, nil
}

// SendInteractive attaches an inline keyboard built from the button rows.
func (p *TelegramProvider) SendInteractive(ctx context.Context, ch Channel, creds map[string]string, im InteractiveMessage) (SendResult, error) {
	bot, err := p.bot(creds)
	if err != nil {
		return SendResult{}, err
	}
	chat, err := chatID(ch.Config)
	if err != nil {
		return SendResult{}, &ProviderError{Provider: p.Name(), Detail: err.Error()}
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(im.ButtonRows))
	for _, row := range im.ButtonRows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btns...))
	}

	msg := tgbotapi.NewMessage(chat, p.FormatMessage(im.Text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	sent, err := bot.Send(msg)
	if err != nil {
		return SendResult{}, &ProviderError{Provider: p.Name(), Detail: "send interactive message failed", Cause: err}
	}
	return SendResult{MessageID: sent.MessageID, ChatID: strconv.FormatInt(chat, 10)}, nil
}

// RemoveButtons strips the inline keyboard. Editing the text without a
// reply markup drops the keyboard in the same call.
func (p *TelegramProvider) RemoveButtons(ctx context.Context, ch Channel, creds map[string]string, messageID int, newText string) error {
	bot, err := p.bot(creds)
	if err != nil {
		return err
	}
	chat, err := chatID(ch.Config)
	if err != nil {
		return &ProviderError{Provider: p.Name(), Detail: err.Error()}
	}

	if newText != "" {
		edit := tgbotapi.NewEditMessageText(chat, messageID, p.FormatMessage(newText))
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err := bot.Send(edit); err != nil {
			return &ProviderError{Provider: p.Name(), Detail: "edit message failed", Cause: err}
		}
		return nil
	}

	markup := tgbotapi.NewEditMessageReplyMarkup(chat, messageID, tgbotapi.NewInlineKeyboardMarkup())
	if _, err := bot.Send(markup); err != nil {
		return &ProviderError{Provider: p.Name(), Detail: "remove buttons failed", Cause: err}
	}
	return nil
}

func (p *TelegramProvider) TestConnection(ctx context.Context, ch Channel, creds map[string]string) (string, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return "", err
	}
	if err := p.ValidateConfig(ch.Config); err != nil {
		return "", err
	}
	bot, err := p.bot(creds)
	if err != nil {
		return "", err
	}
	chat, _ := chatID(ch.Config)
	info, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chat}})
	if err != nil {
		return "", &ProviderError{
			Provider: p.Name(),
			Detail:   fmt.Sprintf("bot token valid (@%s) but cannot access chat", bot.Self.UserName),
			Cause:    err,
		}
	}
	title := info.Title
	if title == "" {
		title = info.UserName
	}
	if title == "" {
		title = "private chat"
	}
	return fmt.Sprintf("connected, bot @%s, chat %s", bot.Self.UserName, title), nil
}

func (p *TelegramProvider) bot(creds map[string]string) (*tgbotapi.BotAPI, error) {
	token := creds["bot_token"]
	if token == "" {
		return nil, &ProviderError{Provider: p.Name(), Detail: "bot_token credential missing"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if bot, ok := p.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Detail: "bot init failed", Cause: err}
	}
	p.bots[token] = bot
	return bot, nil
}

// chatID accepts the YAML-typed forms a chat id shows up as.
func chatID(config map[string]any) (int64, error) {
	switch v := config["chat_id"].(type) {
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chat_id must be an integer")
		}
		return id, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("chat_id is required")
	default:
		return 0, fmt.Errorf("chat_id must be an integer")
	}
}

// truncate cuts text to limit bytes with a notice, never splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const notice = "\n...(truncated)"
	cut := limit - len(notice)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + notice
}
