package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/cronpilot/internal/otel"
)

const (
	pollTimeout    = 30 // seconds, long-poll window
	pollMaxBackoff = 60 * time.Second
)

// Handler receives decoded approval decisions from button clicks. The
// returned string is shown to the user as the callback acknowledgement.
type Handler interface {
	HandleCallback(ctx context.Context, approvalID, action, feedback string) (string, error)
}

// Poller long-polls Telegram for button clicks and routes them to the
// approval handler. One goroutine runs per distinct bot token so each
// update stream has a single consumer.
type Poller struct {
	channels *Store
	creds    CredResolver
	handler  Handler
	logger   *slog.Logger
	metrics  *otel.Metrics

	// discussMu tracks chats where a discuss click is waiting for the
	// user's next message as feedback. Last click per chat wins.
	discussMu      sync.Mutex
	pendingDiscuss map[int64]string
}

func NewPoller(channels *Store, creds CredResolver, handler Handler, metrics *otel.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		channels:       channels,
		creds:          creds,
		handler:        handler,
		logger:         logger.With("component", "poller"),
		metrics:        metrics,
		pendingDiscuss: make(map[int64]string),
	}
}

// Run starts one polling loop per interactive channel token and blocks
// until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	tokens := p.botTokens()
	if len(tokens) == 0 {
		p.logger.Info("no interactive channels configured, poller idle")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			p.pollToken(ctx, token)
		}(token)
	}
	wg.Wait()
}

// botTokens resolves the distinct telegram bot tokens across enabled
// channels.
func (p *Poller) botTokens() []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, ch := range p.channels.FindAll() {
		if !ch.Enabled || ch.Provider != "telegram" || ch.CredentialID == "" {
			continue
		}
		creds, err := p.creds.Resolve(ch.CredentialID)
		if err != nil {
			p.logger.Warn("cannot resolve poller credentials", "channel", ch.ID, "error", err)
			continue
		}
		token := creds["bot_token"]
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens
}

func (p *Poller) pollToken(ctx context.Context, token string) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		p.logger.Error("poller bot init failed", "error", err)
		return
	}
	p.logger.Info("callback poller started", "bot", bot.Self.UserName)

	offset := 0
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = pollTimeout
		updates, err := bot.GetUpdates(u)
		if err != nil {
			p.metrics.RecordPollerError(ctx, "telegram")
			p.logger.Warn("poller fetch failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pollMaxBackoff {
				backoff = pollMaxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			// Advance past this update even when handling fails; a bad
			// update must not wedge the stream.
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			p.handleUpdate(ctx, bot, update)
		}
	}
}

func (p *Poller) handleUpdate(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		p.handleCallbackQuery(ctx, bot, update.CallbackQuery)
		return
	}
	if update.Message != nil {
		p.handleMessage(ctx, bot, update.Message)
	}
}

func (p *Poller) handleCallbackQuery(ctx context.Context, bot *tgbotapi.BotAPI, query *tgbotapi.CallbackQuery) {
	action, approvalID, err := ParseCallbackData(query.Data)
	if err != nil {
		p.logger.Debug("ignoring non-plan callback", "data", query.Data)
		return
	}

	var ack string
	if action == ActionDiscuss {
		// Feedback arrives as the user's next message in this chat.
		if query.Message != nil {
			p.discussMu.Lock()
			p.pendingDiscuss[query.Message.Chat.ID] = approvalID
			p.discussMu.Unlock()
		}
		ack = "Reply with your feedback to refine the plan."
	} else {
		ack, err = p.handler.HandleCallback(ctx, approvalID, action, "")
		if err != nil {
			p.logger.Warn("callback handling failed",
				"approval_id", approvalID, "action", action, "error", err)
			ack = "Could not process the action: " + err.Error()
		}
	}

	if _, err := bot.Request(tgbotapi.NewCallback(query.ID, ack)); err != nil {
		p.logger.Warn("callback acknowledgement failed", "error", err)
	}
}

// handleMessage routes plain messages as discuss feedback when a discuss
// click is pending for the chat.
func (p *Poller) handleMessage(ctx context.Context, bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.IsCommand() {
		return
	}

	p.discussMu.Lock()
	approvalID, ok := p.pendingDiscuss[msg.Chat.ID]
	if ok {
		delete(p.pendingDiscuss, msg.Chat.ID)
	}
	p.discussMu.Unlock()
	if !ok {
		return
	}

	ack, err := p.handler.HandleCallback(ctx, approvalID, ActionDiscuss, text)
	if err != nil {
		p.logger.Warn("discuss feedback handling failed", "approval_id", approvalID, "error", err)
		ack = "Could not process the feedback: " + err.Error()
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, ack)
	if _, err := bot.Send(reply); err != nil {
		p.logger.Warn("discuss reply failed", "error", err)
	}
}
