package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/otel"
	"github.com/basket/cronpilot/internal/task"
)

// CredResolver resolves a credential id into its secret map.
type CredResolver interface {
	Resolve(id string) (map[string]string, error)
}

// MessageRef locates one delivered message so it can be edited later.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	Provider  string `json:"provider"`
	ChatID    string `json:"chat_id"`
	MessageID int    `json:"message_id"`
}

// Dispatcher fans lifecycle events out to a task's notification channels.
// Send failures are logged and counted, never returned to the caller: a
// broken channel must not fail the task.
type Dispatcher struct {
	channels *Store
	registry *Registry
	creds    CredResolver
	logger   *slog.Logger
	metrics  *otel.Metrics

	// startMsgs remembers the task_start message per (task, channel) so the
	// completion event edits it in place instead of posting a second one.
	mu        sync.Mutex
	startMsgs map[string]map[string]MessageRef
}

func NewDispatcher(channels *Store, registry *Registry, creds CredResolver, metrics *otel.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels:  channels,
		registry:  registry,
		creds:     creds,
		logger:    logger.With("component", "dispatcher"),
		metrics:   metrics,
		startMsgs: make(map[string]map[string]MessageRef),
	}
}

// Notify delivers one event to every subscribed channel concurrently and
// returns the refs of the messages that landed.
func (d *Dispatcher) Notify(ctx context.Context, event Event, t *task.Task, result *execlog.Result) []MessageRef {
	policy := t.Notify
	if policy == nil || len(policy.Channels) == 0 {
		return nil
	}
	if !subscribed(policy.Events, event) {
		return nil
	}

	text := RenderEvent(event, t, result, policy.IncludeOutput)

	var (
		refsMu sync.Mutex
		refs   []MessageRef
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, channelID := range policy.Channels {
		channelID := channelID
		g.Go(func() error {
			ref, ok := d.sendToChannel(gctx, event, t, channelID, text)
			if ok {
				refsMu.Lock()
				refs = append(refs, ref)
				refsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return refs
}

func (d *Dispatcher) sendToChannel(ctx context.Context, event Event, t *task.Task, channelID, text string) (MessageRef, bool) {
	ch, provider, creds, err := d.resolve(channelID)
	if err != nil {
		d.logger.Warn("notification channel unavailable", "channel", channelID, "error", err)
		return MessageRef{}, false
	}

	opts := SendOptions{}
	isCompletion := completionEvents[event] || event == EventTaskComplete
	if isCompletion {
		if ref, ok := d.takeStartRef(t.ID, channelID); ok {
			opts.MessageID = ref.MessageID
		}
	}

	res, err := provider.Send(ctx, ch, creds, provider.FormatMessage(text), opts)
	d.metrics.RecordNotification(ctx, provider.Name(), err == nil)
	if err != nil {
		d.logger.Warn("notification send failed",
			"channel", channelID, "provider", provider.Name(), "event", string(event), "error", err)
		return MessageRef{}, false
	}

	ref := MessageRef{ChannelID: channelID, Provider: provider.Name(), ChatID: res.ChatID, MessageID: res.MessageID}
	if event == EventTaskStart && res.MessageID != 0 {
		d.putStartRef(t.ID, channelID, ref)
	}
	return ref, true
}

// SendApproval posts the interactive plan review message to every channel in
// the task's policy that supports interactivity.
func (d *Dispatcher) SendApproval(ctx context.Context, t *task.Task, approvalID, plan string) []MessageRef {
	policy := t.Notify
	if policy == nil || len(policy.Channels) == 0 {
		return nil
	}

	msg := ApprovalMessage(t.Name, plan, approvalID)

	var (
		refsMu sync.Mutex
		refs   []MessageRef
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, channelID := range policy.Channels {
		channelID := channelID
		g.Go(func() error {
			ch, provider, creds, err := d.resolve(channelID)
			if err != nil {
				d.logger.Warn("approval channel unavailable", "channel", channelID, "error", err)
				return nil
			}
			interactive, ok := provider.(Interactive)
			if !ok {
				d.logger.Warn("channel provider cannot send approval buttons",
					"channel", channelID, "provider", provider.Name())
				return nil
			}
			res, err := interactive.SendInteractive(gctx, ch, creds, msg)
			d.metrics.RecordNotification(gctx, provider.Name(), err == nil)
			if err != nil {
				d.logger.Warn("approval send failed",
					"channel", channelID, "provider", provider.Name(), "error", err)
				return nil
			}
			refsMu.Lock()
			refs = append(refs, MessageRef{
				ChannelID: channelID,
				Provider:  provider.Name(),
				ChatID:    res.ChatID,
				MessageID: res.MessageID,
			})
			refsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return refs
}

// UpdateApprovalMessages strips buttons and replaces the text on every
// message an approval produced.
func (d *Dispatcher) UpdateApprovalMessages(ctx context.Context, refs []MessageRef, text string) {
	d.editApprovalMessages(ctx, refs, text)
}

// RemoveApprovalButtons strips buttons without touching the text, so a
// superseded message cannot be double-actioned.
func (d *Dispatcher) RemoveApprovalButtons(ctx context.Context, refs []MessageRef) {
	d.editApprovalMessages(ctx, refs, "")
}

func (d *Dispatcher) editApprovalMessages(ctx context.Context, refs []MessageRef, text string) {
	for _, ref := range refs {
		ch, provider, creds, err := d.resolve(ref.ChannelID)
		if err != nil {
			d.logger.Warn("approval message channel unavailable", "channel", ref.ChannelID, "error", err)
			continue
		}
		interactive, ok := provider.(Interactive)
		if !ok {
			continue
		}
		if err := interactive.RemoveButtons(ctx, ch, creds, ref.MessageID, text); err != nil {
			d.logger.Warn("approval message update failed",
				"channel", ref.ChannelID, "message_id", ref.MessageID, "error", err)
		}
	}
}

// TestChannel validates a channel's config and runs the provider's
// connection test. CLI surface for `channels test`.
func (d *Dispatcher) TestChannel(ctx context.Context, channelID string) (string, error) {
	ch, err := d.channels.Get(channelID)
	if err != nil {
		return "", err
	}
	if err := d.registry.ValidateChannel(ch); err != nil {
		return "", err
	}
	provider, err := d.registry.Get(ch.Provider)
	if err != nil {
		return "", err
	}
	creds, err := d.resolveCreds(ch)
	if err != nil {
		return "", err
	}
	if err := provider.ValidateCredentials(creds); err != nil {
		return "", err
	}
	return provider.TestConnection(ctx, ch, creds)
}

func (d *Dispatcher) resolve(channelID string) (Channel, Provider, map[string]string, error) {
	ch, err := d.channels.Get(channelID)
	if err != nil {
		return Channel{}, nil, nil, err
	}
	if !ch.Enabled {
		return Channel{}, nil, nil, fmt.Errorf("channel %s is disabled", channelID)
	}
	provider, err := d.registry.Get(ch.Provider)
	if err != nil {
		return Channel{}, nil, nil, err
	}
	creds, err := d.resolveCreds(ch)
	if err != nil {
		return Channel{}, nil, nil, err
	}
	return ch, provider, creds, nil
}

// resolveCreds goes to the credential store on every call. Secrets are
// never cached past one dispatch.
func (d *Dispatcher) resolveCreds(ch Channel) (map[string]string, error) {
	if ch.CredentialID == "" {
		return map[string]string{}, nil
	}
	return d.creds.Resolve(ch.CredentialID)
}

func (d *Dispatcher) putStartRef(taskID, channelID string, ref MessageRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startMsgs[taskID] == nil {
		d.startMsgs[taskID] = make(map[string]MessageRef)
	}
	d.startMsgs[taskID][channelID] = ref
}

func (d *Dispatcher) takeStartRef(taskID, channelID string) (MessageRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs, ok := d.startMsgs[taskID]
	if !ok {
		return MessageRef{}, false
	}
	ref, ok := refs[channelID]
	if ok {
		delete(refs, channelID)
		if len(refs) == 0 {
			delete(d.startMsgs, taskID)
		}
	}
	return ref, ok
}
