package notify_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/task"
)

func TestCompleteSubscriptionCoversRefinements(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)
	tk := notifiedTask("task_complete")

	d.Notify(context.Background(), notify.EventTaskSuccess, tk, &execlog.Result{Status: execlog.StatusSuccess})
	d.Notify(context.Background(), notify.EventTaskFailure, tk, &execlog.Result{Status: execlog.StatusFailure})
	d.Notify(context.Background(), notify.EventTaskStart, tk, nil)

	if len(fake.sends) != 2 {
		t.Fatalf("task_complete should cover success and failure only, got %d sends", len(fake.sends))
	}
}

func TestCallbackDataRoundTrip(t *testing.T) {
	data := notify.CallbackData(notify.ActionApprove, "a1b2")
	if data != "plan:approve:a1b2" {
		t.Fatalf("unexpected callback data: %s", data)
	}
	action, id, err := notify.ParseCallbackData(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if action != "approve" || id != "a1b2" {
		t.Fatalf("got action=%s id=%s", action, id)
	}

	for _, bad := range []string{"", "plan:", "plan:approve", "plan::x", "hitl:req:approve", "plan:approve:"} {
		if _, _, err := notify.ParseCallbackData(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestStoreLoadsChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	content := `channels:
  - id: tg-main
    provider: telegram
    name: Main chat
    enabled: true
    config:
      chat_id: "-1001234"
    credential_id: tg-bot
  - id: hooks
    provider: discord
    name: Hooks
    enabled: false
    config: {}
    credential_id: dc-hook
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := notify.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := len(store.FindAll()); got != 2 {
		t.Fatalf("expected 2 channels, got %d", got)
	}
	ch, err := store.Get("tg-main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ch.Provider != "telegram" || !ch.Enabled {
		t.Fatalf("unexpected channel: %+v", ch)
	}
	if _, err := store.Get("nope"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store, err := notify.NewStore(filepath.Join(t.TempDir(), "channels.yaml"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := len(store.FindAll()); got != 0 {
		t.Fatalf("expected empty store, got %d channels", got)
	}
}

func TestRegistryBuiltins(t *testing.T) {
	r := notify.NewRegistry()
	names := r.Names()
	want := []string{"discord", "teams", "telegram"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	if _, err := r.Interactive("telegram"); err != nil {
		t.Fatalf("telegram should be interactive: %v", err)
	}
	if _, err := r.Interactive("discord"); err == nil {
		t.Fatal("discord should not be interactive")
	}
	if _, err := r.Get("slack"); err == nil {
		t.Fatal("expected lookup miss")
	}
}

func TestRegistryValidateChannelSchema(t *testing.T) {
	r := notify.NewRegistry()

	ok := notify.Channel{ID: "c1", Provider: "telegram", Config: map[string]any{"chat_id": "-100123"}}
	if err := r.ValidateChannel(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := notify.Channel{ID: "c2", Provider: "telegram", Config: map[string]any{}}
	if err := r.ValidateChannel(missing); err == nil {
		t.Fatal("expected missing chat_id to fail schema validation")
	}

	badMode := notify.Channel{ID: "c3", Provider: "telegram", Config: map[string]any{
		"chat_id":    "1",
		"parse_mode": "plain",
	}}
	if err := r.ValidateChannel(badMode); err == nil {
		t.Fatal("expected bad parse_mode to fail schema validation")
	}
}

func TestProviderCredentialValidation(t *testing.T) {
	tg := notify.NewTelegramProvider()
	if err := tg.ValidateCredentials(map[string]string{"bot_token": "123456:ABC-def_ghi"}); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := tg.ValidateCredentials(map[string]string{"bot_token": "not-a-token"}); err == nil {
		t.Fatal("expected bad token to be rejected")
	}
	if err := tg.ValidateCredentials(map[string]string{}); err == nil {
		t.Fatal("expected missing token to be rejected")
	}

	dc := notify.NewDiscordProvider()
	if err := dc.ValidateCredentials(map[string]string{"webhook_url": "https://discord.com/api/webhooks/1/x"}); err != nil {
		t.Fatalf("valid webhook rejected: %v", err)
	}
	if err := dc.ValidateCredentials(map[string]string{"webhook_url": "https://example.com/hook"}); err == nil {
		t.Fatal("expected non-discord webhook to be rejected")
	}

	ts := notify.NewTeamsProvider()
	valid := []string{
		"https://prod-11.westus.logic.azure.com:443/workflows/abc/triggers/manual/paths/invoke",
		"https://default123.01.environment.api.powerplatform.com:443/powerautomate/workflows/x",
		"https://contoso.webhook.office.com/webhookb2/abc",
	}
	for _, url := range valid {
		if err := ts.ValidateCredentials(map[string]string{"webhook_url": url}); err != nil {
			t.Errorf("valid teams webhook rejected: %s: %v", url, err)
		}
	}
	if err := ts.ValidateCredentials(map[string]string{"webhook_url": "https://example.com/x"}); err == nil {
		t.Fatal("expected non-teams webhook to be rejected")
	}
}

func TestFormatMessageTruncation(t *testing.T) {
	tg := notify.NewTelegramProvider()
	long := strings.Repeat("x", 5000)
	got := tg.FormatMessage(long)
	if len(got) > 4096 {
		t.Fatalf("telegram message not truncated: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Fatal("expected truncation notice")
	}

	// Multibyte text near the limit must be cut on a rune boundary.
	wide := strings.Repeat("é", 5000)
	got = tg.FormatMessage(wide)
	if len(got) > 4096 {
		t.Fatalf("telegram message not truncated: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a rune")
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Fatal("expected truncation notice")
	}

	dc := notify.NewDiscordProvider()
	if got := dc.FormatMessage(strings.Repeat("y", 3000)); len(got) > 2000 {
		t.Fatalf("discord message not truncated: %d bytes", len(got))
	}
}

func TestDiscordFormatStripsHTML(t *testing.T) {
	dc := notify.NewDiscordProvider()
	got := dc.FormatMessage("✅ <b>Task succeeded</b><br>Status: <code>success</code>")
	if strings.Contains(got, "<") {
		t.Fatalf("HTML leaked through: %q", got)
	}
	if !strings.Contains(got, "Task succeeded") || !strings.Contains(got, "Status: success") {
		t.Fatalf("content lost: %q", got)
	}
}

func TestRenderEvent(t *testing.T) {
	tk := &task.Task{ID: "t1", Name: "nightly <job>", Schedule: "0 2 * * *"}
	started := time.Now().Add(-3 * time.Second).UTC()
	res := &execlog.Result{
		TaskID:     "t1",
		Status:     execlog.StatusSuccess,
		Output:     "all done",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}

	msg := notify.RenderEvent(notify.EventTaskSuccess, tk, res, true)
	if !strings.Contains(msg, "nightly &lt;job&gt;") {
		t.Fatalf("task name not escaped: %q", msg)
	}
	if !strings.Contains(msg, "success") || !strings.Contains(msg, "all done") {
		t.Fatalf("missing status or output: %q", msg)
	}

	noOutput := notify.RenderEvent(notify.EventTaskSuccess, tk, res, false)
	if strings.Contains(noOutput, "all done") {
		t.Fatal("output included despite include_output=false")
	}

	fail := notify.RenderEvent(notify.EventTaskFailure, tk, &execlog.Result{
		Status: execlog.StatusFailure,
		Error:  "exit status 3",
	}, false)
	if !strings.Contains(fail, "exit status 3") {
		t.Fatalf("failure message missing error: %q", fail)
	}
}

func TestApprovalMessageButtons(t *testing.T) {
	msg := notify.ApprovalMessage("deploy", "1. build\n2. ship", "ap-7")
	if len(msg.ButtonRows) != 1 || len(msg.ButtonRows[0]) != 3 {
		t.Fatalf("expected one row of three buttons, got %+v", msg.ButtonRows)
	}
	want := []string{"plan:approve:ap-7", "plan:reject:ap-7", "plan:discuss:ap-7"}
	for i, b := range msg.ButtonRows[0] {
		if b.CallbackData != want[i] {
			t.Errorf("button %d callback = %s, want %s", i, b.CallbackData, want[i])
		}
	}
	if !strings.Contains(msg.Text, "deploy") || !strings.Contains(msg.Text, "1. build") {
		t.Fatalf("approval text incomplete: %q", msg.Text)
	}
}

// fakeProvider records calls and supports interactivity.
type fakeProvider struct {
	mu       sync.Mutex
	nextID   int
	failSend bool

	sends        []fakeSend
	interactives []notify.InteractiveMessage
	removals     []fakeRemoval
}

type fakeSend struct {
	channelID string
	text      string
	editID    int
}

type fakeRemoval struct {
	messageID int
	newText   string
}

func (f *fakeProvider) Name() string                                  { return "fake" }
func (f *fakeProvider) DisplayName() string                           { return "Fake" }
func (f *fakeProvider) ConfigSchema() string                          { return `{"type": "object"}` }
func (f *fakeProvider) ValidateConfig(map[string]any) error           { return nil }
func (f *fakeProvider) ValidateCredentials(map[string]string) error   { return nil }
func (f *fakeProvider) FormatMessage(text string) string              { return text }

func (f *fakeProvider) Send(ctx context.Context, ch notify.Channel, creds map[string]string, text string, opts notify.SendOptions) (notify.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return notify.SendResult{}, fmt.Errorf("wire down")
	}
	f.sends = append(f.sends, fakeSend{channelID: ch.ID, text: text, editID: opts.MessageID})
	if opts.MessageID != 0 {
		return notify.SendResult{MessageID: opts.MessageID, ChatID: "99"}, nil
	}
	f.nextID++
	return notify.SendResult{MessageID: f.nextID, ChatID: "99"}, nil
}

func (f *fakeProvider) SendInteractive(ctx context.Context, ch notify.Channel, creds map[string]string, msg notify.InteractiveMessage) (notify.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactives = append(f.interactives, msg)
	f.nextID++
	return notify.SendResult{MessageID: f.nextID, ChatID: "99"}, nil
}

func (f *fakeProvider) RemoveButtons(ctx context.Context, ch notify.Channel, creds map[string]string, messageID int, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, fakeRemoval{messageID: messageID, newText: newText})
	return nil
}

func (f *fakeProvider) TestConnection(ctx context.Context, ch notify.Channel, creds map[string]string) (string, error) {
	return "fake ok", nil
}

type fakeCreds struct{}

func (fakeCreds) Resolve(id string) (map[string]string, error) {
	return map[string]string{"token": "secret"}, nil
}

func newTestDispatcher(t *testing.T, fake *fakeProvider) *notify.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	content := `channels:
  - id: chat
    provider: fake
    name: Chat
    enabled: true
    config: {}
    credential_id: cred
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := notify.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	registry := notify.NewRegistry()
	if fake != nil {
		registry.Register(fake)
	}
	return notify.NewDispatcher(store, registry, fakeCreds{}, nil, nil)
}

func notifiedTask(events ...string) *task.Task {
	return &task.Task{
		ID:       "t1",
		Name:     "demo",
		Schedule: "* * * * *",
		Notify:   &task.NotificationPolicy{Channels: []string{"chat"}, Events: events},
	}
}

func TestDispatcherSendsToSubscribedChannel(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)

	refs := d.Notify(context.Background(), notify.EventTaskSuccess, notifiedTask("task_success"), &execlog.Result{Status: execlog.StatusSuccess})
	if len(refs) != 1 {
		t.Fatalf("expected one ref, got %d", len(refs))
	}
	if refs[0].Provider != "fake" || refs[0].MessageID == 0 {
		t.Fatalf("unexpected ref: %+v", refs[0])
	}
	if len(fake.sends) != 1 {
		t.Fatalf("expected one send, got %d", len(fake.sends))
	}
}

func TestDispatcherPolicyFilter(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)

	refs := d.Notify(context.Background(), notify.EventTaskStart, notifiedTask("task_failure"), nil)
	if len(refs) != 0 || len(fake.sends) != 0 {
		t.Fatalf("unsubscribed event delivered: refs=%d sends=%d", len(refs), len(fake.sends))
	}

	bare := &task.Task{ID: "t2", Name: "bare", Schedule: "* * * * *"}
	if refs := d.Notify(context.Background(), notify.EventTaskStart, bare, nil); len(refs) != 0 {
		t.Fatal("task without policy should not notify")
	}
}

func TestDispatcherEditsStartMessageOnCompletion(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)
	tk := notifiedTask("task_start", "task_complete")

	startRefs := d.Notify(context.Background(), notify.EventTaskStart, tk, nil)
	if len(startRefs) != 1 {
		t.Fatalf("start refs = %d", len(startRefs))
	}
	d.Notify(context.Background(), notify.EventTaskSuccess, tk, &execlog.Result{Status: execlog.StatusSuccess})

	if len(fake.sends) != 2 {
		t.Fatalf("expected two sends, got %d", len(fake.sends))
	}
	if fake.sends[1].editID != startRefs[0].MessageID {
		t.Fatalf("completion did not edit the start message: edit=%d want=%d",
			fake.sends[1].editID, startRefs[0].MessageID)
	}

	// A later run starts fresh.
	d.Notify(context.Background(), notify.EventTaskSuccess, tk, &execlog.Result{Status: execlog.StatusSuccess})
	if last := fake.sends[len(fake.sends)-1]; last.editID != 0 {
		t.Fatalf("stale start ref reused: %+v", last)
	}
}

func TestDispatcherSendFailureIsSwallowed(t *testing.T) {
	fake := &fakeProvider{failSend: true}
	d := newTestDispatcher(t, fake)

	refs := d.Notify(context.Background(), notify.EventTaskSuccess, notifiedTask(), &execlog.Result{Status: execlog.StatusSuccess})
	if len(refs) != 0 {
		t.Fatalf("failed send produced refs: %+v", refs)
	}
}

func TestDispatcherApprovalFlow(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)
	tk := notifiedTask()

	refs := d.SendApproval(context.Background(), tk, "ap-1", "the plan")
	if len(refs) != 1 {
		t.Fatalf("expected one approval ref, got %d", len(refs))
	}
	if len(fake.interactives) != 1 {
		t.Fatalf("expected one interactive send, got %d", len(fake.interactives))
	}
	buttons := fake.interactives[0].ButtonRows[0]
	if len(buttons) != 3 || buttons[0].CallbackData != "plan:approve:ap-1" {
		t.Fatalf("unexpected buttons: %+v", buttons)
	}

	d.UpdateApprovalMessages(context.Background(), refs, "done")
	if len(fake.removals) != 1 || fake.removals[0].newText != "done" {
		t.Fatalf("unexpected removals: %+v", fake.removals)
	}
	if fake.removals[0].messageID != refs[0].MessageID {
		t.Fatal("removal targeted wrong message")
	}

	d.RemoveApprovalButtons(context.Background(), refs)
	if len(fake.removals) != 2 || fake.removals[1].newText != "" {
		t.Fatalf("button removal should keep text: %+v", fake.removals)
	}
}

func TestDispatcherTestChannel(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake)

	detail, err := d.TestChannel(context.Background(), "chat")
	if err != nil {
		t.Fatalf("TestChannel: %v", err)
	}
	if detail != "fake ok" {
		t.Fatalf("detail = %q", detail)
	}
	if _, err := d.TestChannel(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
