package router

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/envelope"
	"github.com/codelatch/codelatchd/internal/metrics"
	"github.com/codelatch/codelatchd/internal/redact"
	"github.com/codelatch/codelatchd/internal/storage"
	"github.com/codelatch/codelatchd/internal/telegram"
	"github.com/codelatch/codelatchd/internal/timeoutmgr"
)

type sentMessage struct {
	chatID  int64
	text    string
	buttons [][]telegram.Button
}

type editedMessage struct {
	chatID    int64
	messageID int64
	text      string
}

type sentDocument struct {
	chatID   int64
	filename string
	content  []byte
	caption  string
}

type fakeChat struct {
	mu          sync.Mutex
	nextID      int64
	sent        []sentMessage
	edited      []editedMessage
	documents   []sentDocument
	sendErr     error
	fixedMsgID  int64
	answeredIDs []string
}

func (f *fakeChat) Send(ctx context.Context, chatID int64, text string, buttons [][]telegram.Button) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, buttons: buttons})
	if f.fixedMsgID != 0 {
		return f.fixedMsgID, nil
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeChat) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, editedMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (f *fakeChat) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, sentDocument{chatID: chatID, filename: filename, content: content, caption: caption})
	return nil
}

func (f *fakeChat) AnswerCallbackQuery(ctx context.Context, callbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answeredIDs = append(f.answeredIDs, callbackID)
	return nil
}

type fakeTerminal struct {
	pane           string
	captureErr     error
	injected       []string
	interrupted    []string
	runningCommand string
	currentFile    string
}

func (f *fakeTerminal) CapturePane(pane string, n int) (string, error) {
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return "recent output line", nil
}

func (f *fakeTerminal) InjectKeys(pane, text string) error {
	f.injected = append(f.injected, text)
	return nil
}

func (f *fakeTerminal) Interrupt(pane string) error {
	f.interrupted = append(f.interrupted, pane)
	return nil
}

func (f *fakeTerminal) DetectRunningCommand(pane string) string {
	return f.runningCommand
}

func (f *fakeTerminal) DetectCurrentFile(runningCommand string, contextLines []string) string {
	return f.currentFile
}

func newTestRouter(t *testing.T, chat Chat, term Terminal) *Router {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		TelegramChatID:  100,
		AutoDenySeconds: 60,
		ContextLines:    5,
		MaxInlineLength: 4096,
	}

	r := New(store, chat, term, redact.New(), nil, metrics.New(), cfg, log.New(io.Discard, "", 0))
	timeouts := timeoutmgr.New(r.ResolveTimeout)
	r.timeouts = timeouts
	r.execCommand = func(name string, arg ...string) *exec.Cmd {
		return exec.Command("true")
	}
	return r
}

// setCfg mutates a copy of r's current config snapshot and stores it back,
// exercising the same read-modify-store path UpdateConfig uses for a real
// hot reload.
func setCfg(r *Router, mutate func(*config.Config)) {
	cfg := r.cfg()
	mutate(&cfg)
	r.UpdateConfig(cfg)
}

func TestHandlePermissionRequest_ApprovedByButtonTap(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-1",
		SessionID:     "sess-1",
		SessionName:   "my-session",
		HookEventName: "PermissionRequest",
		Blocking:      true,
		Cwd:           "/tmp/work",
		Payload:       json.RawMessage(`{"tool_input":{"command":"rm -rf /tmp/x"}}`),
	}

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		out, err := r.HandleHookRequest(context.Background(), req)
		if err != nil {
			t.Errorf("HandleHookRequest returned error: %v", err)
		}
		resultCh <- out
	}()

	// Wait for the message to be sent before tapping the button.
	deadline := time.After(2 * time.Second)
	for {
		chat.mu.Lock()
		n := len(chat.sent)
		chat.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for permission message to send")
		case <-time.After(time.Millisecond):
		}
	}

	chat.mu.Lock()
	messageID := chat.nextID
	chat.mu.Unlock()
	r.handlePermitCallback(context.Background(), messageID, "req-1", "allow")

	select {
	case out := <-resultCh:
		var parsed struct {
			Decision struct {
				Behavior string `json:"behavior"`
			} `json:"decision"`
		}
		if err := json.Unmarshal(out, &parsed); err != nil {
			t.Fatalf("unmarshal output: %v", err)
		}
		if parsed.Decision.Behavior != "allow" {
			t.Fatalf("expected allow, got %s", parsed.Decision.Behavior)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler result")
	}
}

func TestHandlePermissionRequest_TimeoutDenies(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})
	setCfg(r, func(c *config.Config) { c.AutoDenySeconds = 0 }) // fire as soon as registered

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-2",
		SessionID:     "sess-2",
		SessionName:   "timeout-session",
		HookEventName: "PermissionRequest",
		Blocking:      true,
		Cwd:           "/tmp/work",
		Payload:       json.RawMessage(`{"tool_input":{"command":"echo hi"}}`),
	}

	out, err := r.HandleHookRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleHookRequest returned error: %v", err)
	}
	var parsed struct {
		Decision struct {
			Behavior string `json:"behavior"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if parsed.Decision.Behavior != "deny" {
		t.Fatalf("expected deny on timeout, got %s", parsed.Decision.Behavior)
	}

	pending, err := r.store.GetPending("req-2")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pending.State != storage.StateTimedOut {
		t.Fatalf("expected timed_out state, got %s", pending.State)
	}
}

func TestHandleHookRequest_UnsupportedBlockingKindDenied(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-3",
		SessionID:     "sess-3",
		SessionName:   "weird-session",
		HookEventName: "SomeOtherEvent",
		Blocking:      true,
	}

	out, err := r.HandleHookRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed struct {
		Decision struct {
			Behavior string `json:"behavior"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if parsed.Decision.Behavior != "deny" {
		t.Fatalf("expected deny for unsupported blocking kind, got %s", parsed.Decision.Behavior)
	}
}

func TestHandlePermissionRequest_ContextCancelCleansUpWaiter(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	ctx, cancel := context.WithCancel(context.Background())
	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-4",
		SessionID:     "sess-4",
		SessionName:   "cancel-session",
		HookEventName: "PermissionRequest",
		Blocking:      true,
		Cwd:           "/tmp/work",
		Payload:       json.RawMessage(`{"tool_input":{"command":"echo hi"}}`),
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := r.HandleHookRequest(ctx, req)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation to unblock handler")
	}

	r.mu.Lock()
	_, exists := r.waiters["req-4"]
	r.mu.Unlock()
	if exists {
		t.Fatal("expected waiter to be cleaned up after context cancellation")
	}
}

func TestHandleAsyncEvent_SessionStartUpsertsSession(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-5",
		SessionID:     "sess-5",
		SessionName:   "fresh-session",
		HookEventName: "SessionStart",
		Blocking:      false,
		Cwd:           "/tmp/fresh",
	}

	if _, err := r.HandleHookRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session, err := r.store.GetSession("sess-5")
	if err != nil || session == nil {
		t.Fatalf("expected session row, err=%v", err)
	}
	if session.Status != storage.SessionActive {
		t.Fatalf("expected active session, got %s", session.Status)
	}
}

func TestHandleAsyncEvent_SessionEndMarksEnded(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	start := envelope.HookEnvelope{
		Version: envelope.Version, RequestID: "req-6a", SessionID: "sess-6",
		SessionName: "ending-session", HookEventName: "SessionStart", Cwd: "/tmp/x",
	}
	end := envelope.HookEnvelope{
		Version: envelope.Version, RequestID: "req-6b", SessionID: "sess-6",
		SessionName: "ending-session", HookEventName: "SessionEnd", Cwd: "/tmp/x",
	}
	r.HandleHookRequest(context.Background(), start)
	r.HandleHookRequest(context.Background(), end)

	session, err := r.store.GetSession("sess-6")
	if err != nil || session == nil {
		t.Fatalf("expected session row, err=%v", err)
	}
	if session.Status != storage.SessionEnded {
		t.Fatalf("expected ended session, got %s", session.Status)
	}
}

func TestHandleAsyncEvent_NotificationInsertsReplyRoute(t *testing.T) {
	chat := &fakeChat{fixedMsgID: 555}
	r := newTestRouter(t, chat, &fakeTerminal{})

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-7",
		SessionID:     "sess-7",
		SessionName:   "notif-session",
		HookEventName: "Notification",
		TmuxPane:      "%3",
		Cwd:           "/tmp/x",
		Payload:       json.RawMessage(`{"notification_type":"elicitation_dialog","question":"continue?"}`),
	}

	if _, err := r.HandleHookRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, err := r.store.LookupReplyRoute(555)
	if err != nil || route == nil {
		t.Fatalf("expected reply route, err=%v", err)
	}
	if route.SessionID != "sess-7" {
		t.Fatalf("expected route to sess-7, got %s", route.SessionID)
	}

	pending, err := r.store.GetPending("req-7")
	if err != nil || pending == nil {
		t.Fatalf("expected telemetry pending row, err=%v", err)
	}
	if pending.Kind != storage.KindQuestion {
		t.Fatalf("expected question kind, got %s", pending.Kind)
	}
}

func TestHandleAsyncEvent_QuestionArmsTimeoutWhenConfigured(t *testing.T) {
	chat := &fakeChat{fixedMsgID: 777}
	r := newTestRouter(t, chat, &fakeTerminal{})
	setCfg(r, func(c *config.Config) { c.QuestionTimeoutSeconds = 1 }) // timeoutmgr rounds sub-second deadlines down to "now"

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-question-timeout",
		SessionID:     "sess-q",
		SessionName:   "question-session",
		HookEventName: "Notification",
		TmuxPane:      "%4",
		Cwd:           "/tmp/x",
		Payload:       json.RawMessage(`{"notification_type":"elicitation_dialog","question":"continue?"}`),
	}

	if _, err := r.HandleHookRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := r.store.GetPending("req-question-timeout")
		if err != nil {
			t.Fatalf("get pending: %v", err)
		}
		if pending.State == storage.StateTimedOut {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected question to time out, state stuck at %s", pending.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.edited) != 1 {
		t.Fatalf("expected one edit on question timeout, got %d", len(chat.edited))
	}
	if !strings.Contains(chat.edited[0].text, "Question") {
		t.Fatalf("expected question-specific timeout text, got %q", chat.edited[0].text)
	}
}

func TestHandleAsyncEvent_QuestionNeverExpiresWhenDisabled(t *testing.T) {
	chat := &fakeChat{fixedMsgID: 778}
	r := newTestRouter(t, chat, &fakeTerminal{})

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-question-no-timeout",
		SessionID:     "sess-q2",
		SessionName:   "question-session-2",
		HookEventName: "Notification",
		TmuxPane:      "%5",
		Cwd:           "/tmp/x",
		Payload:       json.RawMessage(`{"notification_type":"elicitation_dialog","question":"continue?"}`),
	}

	if _, err := r.HandleHookRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	pending, err := r.store.GetPending("req-question-no-timeout")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pending.State != storage.StateWaiting {
		t.Fatalf("expected question to remain waiting with timeouts disabled, got %s", pending.State)
	}
}

func TestHandleAsyncEvent_LongPayloadSentAsDocument(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})
	setCfg(r, func(c *config.Config) { c.MaxInlineLength = 10 })

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-8",
		SessionID:     "sess-8",
		SessionName:   "doc-session",
		HookEventName: "PostToolUseFailure",
		Cwd:           "/tmp/x",
		Payload:       json.RawMessage(`{"error":"a very long error message that exceeds the inline length limit"}`),
	}

	if _, err := r.HandleHookRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.documents) != 1 {
		t.Fatalf("expected one document sent, got %d", len(chat.documents))
	}
	if len(chat.sent) != 0 {
		t.Fatalf("expected no inline message sent, got %d", len(chat.sent))
	}
}

func TestRecoverOnStartup_ForceDeniesWaitingRequests(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	now := time.Now().UTC()
	if err := r.store.UpsertSession("sess-9", "recover-session", "/tmp/x", "%1"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if err := r.store.InsertPending(storage.PendingRequest{
		RequestID:     "req-9",
		SessionID:     "sess-9",
		SessionName:   "recover-session",
		HookEventName: "PermissionRequest",
		Kind:          storage.KindPermission,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if err := r.store.SetTelegramMessageID("req-9", 42); err != nil {
		t.Fatalf("set message id: %v", err)
	}

	if err := r.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	pending, err := r.store.GetPending("req-9")
	if err != nil || pending == nil {
		t.Fatalf("get pending: %v", err)
	}
	if pending.State != storage.StateDenied {
		t.Fatalf("expected denied state, got %s", pending.State)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.edited) != 1 || chat.edited[0].messageID != 42 {
		t.Fatalf("expected edit to message 42, got %+v", chat.edited)
	}
}

func TestRecoverOnStartup_SkipsRowsWithoutMessageID(t *testing.T) {
	chat := &fakeChat{}
	r := newTestRouter(t, chat, &fakeTerminal{})

	now := time.Now().UTC()
	r.store.UpsertSession("sess-10", "no-msg-session", "/tmp/x", "%1")
	r.store.InsertPending(storage.PendingRequest{
		RequestID:     "req-10",
		SessionID:     "sess-10",
		SessionName:   "no-msg-session",
		HookEventName: "PermissionRequest",
		Kind:          storage.KindPermission,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	})

	if err := r.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.edited) != 0 {
		t.Fatalf("expected no edits for row without a message id, got %d", len(chat.edited))
	}
}
