// Package router correlates IPC hook requests, chat transport updates, and
// timeout firings against the durable store, and is the only place that
// drives the PendingRequest state machine and redacts outbound text.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/envelope"
	"github.com/codelatch/codelatchd/internal/metrics"
	"github.com/codelatch/codelatchd/internal/redact"
	"github.com/codelatch/codelatchd/internal/storage"
	"github.com/codelatch/codelatchd/internal/telegram"
	"github.com/codelatch/codelatchd/internal/timeoutmgr"
)

// Chat is the subset of telegram.Client the router depends on, narrowed so
// tests can substitute a fake.
type Chat interface {
	Send(ctx context.Context, chatID int64, text string, buttons [][]telegram.Button) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
}

// Terminal is the subset of tmux.Adapter the router depends on.
type Terminal interface {
	CapturePane(pane string, n int) (string, error)
	InjectKeys(pane, text string) error
	Interrupt(pane string) error
	DetectRunningCommand(pane string) string
	DetectCurrentFile(runningCommand string, contextLines []string) string
}

// Router is the central dispatcher. It holds no exported mutable state;
// every mutation goes through store.
type Router struct {
	store    *storage.Store
	chat     Chat
	term     Terminal
	redactor *redact.Redactor
	timeouts *timeoutmgr.Manager
	metrics  *metrics.Registry
	cfgVal   atomic.Value // config.Config
	logger   *log.Logger

	execCommand func(name string, arg ...string) *exec.Cmd

	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

// New builds a Router. timeouts must not yet be running; the router
// registers the resolver itself via WireTimeouts.
func New(store *storage.Store, chat Chat, term Terminal, redactor *redact.Redactor, timeouts *timeoutmgr.Manager, m *metrics.Registry, cfg config.Config, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Router{
		store:       store,
		chat:        chat,
		term:        term,
		redactor:    redactor,
		timeouts:    timeouts,
		metrics:     m,
		logger:      logger,
		execCommand: exec.Command,
		waiters:     make(map[string]chan json.RawMessage),
	}
	r.cfgVal.Store(cfg)
	return r
}

// cfg returns the currently active configuration snapshot. A request that
// reads it partway through handling keeps using that snapshot even if
// UpdateConfig runs concurrently; it does not tear between fields.
func (r *Router) cfg() config.Config {
	return r.cfgVal.Load().(config.Config)
}

// UpdateConfig swaps in a freshly loaded configuration, picked up by the
// next request handled after the call returns. Used by the config file
// watcher to apply edits without restarting the daemon.
func (r *Router) UpdateConfig(cfg config.Config) {
	r.cfgVal.Store(cfg)
}

// HandleHookRequest implements ipcserver.Handler. For a blocking
// PermissionRequest it blocks until the request resolves (operator tap or
// timeout) or ctx is canceled (the hook process disconnected). Every other
// event is handled asynchronously; its return value is discarded by the
// caller for non-blocking requests.
func (r *Router) HandleHookRequest(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
	if req.Blocking {
		if req.HookEventName != "PermissionRequest" {
			return envelope.DenyOutput(fmt.Sprintf("unsupported blocking event: %s", req.HookEventName)), nil
		}
		return r.handlePermissionRequest(ctx, req)
	}
	if err := r.handleAsyncEvent(ctx, req); err != nil {
		r.logger.Printf("router: async event %s failed: %v", req.HookEventName, err)
	}
	return envelope.AllowOutput(), nil
}

func (r *Router) handlePermissionRequest(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
	if err := r.store.UpsertSession(req.SessionID, req.SessionName, req.Cwd, req.TmuxPane); err != nil {
		return envelope.DenyOutput("internal store error"), nil
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(r.cfg().AutoDenySeconds) * time.Second)

	if err := r.store.InsertPending(storage.PendingRequest{
		RequestID:     req.RequestID,
		SessionID:     req.SessionID,
		SessionName:   req.SessionName,
		TmuxPane:      req.TmuxPane,
		HookEventName: req.HookEventName,
		Kind:          storage.KindPermission,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}); err != nil {
		r.logger.Printf("router: insert pending %s: %v", req.RequestID, err)
		return envelope.DenyOutput("internal store error"), nil
	}
	r.metrics.PendingRequestsTotal.WithLabelValues(string(storage.KindPermission)).Inc()

	command := r.redactor.Redact(extractCommand(req.Payload))
	text, buttons := buildPermissionMessage(req.SessionName, command, req.Cwd, req.RequestID, r.cfg().AutoDenySeconds)

	messageID, err := r.chat.Send(ctx, r.cfg().TelegramChatID, text, buttons)
	if err != nil {
		r.logger.Printf("router: send permission message for %s: %v", req.RequestID, err)
		// The row stays waiting and will auto-deny on timeout — the
		// fail-safe path for a permanent send failure.
	} else {
		if err := r.store.SetTelegramMessageID(req.RequestID, messageID); err != nil {
			r.logger.Printf("router: persist message id for %s: %v", req.RequestID, err)
		}
	}

	waiter := make(chan json.RawMessage, 1)
	r.mu.Lock()
	r.waiters[req.RequestID] = waiter
	r.mu.Unlock()

	r.timeouts.Register(req.RequestID, expiresAt)

	select {
	case output := <-waiter:
		return output, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, req.RequestID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ResolveTimeout is the timeoutmgr.Resolver wired to this router's timeout
// manager. A permission request that times out is auto-denied; a question
// that times out is simply marked expired, since nothing was waiting on an
// answer to unblock.
func (r *Router) ResolveTimeout(requestID string) {
	pending, err := r.store.GetPending(requestID)
	if err != nil || pending == nil {
		r.logger.Printf("router: load pending for timeout %s: %v", requestID, err)
		return
	}

	output := envelope.DenyOutput("Denied by remote operator (timeout)")
	editText := "*🔴 Permission*\n\n⏳ Timed out — denied"
	if pending.Kind == storage.KindQuestion {
		output = json.RawMessage(`{}`)
		editText = "*🟡 Question*\n\n⏳ Timed out — no reply received"
	}

	ok, err := r.store.TransitionPending(requestID, storage.StateWaiting, storage.StateTimedOut, string(output))
	if err != nil {
		r.logger.Printf("router: transition timeout for %s: %v", requestID, err)
		return
	}
	if !ok {
		return
	}
	if pending.Kind != storage.KindQuestion {
		r.metrics.AutoDeniesTotal.Inc()
	}

	if pending.TelegramMessageID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.chat.Edit(ctx, r.cfg().TelegramChatID, pending.TelegramMessageID, editText); err != nil {
			r.logger.Printf("router: edit timeout message for %s: %v", requestID, err)
		}
	}

	r.completeWaiter(requestID, output)
}

func (r *Router) completeWaiter(requestID string, output json.RawMessage) {
	r.mu.Lock()
	waiter, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	r.mu.Unlock()
	if ok {
		waiter <- output
	}
}

func (r *Router) handleAsyncEvent(ctx context.Context, req envelope.HookEnvelope) error {
	if err := r.store.UpsertSession(req.SessionID, req.SessionName, req.Cwd, req.TmuxPane); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if req.HookEventName == "SessionEnd" {
		if err := r.store.EndSession(req.SessionID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	r.refreshSessionsGauge()

	notificationType := payloadField(req.Payload, "notification_type")

	now := time.Now().UTC()
	var requestID string
	if kind, ok := kindForEvent(req.HookEventName, notificationType); ok {
		requestID = req.RequestID
		expiresAt := now
		armTimeout := storage.RequestKind(kind) == storage.KindQuestion && r.cfg().QuestionTimeoutSeconds > 0
		if armTimeout {
			expiresAt = now.Add(time.Duration(r.cfg().QuestionTimeoutSeconds) * time.Second)
		}
		if err := r.store.InsertPending(storage.PendingRequest{
			RequestID:     requestID,
			SessionID:     req.SessionID,
			SessionName:   req.SessionName,
			TmuxPane:      req.TmuxPane,
			HookEventName: req.HookEventName,
			Kind:          storage.RequestKind(kind),
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}); err != nil {
			r.logger.Printf("router: insert pending telemetry row for %s: %v", req.RequestID, err)
		} else {
			r.metrics.PendingRequestsTotal.WithLabelValues(kind).Inc()
			if armTimeout {
				r.timeouts.Register(requestID, expiresAt)
			}
		}
	}

	redactedPayload := r.redactor.Redact(prettyPayload(req.Payload))
	var redactedContext string
	if req.TmuxPane != "" {
		if captured, err := r.term.CapturePane(req.TmuxPane, r.cfg().ContextLines); err == nil {
			redactedContext = r.redactor.Redact(captured)
		}
	}

	text := formatAsyncMarkdown(req, notificationType, redactedPayload, redactedContext)

	var messageID int64
	var err error
	if len([]rune(text)) <= r.cfg().MaxInlineLength {
		messageID, err = r.chat.Send(ctx, r.cfg().TelegramChatID, text, nil)
	} else {
		filename := fmt.Sprintf("%s-%s-event.txt", safeFilename(req.SessionName), safeFilename(req.HookEventName))
		body := fmt.Sprintf("%s %s · %s\n\n%s", iconFor(req.HookEventName, notificationType), req.HookEventName, req.SessionName, redactedPayload)
		if redactedContext != "" {
			body += "\n\nContext:\n" + redactedContext
		}
		caption := fmt.Sprintf("*%s* · %s", telegram.EscapeText(eventTitle(req.HookEventName, notificationType)), telegram.InlineCode(req.SessionName))
		err = r.chat.SendDocument(ctx, r.cfg().TelegramChatID, filename, []byte(body), caption)
	}
	if err != nil {
		return fmt.Errorf("send async event message: %w", err)
	}

	if messageID != 0 {
		if requestID != "" {
			if err := r.store.SetTelegramMessageID(requestID, messageID); err != nil {
				r.logger.Printf("router: persist message id for %s: %v", requestID, err)
			}
		}
		if req.HookEventName == "Notification" {
			if err := r.store.InsertReplyRoute(messageID, req.SessionID, req.TmuxPane); err != nil {
				r.logger.Printf("router: insert reply route for message %d: %v", messageID, err)
			}
		}
	}
	return nil
}

func (r *Router) refreshSessionsGauge() {
	sessions, err := r.store.ListSessions(true)
	if err != nil {
		return
	}
	r.metrics.SessionsActive.Set(float64(len(sessions)))
}

// RecoverOnStartup force-denies every request still waiting from a
// previous run, per the fail-safe startup recovery rule. It must complete
// before the IPC server starts accepting connections.
func (r *Router) RecoverOnStartup(ctx context.Context) error {
	waiting, err := r.store.LoadWaitingOnStartup()
	if err != nil {
		return fmt.Errorf("load waiting requests: %w", err)
	}
	for _, pending := range waiting {
		output := envelope.DenyOutput("Daemon restarted — denied for safety")
		ok, err := r.store.TransitionPending(pending.RequestID, storage.StateWaiting, storage.StateDenied, string(output))
		if err != nil {
			r.logger.Printf("router: startup recovery transition for %s: %v", pending.RequestID, err)
			continue
		}
		if !ok || pending.TelegramMessageID == 0 {
			continue
		}
		if err := r.chat.Edit(ctx, r.cfg().TelegramChatID, pending.TelegramMessageID, "*⚠️ Daemon restarted — denied for safety*"); err != nil {
			r.logger.Printf("router: edit startup recovery message for %s: %v", pending.RequestID, err)
		}
	}
	return nil
}
