package router

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/codelatch/codelatchd/internal/envelope"
	"github.com/codelatch/codelatchd/internal/storage"
	"github.com/codelatch/codelatchd/internal/telegram"
)

const (
	peekContextLines = 30
	logLines         = 200
)

// HandleUpdate dispatches one poll_updates result to the button-tap,
// reply, or command handler, ignoring anything from an unauthorized chat.
func (r *Router) HandleUpdate(ctx context.Context, update telegram.Update) {
	if update.CallbackQuery != nil {
		r.handleCallbackQuery(ctx, *update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	if update.Message.Chat.ID != r.cfg().TelegramChatID {
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	switch {
	case strings.HasPrefix(text, "/peek"):
		r.handlePeekCommand(ctx, *update.Message)
	case strings.HasPrefix(text, "/diff"):
		r.handleDiffCommand(ctx, *update.Message)
	case strings.HasPrefix(text, "/log"):
		r.handleLogCommand(ctx, *update.Message)
	case strings.HasPrefix(text, "/sessions"):
		r.handleSessionsCommand(ctx, *update.Message)
	case strings.HasPrefix(text, "/switch"):
		r.handleSwitchCommand(ctx, *update.Message, text)
	case strings.HasPrefix(text, "/start"):
		r.sendPlain(ctx, "Already paired with this chat.")
	default:
		r.handleReply(ctx, *update.Message, text)
	}
}

func (r *Router) handleCallbackQuery(ctx context.Context, cq telegram.CallbackQuery) {
	if err := r.chat.AnswerCallbackQuery(ctx, cq.ID); err != nil {
		r.logger.Printf("router: answer callback query %s: %v", cq.ID, err)
	}
	if cq.Message == nil || cq.Message.Chat.ID != r.cfg().TelegramChatID || cq.Data == "" {
		return
	}

	parts := strings.SplitN(cq.Data, ":", 3)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "permit":
		if len(parts) != 3 {
			return
		}
		r.handlePermitCallback(ctx, cq.Message.MessageID, parts[1], parts[2])
	case "peek":
		if len(parts) != 3 {
			return
		}
		r.handlePeekCallbackAction(ctx, parts[1], parts[2])
	}
}

func (r *Router) handlePermitCallback(ctx context.Context, messageID int64, requestID, action string) {
	var toState storage.RequestState
	var statusText string
	var output []byte
	switch action {
	case "allow":
		toState = storage.StateApproved
		statusText = "✅ Approved"
		output = envelope.AllowOutput()
	case "deny":
		toState = storage.StateDenied
		statusText = "❌ Denied"
		output = envelope.DenyOutput("Denied by remote operator")
	default:
		return
	}

	ok, err := r.store.TransitionPending(requestID, storage.StateWaiting, toState, string(output))
	if err != nil {
		r.logger.Printf("router: transition permit %s: %v", requestID, err)
		return
	}
	if !ok {
		return // already resolved — double tap is inert
	}

	r.timeouts.Cancel(requestID)
	if err := r.chat.Edit(ctx, r.cfg().TelegramChatID, messageID, "*🔴 Permission*\n\n"+statusText); err != nil {
		r.logger.Printf("router: edit permit message for %s: %v", requestID, err)
	}
	r.completeWaiter(requestID, output)
}

func (r *Router) handlePeekCallbackAction(ctx context.Context, action, sessionID string) {
	session, err := r.store.GetSession(sessionID)
	if err != nil || session == nil {
		r.sendPlain(ctx, "Session is no longer active.")
		return
	}
	switch action {
	case "diff":
		r.sendDiffForSession(ctx, *session)
	case "log":
		r.sendLogForSession(ctx, *session)
	case "stop":
		if err := r.term.Interrupt(session.TmuxPane); err != nil {
			r.sendPlain(ctx, "Failed to send interrupt to tmux pane.")
			return
		}
		r.sendMarkdown(ctx, fmt.Sprintf("*⏹ Stop sent* · %s\n\nSent Ctrl\\+C to %s", telegram.InlineCode(session.Name), telegram.InlineCode(session.TmuxPane)), nil)
	}
}

func (r *Router) handlePeekCommand(ctx context.Context, msg telegram.Message) {
	session, err := r.resolveSessionForMessage(msg)
	if err != nil || session == nil {
		r.sendPlain(ctx, "No active session. Use /sessions to pick one.")
		return
	}

	recent, err := r.term.CapturePane(session.TmuxPane, peekContextLines)
	if err != nil || recent == "" {
		recent = "No tmux output available"
	}
	redacted := r.redactor.Redact(recent)
	runningCommand := r.term.DetectRunningCommand(session.TmuxPane)
	if runningCommand == "" {
		runningCommand = "idle"
	}
	currentFile := r.term.DetectCurrentFile(runningCommand, strings.Split(redacted, "\n"))
	if currentFile == "" {
		currentFile = "unknown"
	}
	currentTask := latestNonemptyLine(redacted)
	if currentTask == "" {
		currentTask = "unknown"
	}

	preview := redacted
	body := formatPeekBody(session, currentTask, runningCommand, currentFile, preview, false)
	if len([]rune(body)) > r.cfg().MaxInlineLength {
		preview = truncateTail(preview, 1800)
		body = formatPeekBody(session, currentTask, runningCommand, currentFile, preview, true)
	}

	buttons := [][]telegram.Button{{
		{Text: "Diff", CallbackData: "peek:diff:" + session.SessionID},
		{Text: "Log", CallbackData: "peek:log:" + session.SessionID},
		{Text: "Stop", CallbackData: "peek:stop:" + session.SessionID},
	}}
	r.sendMarkdown(ctx, body, buttons)
}

func formatPeekBody(session *storage.Session, currentTask, runningCommand, currentFile, preview string, truncated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*🔵 Peek* · %s\n\n*Session* %s\n*Dir* %s\n*Task* %s\n*Running* %s\n*Current file* %s\n\n*Recent output*\n%s",
		telegram.InlineCode(session.Name),
		telegram.InlineCode(session.SessionID),
		telegram.InlineCode(session.Cwd),
		telegram.InlineCode(currentTask),
		telegram.InlineCode(runningCommand),
		telegram.InlineCode(currentFile),
		telegram.CodeBlock("", preview),
	)
	if truncated {
		b.WriteString("\n\nTruncated for Telegram")
	}
	return b.String()
}

func (r *Router) handleDiffCommand(ctx context.Context, msg telegram.Message) {
	session, err := r.resolveSessionForMessage(msg)
	if err != nil || session == nil {
		r.sendPlain(ctx, "No active session. Use /sessions to pick one.")
		return
	}
	r.sendDiffForSession(ctx, *session)
}

func (r *Router) sendDiffForSession(ctx context.Context, session storage.Session) {
	cmd := r.execCommand("git", "-C", session.Cwd, "diff", "--no-color")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("*❌ Diff failed* · %s\n\n%s", telegram.InlineCode(session.Name), telegram.CodeBlock("", r.redactor.Redact(strings.TrimSpace(stderr.String()))))
		r.sendMarkdown(ctx, msg, nil)
		return
	}

	diff := r.redactor.Redact(stdout.String())
	if strings.TrimSpace(diff) == "" {
		r.sendMarkdown(ctx, fmt.Sprintf("*✅ Diff* · %s\n\nNo changes", telegram.InlineCode(session.Name)), nil)
		return
	}

	inline := fmt.Sprintf("*🔵 Diff* · %s\n\n%s", telegram.InlineCode(session.Name), telegram.CodeBlock("diff", diff))
	if len([]rune(inline)) <= r.cfg().MaxInlineLength {
		r.sendMarkdown(ctx, inline, nil)
		return
	}

	filename := safeFilename(session.Name) + "-diff.patch"
	caption := fmt.Sprintf("*🔵 Diff* · %s", telegram.InlineCode(session.Name))
	if err := r.chat.SendDocument(ctx, r.cfg().TelegramChatID, filename, []byte(diff), caption); err != nil {
		r.logger.Printf("router: send diff document: %v", err)
	}
}

func (r *Router) handleLogCommand(ctx context.Context, msg telegram.Message) {
	session, err := r.resolveSessionForMessage(msg)
	if err != nil || session == nil {
		r.sendPlain(ctx, "No active session. Use /sessions to pick one.")
		return
	}
	r.sendLogForSession(ctx, *session)
}

func (r *Router) sendLogForSession(ctx context.Context, session storage.Session) {
	text, err := r.term.CapturePane(session.TmuxPane, logLines)
	if err != nil || text == "" {
		text = "No tmux log available"
	}
	redacted := r.redactor.Redact(text)
	filename := safeFilename(session.Name) + "-log.txt"
	caption := fmt.Sprintf("*🔵 Log* · %s", telegram.InlineCode(session.Name))
	if err := r.chat.SendDocument(ctx, r.cfg().TelegramChatID, filename, []byte(redacted), caption); err != nil {
		r.logger.Printf("router: send log document: %v", err)
	}
}

func (r *Router) handleSessionsCommand(ctx context.Context, _ telegram.Message) {
	sessions, err := r.store.ListSessions(!r.cfg().SessionsIncludeEnded)
	if err != nil {
		r.sendPlain(ctx, "Failed to list sessions.")
		return
	}
	if len(sessions) == 0 {
		r.sendPlain(ctx, "No active sessions.")
		return
	}
	defaultRoute, _ := r.store.GetDefaultRoute()

	var b strings.Builder
	b.WriteString("Active sessions:\n")
	for _, s := range sessions {
		prefix := "- "
		if defaultRoute != nil && defaultRoute.SessionID == s.SessionID {
			prefix = "* "
		}
		fmt.Fprintf(&b, "%s%s (%s)\n", prefix, s.Name, s.SessionID)
	}
	r.sendPlain(ctx, b.String())
}

func (r *Router) handleSwitchCommand(ctx context.Context, _ telegram.Message, text string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		route, err := r.store.GetDefaultRoute()
		if err != nil || route == nil {
			r.sendPlain(ctx, "No default session set. Use /switch <name>.")
			return
		}
		r.sendPlain(ctx, fmt.Sprintf("Current default session: %s", route.SessionName))
		return
	}

	name := fields[1]
	session, err := r.store.FindSessionByName(name)
	if err != nil || session == nil {
		r.sendPlain(ctx, "Session not found. Use /sessions to list active sessions.")
		return
	}
	if err := r.store.SetDefaultRoute(session.SessionID, session.Name, session.TmuxPane); err != nil {
		r.sendPlain(ctx, "Failed to switch default session.")
		return
	}
	r.sendPlain(ctx, fmt.Sprintf("Default session switched to %s.", session.Name))
}

func (r *Router) handleReply(ctx context.Context, msg telegram.Message, text string) {
	if msg.ReplyToMessage == nil {
		route, err := r.store.GetDefaultRoute()
		if err != nil || route == nil {
			r.sendPlain(ctx, "Reply to a session message, or use /switch <name> first.")
			return
		}
		if r.term.InjectKeys(route.TmuxPane, text) != nil {
			r.sendPlain(ctx, "Failed to inject message into default session.")
			return
		}
		r.sendPlain(ctx, fmt.Sprintf("Sent message to default session %s.", route.SessionName))
		return
	}

	route, err := r.store.LookupReplyRoute(msg.ReplyToMessage.MessageID)
	if err != nil || route == nil {
		return
	}

	if pending, err := r.store.GetPendingByMessageID(msg.ReplyToMessage.MessageID); err == nil && pending != nil &&
		pending.State == storage.StateWaiting && pending.Kind == storage.KindQuestion {
		if _, err := r.store.TransitionPending(pending.RequestID, storage.StateWaiting, storage.StateAnswered, text); err != nil {
			r.logger.Printf("router: transition answered question %s: %v", pending.RequestID, err)
		}
	}

	if r.term.InjectKeys(route.TmuxPane, text) != nil {
		r.sendPlain(ctx, "Failed to inject reply into tmux session.")
		return
	}
	r.sendPlain(ctx, fmt.Sprintf("Sent reply to session %s.", route.SessionID))
}

func (r *Router) resolveSessionForMessage(msg telegram.Message) (*storage.Session, error) {
	if msg.ReplyToMessage != nil {
		if route, err := r.store.LookupReplyRoute(msg.ReplyToMessage.MessageID); err == nil && route != nil {
			if session, err := r.store.GetSession(route.SessionID); err == nil && session != nil {
				return session, nil
			}
		}
	}
	if route, err := r.store.GetDefaultRoute(); err == nil && route != nil {
		if session, err := r.store.GetSession(route.SessionID); err == nil && session != nil {
			return session, nil
		}
	}
	sessions, err := r.store.ListSessions(true)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *Router) sendPlain(ctx context.Context, text string) {
	if _, err := r.chat.Send(ctx, r.cfg().TelegramChatID, telegram.EscapeText(text), nil); err != nil {
		r.logger.Printf("router: send plain message: %v", err)
	}
}

func (r *Router) sendMarkdown(ctx context.Context, text string, buttons [][]telegram.Button) {
	if _, err := r.chat.Send(ctx, r.cfg().TelegramChatID, text, buttons); err != nil {
		r.logger.Printf("router: send markdown message: %v", err)
	}
}
