package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codelatch/codelatchd/internal/envelope"
	"github.com/codelatch/codelatchd/internal/telegram"
)

// iconFor picks the emoji prefix for a hook event, branching on
// notification_type for the generic Notification event.
func iconFor(hookEventName, notificationType string) string {
	if hookEventName == "Notification" {
		switch notificationType {
		case "elicitation_dialog":
			return "🟡"
		case "permission_prompt":
			return "🔴"
		default:
			return "🔵"
		}
	}
	switch hookEventName {
	case "PostToolUseFailure":
		return "❌"
	case "Stop", "TaskCompleted", "SessionEnd":
		return "✅"
	case "SessionStart":
		return "🔵"
	default:
		return "🔵"
	}
}

// eventTitle is the human-facing heading for a rendered event card.
func eventTitle(hookEventName, notificationType string) string {
	if hookEventName == "Notification" {
		switch notificationType {
		case "elicitation_dialog":
			return "🟡 Question"
		case "permission_prompt":
			return "🔴 Permission Prompt"
		case "idle_prompt":
			return "🔵 Idle Prompt"
		default:
			return "🔵 Notification"
		}
	}
	switch hookEventName {
	case "PostToolUseFailure":
		return "❌ Tool Failure"
	case "Stop":
		return "⏹ Stop"
	case "TaskCompleted":
		return "✅ Done"
	case "SessionStart":
		return "🔵 Session Start"
	case "SessionEnd":
		return "🔵 Session End"
	default:
		return iconFor(hookEventName, notificationType) + " " + hookEventName
	}
}

// kindForEvent maps a hook event (plus notification_type, when relevant)
// onto the PendingRequest kind telemetry bucket it belongs to. The second
// return value is false for events that don't get a PendingRequest row at
// all (SessionStart/SessionEnd are session-lifecycle only).
func kindForEvent(hookEventName, notificationType string) (string, bool) {
	switch hookEventName {
	case "Notification":
		return "question", true
	case "PostToolUseFailure":
		return "failure", true
	case "Stop":
		return "stop", true
	case "TaskCompleted":
		return "completed", true
	default:
		return "", false
	}
}

func payloadField(payload json.RawMessage, key string) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// extractCommand pulls payload.tool_input.command out of a hook envelope's
// payload, used to render the command a permission request wants to run.
func extractCommand(payload json.RawMessage) string {
	var fields struct {
		ToolInput struct {
			Command string `json:"command"`
		} `json:"tool_input"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.ToolInput.Command == "" {
		return "<unknown command>"
	}
	return fields.ToolInput.Command
}

func prettyPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(b)
}

// buildPermissionMessage renders the MarkdownV2 body and buttons for a new
// permission request.
func buildPermissionMessage(sessionName, redactedCommand, cwd, requestID string, autoDenySeconds int) (string, [][]telegram.Button) {
	minutes := autoDenySeconds / 60
	seconds := autoDenySeconds % 60
	text := fmt.Sprintf(
		"*🔴 Permission* · %s\n\n*Claude wants to run*\n%s\n\n*Dir* %s\n\nAuto deny in %02d:%02d",
		telegram.InlineCode(sessionName),
		telegram.CodeBlock("bash", redactedCommand),
		telegram.InlineCode(cwd),
		minutes, seconds,
	)
	buttons := [][]telegram.Button{{
		{Text: "Allow", CallbackData: fmt.Sprintf("permit:%s:allow", requestID)},
		{Text: "Deny", CallbackData: fmt.Sprintf("permit:%s:deny", requestID)},
	}}
	return text, buttons
}

// formatAsyncMarkdown renders the MarkdownV2 body for a non-blocking hook
// event (notification, failure, completion, session lifecycle).
func formatAsyncMarkdown(req envelope.HookEnvelope, notificationType, redactedPayload, redactedContext string) string {
	var out strings.Builder
	fmt.Fprintf(&out, "*%s* · %s", telegram.EscapeText(eventTitle(req.HookEventName, notificationType)), telegram.InlineCode(req.SessionName))

	switch req.HookEventName {
	case "SessionStart":
		out.WriteString("\n\n*Dir* ")
		out.WriteString(telegram.InlineCode(req.Cwd))
		out.WriteString("\n\nNew session latched")
	case "SessionEnd":
		out.WriteString("\n\nSession ended")
	case "Stop", "TaskCompleted":
		out.WriteString("\n\nTask finished")
	default:
		out.WriteString("\n\n*Payload*\n")
		out.WriteString(telegram.CodeBlock("json", redactedPayload))
		if redactedContext != "" {
			out.WriteString("\n\n*Context*\n")
			out.WriteString(telegram.CodeBlock("", redactedContext))
		}
		if req.HookEventName == "Notification" {
			out.WriteString("\n\nReply to this message")
		}
	}
	return out.String()
}

// safeFilename maps an arbitrary string onto one usable as a document
// attachment's filename.
func safeFilename(input string) string {
	var b strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "codelatch"
	}
	return b.String()
}

// truncateTail keeps only the last maxChars runes of input.
func truncateTail(input string, maxChars int) string {
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	return string(runes[len(runes)-maxChars:])
}

// latestNonemptyLine returns the last non-blank line of input, used as a
// rough "current task" summary for /peek.
func latestNonemptyLine(input string) string {
	lines := strings.Split(input, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
