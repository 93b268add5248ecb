// Package envelope defines the JSON wire contract exchanged between hook
// invocations of the managed assistant and the daemon over the Unix socket.
package envelope

import "encoding/json"

// Version is the current envelope schema version.
const Version = 1

// HookEnvelope is the request frame sent by a hook process to the daemon.
type HookEnvelope struct {
	Version        int             `json:"version"`
	RequestID      string          `json:"request_id"`
	SessionID      string          `json:"session_id"`
	SessionName    string          `json:"session_name"`
	TmuxPane       string          `json:"tmux_pane,omitempty"`
	HookEventName  string          `json:"hook_event_name"`
	Blocking       bool            `json:"blocking"`
	Cwd            string          `json:"cwd"`
	Payload        json.RawMessage `json:"payload"`
}

// HookResponseEnvelope is the response frame returned to a blocking hook
// invocation. HookOutput is forwarded verbatim to stdout by the hook CLI.
type HookResponseEnvelope struct {
	RequestID  string          `json:"request_id"`
	HookOutput json.RawMessage `json:"hook_output"`
}

// PermissionBehavior values match the assistant's hookSpecificOutput schema.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// AllowOutput builds the hook_output JSON approving a permission request.
func AllowOutput() json.RawMessage {
	return mustMarshal(hookSpecificOutput{
		HookEventName: "PermissionRequest",
		Decision: decision{
			Behavior: BehaviorAllow,
		},
	})
}

// DenyOutput builds the hook_output JSON denying a permission request with
// the given operator-facing or timeout-facing message.
func DenyOutput(message string) json.RawMessage {
	return mustMarshal(hookSpecificOutput{
		HookEventName: "PermissionRequest",
		Decision: decision{
			Behavior: BehaviorDeny,
			Message:  message,
		},
	})
}

type hookSpecificOutput struct {
	HookEventName string   `json:"hookEventName"`
	Decision      decision `json:"decision"`
}

type decision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
