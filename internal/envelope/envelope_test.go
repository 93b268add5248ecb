package envelope

import (
	"encoding/json"
	"testing"
)

func TestAllowOutput(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal(AllowOutput(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decision, ok := got["decision"].(map[string]any)
	if !ok {
		t.Fatalf("expected decision object, got %v", got["decision"])
	}
	if decision["behavior"] != BehaviorAllow {
		t.Fatalf("expected behavior=allow, got %v", decision["behavior"])
	}
	if _, hasMessage := decision["message"]; hasMessage {
		t.Fatalf("expected no message field on allow output")
	}
}

func TestDenyOutput_IncludesMessage(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal(DenyOutput("timed out waiting for operator"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decision := got["decision"].(map[string]any)
	if decision["behavior"] != BehaviorDeny {
		t.Fatalf("expected behavior=deny, got %v", decision["behavior"])
	}
	if decision["message"] != "timed out waiting for operator" {
		t.Fatalf("unexpected message: %v", decision["message"])
	}
}

func TestHookEnvelope_RoundTrip(t *testing.T) {
	in := HookEnvelope{
		Version:       Version,
		RequestID:     "req-1",
		SessionID:     "sess-1",
		SessionName:   "repo-abc123",
		TmuxPane:      "%3",
		HookEventName: "PermissionRequest",
		Blocking:      true,
		Cwd:           "/home/user/repo",
		Payload:       json.RawMessage(`{"tool_input":{"command":"rm -rf /tmp/x"}}`),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out HookEnvelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.RequestID != in.RequestID || out.SessionName != in.SessionName || !out.Blocking {
		t.Fatalf("round-trip mismatch: %+v", out)
	}
}
