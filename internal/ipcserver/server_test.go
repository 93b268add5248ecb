package ipcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codelatch/codelatchd/internal/envelope"
)

func tempSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "codelatch.sock")
}

func dialAndSend(t *testing.T, path string, req envelope.HookEnvelope) envelope.HookResponseEnvelope {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	respPayload, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp envelope.HookResponseEnvelope
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestNonBlockingRequest_AcksImmediately(t *testing.T) {
	path := tempSocketPath(t)
	handlerCalled := make(chan struct{}, 1)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		handlerCalled <- struct{}{}
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	resp := dialAndSend(t, path, envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-1",
		SessionID:     "sess-1",
		HookEventName: "Notification",
		Blocking:      false,
	})
	if resp.RequestID != "req-1" {
		t.Fatalf("expected request id echoed, got %q", resp.RequestID)
	}

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked for non-blocking request")
	}
}

func TestBlockingRequest_WaitsForHandlerResult(t *testing.T) {
	path := tempSocketPath(t)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	resp := dialAndSend(t, path, envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-2",
		SessionID:     "sess-1",
		HookEventName: "PermissionRequest",
		Blocking:      true,
	})
	if resp.RequestID != "req-2" {
		t.Fatalf("expected request id echoed, got %q", resp.RequestID)
	}
	var decision struct {
		Decision struct {
			Behavior string `json:"behavior"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(resp.HookOutput, &decision); err != nil {
		t.Fatalf("unmarshal hook output: %v", err)
	}
	if decision.Decision.Behavior != envelope.BehaviorAllow {
		t.Fatalf("expected allow decision, got %q", decision.Decision.Behavior)
	}
}

func TestBlockingRequest_ClientDisconnectCancelsHandlerContext(t *testing.T) {
	path := tempSocketPath(t)
	canceled := make(chan struct{}, 1)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		<-ctx.Done()
		canceled <- struct{}{}
		return nil, ctx.Err()
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     "req-3",
		SessionID:     "sess-1",
		HookEventName: "PermissionRequest",
		Blocking:      true,
	}
	payload, _ := json.Marshal(req)
	if err := writeFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	conn.Close()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler context was never canceled after client disconnect")
	}
}

func TestUnsupportedVersion_RejectedWithErrorResponse(t *testing.T) {
	path := tempSocketPath(t)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		t.Fatalf("handler should not be invoked for a bad version")
		return nil, nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	resp := dialAndSend(t, path, envelope.HookEnvelope{
		Version:       99,
		RequestID:     "req-4",
		HookEventName: "PermissionRequest",
		Blocking:      true,
	})
	var decision struct {
		Decision struct {
			Behavior string `json:"behavior"`
			Message  string `json:"message"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(resp.HookOutput, &decision); err != nil {
		t.Fatalf("unmarshal hook output: %v", err)
	}
	if decision.Decision.Behavior != envelope.BehaviorDeny {
		t.Fatalf("expected deny for unsupported version, got %q", decision.Decision.Behavior)
	}
}

func TestOversizedFrame_Rejected(t *testing.T) {
	path := tempSocketPath(t)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write oversized length prefix: %v", err)
	}

	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection to be closed after oversized frame, but read succeeded")
	}
}

func TestStartTwice_FirstStopsThenSecondSucceeds(t *testing.T) {
	path := tempSocketPath(t)
	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected socket file removed after stop")
	}

	srv2 := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv2.Start(); err != nil {
		t.Fatalf("second start after clean stop: %v", err)
	}
	defer srv2.Stop()
}

func TestStaleSocketFile_IsRemovedOnStart(t *testing.T) {
	path := tempSocketPath(t)
	// Simulate a stale socket file left behind by a crashed process: a
	// regular file would fail ensureSocketAvailable's socket-type check,
	// so instead create and immediately abandon a real listener.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("create stale listener: %v", err)
	}
	// Close without removing the socket file to simulate a crash.
	l.Close()

	srv := New(path, func(ctx context.Context, req envelope.HookEnvelope) (json.RawMessage, error) {
		return envelope.AllowOutput(), nil
	}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("expected stale socket to be cleaned up, got error: %v", err)
	}
	defer srv.Stop()
}
