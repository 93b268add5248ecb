package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/envelope"
	"github.com/codelatch/codelatchd/internal/ulid"
)

// maxHookFrameSize mirrors ipcserver.MaxFrameSize; duplicated here rather
// than imported so the hook binary doesn't pull in the server package.
const maxHookFrameSize = 1 << 20

// runHook is invoked once per hook event by the assistant's settings.json
// hook configuration. It forwards stdin as the event payload, blocks only
// for PermissionRequest, and forwards hook_output back to the assistant by
// printing it to stdout.
func runHook(args []string, stdout, stderr io.Writer) int {
	return runHookWithStdin(args, stdout, stderr, os.Stdin)
}

// runHookWithStdin is runHook with the payload source as an explicit
// parameter, so tests can supply a fixed body instead of the process's
// real stdin.
func runHookWithStdin(args []string, stdout, stderr io.Writer, stdin io.Reader) int {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: codelatch hook <event>")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: codelatch hook <event>")
		return 1
	}
	event := fs.Arg(0)
	blocking := event == "PermissionRequest"

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
		return 1
	}
	full := cfg.WithDefaults()

	rawPayload, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: read stdin: %v\n", err)
		return 1
	}
	var payload json.RawMessage
	if trimmedEmpty(rawPayload) {
		payload = json.RawMessage("{}")
	} else {
		payload = json.RawMessage(rawPayload)
	}

	sessionID := os.Getenv("CODELATCH_SESSION_ID")
	if sessionID == "" {
		sessionID = ulid.New()
	}
	sessionName := os.Getenv("CODELATCH_SESSION_NAME")
	if sessionName == "" {
		sessionName = "unmanaged-session"
	}
	tmuxPane := os.Getenv("TMUX_PANE")
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	req := envelope.HookEnvelope{
		Version:       envelope.Version,
		RequestID:     ulid.New(),
		SessionID:     sessionID,
		SessionName:   sessionName,
		TmuxPane:      tmuxPane,
		HookEventName: event,
		Blocking:      blocking,
		Cwd:           cwd,
		Payload:       payload,
	}

	conn, err := net.DialTimeout("unix", full.SocketPath, 3*time.Second)
	if err != nil {
		if blocking {
			fmt.Fprintln(stderr, "codelatch daemon unavailable — denied for safety")
			return 2
		}
		fmt.Fprintf(stderr, "codelatch: daemon unavailable: %v\n", err)
		return 1
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: encode hook envelope: %v\n", err)
		return 1
	}
	if err := writeHookFrame(conn, body); err != nil {
		fmt.Fprintf(stderr, "codelatch: send hook request: %v\n", err)
		return 1
	}

	if !blocking {
		return 0
	}

	if full.HookTimeoutSeconds > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Duration(full.HookTimeoutSeconds) * time.Second))
	}
	respBody, err := readHookFrame(conn)
	if err != nil {
		fmt.Fprintln(stderr, "codelatch daemon closed permission channel — denied for safety")
		return 2
	}

	var resp envelope.HookResponseEnvelope
	if err := json.Unmarshal(respBody, &resp); err != nil {
		fmt.Fprintln(stderr, "codelatch daemon closed permission channel — denied for safety")
		return 2
	}
	fmt.Fprintln(stdout, string(resp.HookOutput))
	return 0
}

func trimmedEmpty(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return false
		}
	}
	return true
}

func writeHookFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readHookFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxHookFrameSize {
		return nil, fmt.Errorf("response frame of %d bytes exceeds %d byte cap", n, maxHookFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
