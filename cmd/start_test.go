package main

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/codelatch/codelatchd/internal/config"
)

func TestRunStart_FailsWhenNotConfigured(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	code := runStart(nil, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1 when unconfigured, got %d", code)
	}
	if !strings.Contains(stderr.String(), "codelatch init") {
		t.Fatalf("expected guidance to run init, got %q", stderr.String())
	}
}

func TestRunStart_ReportsAlreadyRunningWithoutSpawning(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := writeTestConfig(t)
	socketPath := home + "/codelatch.sock"
	cfg.SocketPath = socketPath
	savePath, _ := config.DefaultConfigPath()
	config.Save(savePath, cfg)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	var stdout, stderr bytes.Buffer
	code := runStart(nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Daemon already running.") {
		t.Fatalf("expected already-running message, got %q", stdout.String())
	}
}
