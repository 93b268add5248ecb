package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/plugin"
	"github.com/codelatch/codelatchd/internal/telegram"
)

// runStatus prints a quick, human-facing readiness snapshot: hooks, socket,
// PID file, tmux, and Telegram auth. For a structured check table with
// remediation, see `codelatch doctor`.
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, "Usage: codelatch status") }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
		return 1
	}
	full := cfg.WithDefaults()
	if !full.IsConfigured() {
		fmt.Fprintln(stderr, "codelatch: not configured; run `codelatch init` first")
		return 1
	}

	ready := true
	fmt.Fprintln(stdout, "Status:")

	if installed, err := plugin.HooksInstalled(); err == nil && installed {
		fmt.Fprintln(stdout, "✅ Hooks installed")
	} else {
		ready = false
		fmt.Fprintln(stdout, "⚠️ Hooks not installed")
	}

	if dialSocket(full.SocketPath) {
		fmt.Fprintln(stdout, "✅ Daemon socket reachable")
	} else {
		ready = false
		fmt.Fprintf(stdout, "⚠️ Daemon socket unreachable (%s)\n", full.SocketPath)
	}

	if pidPath, err := config.PIDPath(); err == nil {
		if data, err := os.ReadFile(pidPath); err == nil {
			fmt.Fprintf(stdout, "✅ PID file present (%s)\n", strings.TrimSpace(string(data)))
		} else {
			ready = false
			fmt.Fprintf(stdout, "⚠️ PID file missing (%s)\n", pidPath)
		}
	}

	if exec.Command("tmux", "-V").Run() == nil {
		fmt.Fprintln(stdout, "✅ tmux available")
	} else {
		ready = false
		fmt.Fprintln(stdout, "⚠️ tmux not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := telegram.NewClient(full.TelegramBotToken)
	if username, err := client.GetBotUsername(ctx); err == nil {
		fmt.Fprintf(stdout, "✅ Telegram auth ok (@%s)\n", username)
	} else {
		ready = false
		fmt.Fprintln(stdout, "⚠️ Telegram auth failed")
	}

	if ready {
		fmt.Fprintln(stdout, "✅ Ready")
	} else {
		fmt.Fprintln(stdout, "⚠️ Not ready (run `codelatch doctor --fix`)")
	}
	return 0
}
