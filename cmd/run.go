package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/tmux"
	"github.com/codelatch/codelatchd/internal/ulid"
)

// daemonPollAttempts/daemonPollInterval bound how long run/start wait for
// the daemon socket to come up after spawning a background process.
const (
	daemonPollAttempts = 50
	daemonPollInterval = 100 * time.Millisecond
)

// runEnsureTmux and runEnsureDaemon are function-variable seams so tests
// can exercise flag parsing and session naming without a real tmux binary
// or daemon process.
var (
	runEnsureTmux      = ensureTmuxOnPath
	runEnsureDaemon    = ensureDaemonRunning
	runNewTmuxAdapter  = func() tmuxCreator { return tmux.New() }
)

type tmuxCreator interface {
	CreateSession(sessionName, cwd, command string) error
}

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var noAttach bool
	fs.BoolVar(&noAttach, "no-attach", false, "create the session without attaching to it")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: codelatch run [--no-attach] [-- <assistant args>...]")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	claudeArgs := fs.Args()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
		return 1
	}
	full := cfg.WithDefaults()
	if !full.IsConfigured() {
		fmt.Fprintln(stdout, "First run detected. Starting guided setup...")
		if code := runInit(nil, stdout, stderr); code != 0 {
			return code
		}
		cfg, err = config.Load("")
		if err != nil {
			fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
			return 1
		}
		full = cfg.WithDefaults()
		if !full.IsConfigured() {
			fmt.Fprintln(stderr, "codelatch: still not configured after setup")
			return 1
		}
	}

	if err := runEnsureTmux(); err != nil {
		fmt.Fprintf(stderr, "codelatch: %v\n", err)
		return 1
	}
	if err := runEnsureDaemon(full.SocketPath); err != nil {
		fmt.Fprintf(stderr, "codelatch: %v\n", err)
		return 1
	}

	sessionID := ulid.New()
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: determine working directory: %v\n", err)
		return 1
	}
	repoName := filepath.Base(cwd)
	if repoName == "" || repoName == "." || repoName == "/" {
		repoName = "project"
	}
	sessionName := fmt.Sprintf("%s-%s", repoName, ulid.Suffix(sessionID, 6))
	tmuxSession := fmt.Sprintf("codelatch:%s:%s", sessionName, sessionID)

	launchCommand := fmt.Sprintf(
		"CODELATCH_SESSION_ID=%s CODELATCH_SESSION_NAME=%s CODELATCH_SOCKET=%s %s",
		shellQuote(sessionID), shellQuote(sessionName), shellQuote(full.SocketPath), buildAssistantCommand(claudeArgs),
	)

	adapter := runNewTmuxAdapter()
	if err := adapter.CreateSession(tmuxSession, cwd, launchCommand); err != nil {
		fmt.Fprintf(stderr, "codelatch: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Started managed session: %s\n", sessionName)
	fmt.Fprintf(stdout, "tmux session: %s\n", tmuxSession)

	if noAttach {
		return 0
	}

	attach := exec.Command("tmux", "attach", "-t", tmuxSession)
	attach.Stdin = os.Stdin
	attach.Stdout = os.Stdout
	attach.Stderr = os.Stderr
	if err := attach.Run(); err != nil {
		fmt.Fprintf(stderr, "codelatch: attach to tmux session: %v\n", err)
		return 1
	}
	return 0
}

func buildAssistantCommand(args []string) string {
	if len(args) == 0 {
		return "claude"
	}
	var b strings.Builder
	b.WriteString("claude")
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

// shellQuote wraps value in single quotes, escaping any embedded single
// quote, so it survives as one literal argument in the injected shell
// command line.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	escaped := strings.ReplaceAll(value, "'", `'"'"'`)
	return "'" + escaped + "'"
}

func ensureTmuxOnPath() error {
	cmd := exec.Command("tmux", "-V")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux is not installed or not on PATH")
	}
	return nil
}

// ensureDaemonRunning checks whether the daemon is already listening and,
// if not, spawns a detached background daemon and polls for the socket.
func ensureDaemonRunning(socketPath string) error {
	if dialSocket(socketPath) {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}
	child := exec.Command(exe, "start", "--background")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn background daemon: %w", err)
	}

	for i := 0; i < daemonPollAttempts; i++ {
		if dialSocket(socketPath) {
			return nil
		}
		time.Sleep(daemonPollInterval)
	}
	return fmt.Errorf("daemon did not become ready within %s", time.Duration(daemonPollAttempts)*daemonPollInterval)
}

func dialSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
