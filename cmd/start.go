package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/ipcserver"
	"github.com/codelatch/codelatchd/internal/metrics"
	"github.com/codelatch/codelatchd/internal/redact"
	"github.com/codelatch/codelatchd/internal/router"
	"github.com/codelatch/codelatchd/internal/storage"
	"github.com/codelatch/codelatchd/internal/supervisor"
	"github.com/codelatch/codelatchd/internal/telegram"
	"github.com/codelatch/codelatchd/internal/timeoutmgr"
	"github.com/codelatch/codelatchd/internal/tmux"
)

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var foreground, background bool
	fs.BoolVar(&foreground, "foreground", false, "")
	fs.BoolVar(&background, "background", false, "")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: codelatch start")
	}
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

	if foreground {
		if err := runDaemon(full, stdout); err != nil {
			fmt.Fprintf(stderr, "codelatch: %v\n", err)
			return 1
		}
		return 0
	}

	if dialSocket(full.SocketPath) {
		fmt.Fprintln(stdout, "Daemon already running.")
		return 0
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: resolve own executable path: %v\n", err)
		return 1
	}
	child := exec.Command(exe, "start", "--foreground")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		fmt.Fprintf(stderr, "codelatch: spawn daemon: %v\n", err)
		return 1
	}

	for i := 0; i < daemonPollAttempts; i++ {
		if dialSocket(full.SocketPath) {
			fmt.Fprintln(stdout, "Daemon started.")
			return 0
		}
		time.Sleep(daemonPollInterval)
	}

	if _, statErr := os.Stat(full.SocketPath); statErr == nil {
		fmt.Fprintln(stderr, "codelatch: daemon socket exists but is not accepting connections")
		return 1
	}
	fmt.Fprintln(stderr, "codelatch: daemon did not start within the expected time")
	return 1
}

// runDaemon wires every long-lived component together and blocks until a
// shutdown signal arrives. It is the body of `codelatch start --foreground`.
func runDaemon(cfg config.Config, stdout io.Writer) error {
	logger := log.New(stdout, "codelatchd: ", log.LstdFlags)

	pidPath, err := config.PIDPath()
	if err != nil {
		return fmt.Errorf("resolve pid path: %w", err)
	}
	sup, err := supervisor.Acquire(pidPath)
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			return fmt.Errorf("daemon already running")
		}
		return fmt.Errorf("acquire pid lock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		sup.Shutdown()
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		sup.Shutdown()
		return fmt.Errorf("open store: %w", err)
	}
	sup.OnShutdown("store", func(ctx context.Context) error { return store.Close() })

	chat := telegram.NewClient(cfg.TelegramBotToken)
	term := tmux.New()
	m := metrics.New()
	redactor := redact.New().WithCounter(m)
	if len(cfg.RedactionAdditionalPatterns) > 0 {
		var rerr error
		redactor, rerr = redactor.WithAdditionalPatterns(cfg.RedactionAdditionalPatterns)
		if rerr != nil {
			sup.Shutdown()
			return fmt.Errorf("compile additional redaction patterns: %w", rerr)
		}
	}
	if cfg.RedactionDisabled {
		redactor = redactor.Disable()
	}

	// timeoutmgr's resolver must reference the router instance it's handed
	// into, so the closure captures r and is only invoked once r is set.
	var r *router.Router
	timeouts := timeoutmgr.New(func(requestID string) { r.ResolveTimeout(requestID) })
	r = router.New(store, chat, term, redactor, timeouts, m, cfg, logger)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = r.RecoverOnStartup(startupCtx)
	startupCancel()
	if err != nil {
		sup.Shutdown()
		return fmt.Errorf("startup recovery: %w", err)
	}

	server := ipcserver.New(cfg.SocketPath, r.HandleHookRequest, logger)
	if err := server.Start(); err != nil {
		sup.Shutdown()
		return fmt.Errorf("start ipc server: %w", err)
	}
	sup.OnShutdown("ipc-server", func(ctx context.Context) error { return server.Stop() })

	pollCtx, pollCancel := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		runTelegramPollLoop(pollCtx, chat, r, logger)
	}()
	sup.OnShutdown("telegram-poll", func(ctx context.Context) error {
		pollCancel()
		select {
		case <-pollDone:
		case <-ctx.Done():
		}
		return nil
	})

	watcher, err := config.WatchFile(mustConfigPath(), func(newCfg config.Config) {
		r.UpdateConfig(newCfg)
		if rerr := redactor.Reconfigure(!newCfg.RedactionDisabled, newCfg.RedactionAdditionalPatterns); rerr != nil {
			logger.Printf("config reloaded, but kept the previous redaction ruleset: %v", rerr)
			return
		}
		logger.Printf("config reloaded")
	})
	if err == nil {
		sup.OnShutdown("config-watcher", func(ctx context.Context) error { return watcher.Close() })
	}

	logger.Printf("daemon ready, pid=%d socket=%s", os.Getpid(), cfg.SocketPath)
	sig := sup.WaitForSignal()
	logger.Printf("received %s, shutting down", sig)
	logger.Printf("final metrics snapshot:\n%s", m.Snapshot())
	return nil
}

func runTelegramPollLoop(ctx context.Context, chat *telegram.Client, r *router.Router, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := chat.PollUpdates(ctx, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("telegram poll error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, u := range updates {
			r.HandleUpdate(ctx, u)
		}
	}
}

func mustConfigPath() string {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return ""
	}
	return path
}
