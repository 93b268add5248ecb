package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/storage"
)

func runSessions(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var includeEnded bool
	fs.BoolVar(&includeEnded, "all", false, "include ended sessions")
	fs.Usage = func() { fmt.Fprintln(stderr, "Usage: codelatch sessions [--all]") }
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

	store, err := storage.Open(full.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	sessions, err := store.ListSessions(!includeEnded)
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: list sessions: %v\n", err)
		return 1
	}

	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No tracked sessions yet.")
		return 0
	}

	for _, s := range sessions {
		fmt.Fprintf(stdout, "%s (%s) | %s | pane=%s | last_seen=%s\n",
			s.Name, s.SessionID, s.Cwd, s.TmuxPane, s.LastSeenAt.Format(time.RFC3339))
	}
	return 0
}
