package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
)

func runStop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, "Usage: codelatch stop") }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
		return 1
	}
	full := cfg.WithDefaults()

	pidPath, err := config.PIDPath()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: resolve pid path: %v\n", err)
		return 1
	}

	if pid, ok := readPIDFile(pidPath); ok {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGINT); err != nil {
				proc.Signal(syscall.SIGTERM)
			}
		}
	}

	for i := 0; i < daemonPollAttempts; i++ {
		if !dialSocket(full.SocketPath) {
			break
		}
		time.Sleep(daemonPollInterval)
	}

	if _, err := os.Stat(full.SocketPath); err == nil {
		os.Remove(full.SocketPath)
	}
	if _, err := os.Stat(pidPath); err == nil {
		os.Remove(pidPath)
	}

	if dialSocket(full.SocketPath) {
		fmt.Fprintln(stderr, "codelatch: daemon is still reachable after stop")
		return 1
	}

	fmt.Fprintln(stdout, "Daemon stopped.")
	return 0
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

