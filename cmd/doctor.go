package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/plugin"
)

// DoctorCheck is one diagnostic check in `codelatch doctor` output.
type DoctorCheck struct {
	ID         string
	Status     string
	Message    string
	NextAction string
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int
	Warn int
	Fail int
}

const (
	checkIDConfig = "config.present"
	checkIDHooks  = "hooks.installed"
	checkIDDaemon = "daemon.socket"
	checkIDTmux   = "tmux.available"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// doctorInstallHooks and doctorStartDaemon are function-variable seams so
// tests can verify --fix's remediation calls without touching the real
// filesystem or spawning a process.
var (
	doctorInstallHooks = func(binaryPath string) error {
		if err := plugin.InstallHooks(binaryPath); err != nil {
			return err
		}
		return plugin.WritePluginArtifacts(binaryPath)
	}
	doctorStartDaemon = func(socketPath string) error {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		child := exec.Command(exe, "start", "--background")
		return child.Start()
	}
)

// runDoctor evaluates setup checks and, with --fix, attempts remediation
// for hooks and the daemon before printing the final check table. Exit
// code 0 when no failures remain, 1 otherwise.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var fix bool
	fs.BoolVar(&fix, "fix", false, "attempt to repair missing hooks or an unreachable daemon")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: codelatch doctor [--fix]")
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

	if fix && full.IsConfigured() {
		if installed, _ := plugin.HooksInstalled(); !installed {
			if exe, err := os.Executable(); err == nil {
				doctorInstallHooks(exe)
			}
		}
		if !dialSocket(full.SocketPath) {
			doctorStartDaemon(full.SocketPath)
		}
	}

	checks := []DoctorCheck{
		evalConfigPresent(full),
		evalHooksInstalled(),
		evalDaemonSocket(full),
		evalTmuxAvailable(),
	}

	summary := DoctorSummary{}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			summary.Pass++
		case statusWarn:
			summary.Warn++
		case statusFail:
			summary.Fail++
		}
	}

	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "Codelatch Doctor")
	fmt.Fprintln(stdout, "================")
	fmt.Fprintln(stdout, "")
	for _, c := range checks {
		fmt.Fprintf(stdout, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(stdout, "    -> %s\n", c.NextAction)
		}
	}
	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "Summary: %d passed, %d warnings, %d failures\n", summary.Pass, summary.Warn, summary.Fail)
	fmt.Fprintln(stdout, "")

	if summary.Fail > 0 {
		return 1
	}
	return 0
}

func evalConfigPresent(cfg config.Config) DoctorCheck {
	check := DoctorCheck{ID: checkIDConfig}
	if cfg.IsConfigured() {
		check.Status = statusPass
		check.Message = "Telegram bot token and chat id are configured."
		check.NextAction = "No action required."
		return check
	}
	check.Status = statusFail
	check.Message = "Telegram bot token or chat id is missing."
	check.NextAction = "Run `codelatch init` to pair with a Telegram chat."
	return check
}

func evalHooksInstalled() DoctorCheck {
	check := DoctorCheck{ID: checkIDHooks}
	installed, err := plugin.HooksInstalled()
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("could not read assistant settings: %v", err)
		check.NextAction = "Check permissions on ~/.claude/settings.json and rerun."
		return check
	}
	if installed {
		check.Status = statusPass
		check.Message = "Hook commands are installed in the assistant's settings."
		check.NextAction = "No action required."
		return check
	}
	check.Status = statusWarn
	check.Message = "Hook commands are not installed."
	check.NextAction = "Run `codelatch init` or `codelatch doctor --fix` to install them."
	return check
}

func evalDaemonSocket(cfg config.Config) DoctorCheck {
	check := DoctorCheck{ID: checkIDDaemon}
	if dialSocket(cfg.SocketPath) {
		check.Status = statusPass
		check.Message = fmt.Sprintf("Daemon socket is reachable at %s.", cfg.SocketPath)
		check.NextAction = "No action required."
		return check
	}
	check.Status = statusFail
	check.Message = fmt.Sprintf("Daemon socket is unreachable at %s.", cfg.SocketPath)
	check.NextAction = "Run `codelatch start` or `codelatch doctor --fix`."
	return check
}

func evalTmuxAvailable() DoctorCheck {
	check := DoctorCheck{ID: checkIDTmux}
	if exec.Command("tmux", "-V").Run() == nil {
		check.Status = statusPass
		check.Message = "tmux is installed and on PATH."
		check.NextAction = "No action required."
		return check
	}
	check.Status = statusFail
	check.Message = "tmux is not installed or not on PATH."
	check.NextAction = "Install tmux (it hosts every managed session's pane)."
	return check
}

func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
