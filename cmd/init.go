package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/codelatch/codelatchd/internal/config"
	"github.com/codelatch/codelatchd/internal/telegram"
)

// pairingTimeout bounds how long init waits for the operator to send
// /start to the bot before giving up.
const pairingTimeout = 120 * time.Second

// initReadToken and initWaitForStartChat are function-variable seams so
// tests can drive the pairing flow without a real terminal or Telegram API.
var (
	initReadToken = func(stdout io.Writer) (string, error) {
		fmt.Fprint(stdout, "Telegram bot token (from BotFather): ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	initWaitForStartChat = waitForStartChat
	initGetBotUsername   = func(ctx context.Context, client *telegram.Client) (string, error) {
		return client.GetBotUsername(ctx)
	}
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, "Usage: codelatch init") }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: load config: %v\n", err)
		return 1
	}
	full := cfg.WithDefaults()

	token, err := initReadToken(stdout)
	if err != nil || token == "" {
		fmt.Fprintln(stderr, "codelatch: no bot token provided")
		return 1
	}

	client := telegram.NewClient(token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	username, err := initGetBotUsername(ctx, client)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: bot token verification failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Bot verified: @%s\n", username)
	fmt.Fprintf(stdout, "Send /start to @%s now. Waiting up to %s...\n", username, pairingTimeout)

	chatID, err := initWaitForStartChat(client, pairingTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: pairing timed out: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Paired chat_id: %d\n", chatID)

	full.TelegramBotToken = token
	full.TelegramChatID = chatID
	configPath, err := config.DefaultConfigPath()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: resolve config path: %v\n", err)
		return 1
	}
	if err := config.Save(configPath, full); err != nil {
		fmt.Fprintf(stderr, "codelatch: save config: %v\n", err)
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(stderr, "codelatch: resolve own executable path: %v\n", err)
		return 1
	}
	if err := doctorInstallHooks(exe); err != nil {
		fmt.Fprintf(stderr, "codelatch: install hooks: %v\n", err)
		return 1
	}

	daemonReady := runEnsureDaemon(full.SocketPath) == nil

	fmt.Fprintln(stdout, "Paired ✅")
	fmt.Fprintln(stdout, "Hooks installed ✅")
	if daemonReady {
		fmt.Fprintln(stdout, "Daemon running ✅")
	} else {
		fmt.Fprintln(stdout, "Daemon not running yet (run `codelatch start`) ⚠️")
	}
	fmt.Fprintf(stdout, "Config saved at %s\n", configPath)
	return 0
}

// waitForStartChat long-polls for updates until a /start message arrives,
// returning the chat id it came from.
func waitForStartChat(client *telegram.Client, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		updates, err := client.PollUpdates(ctx, 10)
		cancel()
		if err != nil {
			continue
		}
		for _, u := range updates {
			if u.Message != nil && strings.HasPrefix(strings.TrimSpace(u.Message.Text), "/start") {
				return u.Message.Chat.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("no /start message received within %s", timeout)
}
