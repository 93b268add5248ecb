package main

import (
	"testing"

	"github.com/codelatch/codelatchd/internal/config"
)

// writeTestConfig saves a minimally-configured config file under the
// current HOME (set by the caller via t.Setenv), so commands that require
// IsConfigured() to be true can run without the interactive init flow.
func writeTestConfig(t *testing.T) config.Config {
	t.Helper()
	path, err := config.DefaultConfigPath()
	if err != nil {
		t.Fatalf("resolve default config path: %v", err)
	}
	cfg := config.Config{
		TelegramBotToken: "test-token",
		TelegramChatID:   12345,
	}.WithDefaults()
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save test config: %v", err)
	}
	return cfg
}
