// Package config loads codelatchd's TOML configuration file and layers it
// with environment variables and defaults. The configuration file lives at
// ~/.config/codelatch/config.toml by default, but can be overridden with
// the --config flag. Layering order, lowest to highest precedence:
// built-in defaults, config file, CODELATCH_-prefixed environment
// variables, explicit CLI flags (applied by the caller after Load).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of the daemon and CLI. Field names use Go
// camelCase internally but map to snake_case in TOML files via struct tags.
type Config struct {
	// TelegramBotToken authenticates outbound calls to the Telegram Bot API.
	// Required before the daemon will relay anything.
	TelegramBotToken string `toml:"telegram_bot_token"`

	// TelegramChatID is the single chat id authorized to approve/deny
	// requests and receive events. Messages from any other chat are ignored.
	TelegramChatID int64 `toml:"telegram_chat_id"`

	// AutoDenySeconds is how long a permission request waits for an
	// operator decision before it is force-denied. Default: 600.
	AutoDenySeconds int `toml:"auto_deny_seconds"`

	// HookTimeoutSeconds bounds how long a blocking hook invocation will
	// wait on its socket read before giving up locally. Default: 3600.
	HookTimeoutSeconds int `toml:"hook_timeout_seconds"`

	// ContextLines is the number of pane lines captured for /peek and for
	// permission-request context. Default: 15.
	ContextLines int `toml:"context_lines"`

	// MaxInlineLength is the Telegram message body size above which
	// content is sent as a document attachment instead. Default: 4096.
	MaxInlineLength int `toml:"max_inline_length"`

	// SocketPath is the Unix domain socket the daemon listens on for hook
	// connections. Defaults to $XDG_RUNTIME_DIR/codelatch.sock, falling
	// back to /tmp/codelatch.sock.
	SocketPath string `toml:"socket_path"`

	// DBPath is the SQLite database file tracking sessions, pending
	// requests, and reply routes.
	DBPath string `toml:"db_path"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info.
	LogLevel string `toml:"log_level"`

	// SessionsIncludeEnded controls whether /sessions lists recently-ended
	// sessions alongside active ones. Default: false (active only), so
	// the zero value is already the right default.
	SessionsIncludeEnded bool `toml:"sessions_include_ended"`

	// QuestionTimeoutSeconds bounds how long a question (non-blocking
	// elicitation) stays waiting before it is marked expired. Zero means
	// questions never expire on their own. Default: 0 (disabled).
	QuestionTimeoutSeconds int `toml:"question_timeout_seconds"`

	// RedactionDisabled turns off secret-shaped pattern matching entirely.
	// Zero value (false) keeps redaction on, matching SessionsIncludeEnded's
	// zero-is-the-safe-default convention.
	RedactionDisabled bool `toml:"redaction_disabled"`

	// RedactionAdditionalPatterns are extra regular expressions applied
	// alongside the built-in secret patterns; each whole match is replaced
	// with redact.Marker. Invalid regexes are rejected by Validate.
	RedactionAdditionalPatterns []string `toml:"redaction_additional_patterns"`
}

// Validate reports invalid field combinations that TOML decoding alone
// cannot catch.
func (c *Config) Validate() error {
	if c.AutoDenySeconds < 0 {
		return fmt.Errorf("auto_deny_seconds must be non-negative, got %d", c.AutoDenySeconds)
	}
	if c.HookTimeoutSeconds < 0 {
		return fmt.Errorf("hook_timeout_seconds must be non-negative, got %d", c.HookTimeoutSeconds)
	}
	if c.ContextLines < 0 {
		return fmt.Errorf("context_lines must be non-negative, got %d", c.ContextLines)
	}
	if c.MaxInlineLength < 0 {
		return fmt.Errorf("max_inline_length must be non-negative, got %d", c.MaxInlineLength)
	}
	for _, expr := range c.RedactionAdditionalPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("redaction_additional_patterns %q: %w", expr, err)
		}
	}
	return nil
}

// IsConfigured reports whether enough is present to start relaying events.
func (c *Config) IsConfigured() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// WithDefaults returns a copy of c with zero-valued fields filled in from
// built-in defaults, including paths that depend on the user's home or
// runtime directory.
func (c Config) WithDefaults() Config {
	out := c
	if out.AutoDenySeconds == 0 {
		out.AutoDenySeconds = 600
	}
	if out.HookTimeoutSeconds == 0 {
		out.HookTimeoutSeconds = 3600
	}
	if out.ContextLines == 0 {
		out.ContextLines = 15
	}
	if out.MaxInlineLength == 0 {
		out.MaxInlineLength = 4096
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	if out.SocketPath == "" {
		out.SocketPath = defaultSocketPath()
	}
	if out.DBPath == "" {
		if dir, err := DataDir(); err == nil {
			out.DBPath = filepath.Join(dir, "codelatch.db")
		}
	}
	return out
}

// ApplyEnv overlays CODELATCH_-prefixed environment variables onto c,
// taking precedence over whatever was loaded from the config file.
func (c Config) ApplyEnv(environ []string) Config {
	out := c
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(name, "CODELATCH_") {
			continue
		}
		key := strings.TrimPrefix(name, "CODELATCH_")
		switch key {
		case "TELEGRAM_BOT_TOKEN":
			out.TelegramBotToken = value
		case "TELEGRAM_CHAT_ID":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				out.TelegramChatID = id
			}
		case "AUTO_DENY_SECONDS":
			if n, err := strconv.Atoi(value); err == nil {
				out.AutoDenySeconds = n
			}
		case "HOOK_TIMEOUT_SECONDS":
			if n, err := strconv.Atoi(value); err == nil {
				out.HookTimeoutSeconds = n
			}
		case "CONTEXT_LINES":
			if n, err := strconv.Atoi(value); err == nil {
				out.ContextLines = n
			}
		case "MAX_INLINE_LENGTH":
			if n, err := strconv.Atoi(value); err == nil {
				out.MaxInlineLength = n
			}
		case "SOCKET_PATH":
			out.SocketPath = value
		case "DB_PATH":
			out.DBPath = value
		case "LOG_LEVEL":
			out.LogLevel = value
		case "SESSIONS_INCLUDE_ENDED":
			out.SessionsIncludeEnded = value == "1" || strings.EqualFold(value, "true")
		case "QUESTION_TIMEOUT_SECONDS":
			if n, err := strconv.Atoi(value); err == nil {
				out.QuestionTimeoutSeconds = n
			}
		case "REDACTION_DISABLED":
			out.RedactionDisabled = value == "1" || strings.EqualFold(value, "true")
		case "REDACTION_ADDITIONAL_PATTERNS":
			if value == "" {
				out.RedactionAdditionalPatterns = nil
			} else {
				out.RedactionAdditionalPatterns = strings.Split(value, ",")
			}
		}
	}
	return out
}

// ConfigDir returns ~/.config/codelatch.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "codelatch"), nil
}

// DataDir returns ~/.local/share/codelatch.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "codelatch"), nil
}

// DefaultConfigPath returns the default config file location:
// ~/.config/codelatch/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PIDPath returns the default daemon PID file location.
func PIDPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "codelatchd.pid"), nil
}

// ClaudeSettingsPath returns the path to the managed assistant's hook
// settings file, ~/.claude/settings.json.
func ClaudeSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "settings.json"), nil
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "codelatch.sock")
	}
	return "/tmp/codelatch.sock"
}

// WriteDefault creates a config file with placeholder Telegram credentials
// at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# codelatch configuration
# Run 'codelatch init' to fill in Telegram credentials interactively.

telegram_bot_token = ""
telegram_chat_id = 0
auto_deny_seconds = 600
hook_timeout_seconds = 3600
context_lines = 15
max_inline_length = 4096
`

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Save writes cfg to path as TOML with restrictive permissions, overwriting
// any existing file.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.config/codelatch/config.toml). Returns an empty Config without
//     error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
