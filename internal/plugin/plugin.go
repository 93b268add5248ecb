// Package plugin installs codelatchd's hook commands into the managed
// assistant's settings file and writes standalone plugin manifest
// artifacts, mirroring original_source/src/plugin/mod.rs.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codelatch/codelatchd/internal/config"
)

// hookEvents lists every async hook event codelatchd registers. The
// blocking PermissionRequest hook is registered separately by the caller
// (cmd/init.go), since its matcher/command shape differs from the async
// events here.
var hookEvents = []string{"PostToolUseFailure", "Stop", "SessionStart", "SessionEnd"}

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Async   bool   `json:"async"`
}

type hookGroup struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// BuildHooksJSON renders the hooks object codelatchd installs into
// ~/.claude/settings.json, keyed by hook event name.
func BuildHooksJSON(binaryPath string) map[string][]hookGroup {
	asyncCmd := func(event string) []hookEntry {
		return []hookEntry{{Type: "command", Command: fmt.Sprintf("%s hook %s", binaryPath, event), Async: true}}
	}

	hooks := map[string][]hookGroup{
		"Notification": {
			{Matcher: "elicitation_dialog", Hooks: asyncCmd("Notification")},
			{Matcher: "permission_prompt", Hooks: asyncCmd("Notification")},
		},
	}
	for _, event := range hookEvents {
		hooks[event] = []hookGroup{{Hooks: asyncCmd(event)}}
	}
	return hooks
}

// InstallHooks merges codelatchd's hook commands into the assistant's
// settings.json, preserving any other top-level keys already present.
func InstallHooks(binaryPath string) error {
	settingsPath, err := config.ClaudeSettingsPath()
	if err != nil {
		return fmt.Errorf("resolve claude settings path: %w", err)
	}

	parent := filepath.Dir(settingsPath)
	if err := os.MkdirAll(parent, 0700); err != nil {
		return fmt.Errorf("create claude settings directory %s: %w", parent, err)
	}

	root := map[string]any{}
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("parse existing claude settings %s: %w", settingsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read claude settings %s: %w", settingsPath, err)
	}

	root["hooks"] = BuildHooksJSON(binaryPath)

	serialized, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("encode claude settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, serialized, 0600); err != nil {
		return fmt.Errorf("write claude settings %s: %w", settingsPath, err)
	}
	return nil
}

// HooksInstalled reports whether the assistant's settings.json already
// carries a "hooks" key, used by `codelatch doctor` to flag missing setup.
func HooksInstalled() (bool, error) {
	settingsPath, err := config.ClaudeSettingsPath()
	if err != nil {
		return false, fmt.Errorf("resolve claude settings path: %w", err)
	}
	data, err := os.ReadFile(settingsPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claude settings %s: %w", settingsPath, err)
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return false, fmt.Errorf("parse claude settings %s: %w", settingsPath, err)
	}
	_, ok := root["hooks"]
	return ok, nil
}

// pluginManifest and manifestAuthor mirror the JSON shape original_source
// writes to plugin.json.
type pluginManifest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Author      manifestAuthor `json:"author"`
}

type manifestAuthor struct {
	Name string `json:"name"`
}

type hooksManifest struct {
	Description string                 `json:"description"`
	Hooks       map[string][]hookGroup `json:"hooks"`
}

// WritePluginArtifacts writes standalone plugin.json/hooks.json files under
// the data directory's plugin/ subfolder, usable by a marketplace-style
// plugin installer independent of settings.json merging.
func WritePluginArtifacts(binaryPath string) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	pluginDir := filepath.Join(dataDir, "plugin")
	if err := os.MkdirAll(pluginDir, 0700); err != nil {
		return fmt.Errorf("create plugin directory %s: %w", pluginDir, err)
	}

	manifest := pluginManifest{
		Name:        "codelatch",
		Description: "Remote supervision for a managed terminal coding assistant via Telegram",
		Version:     "0.1.0",
		Author:      manifestAuthor{Name: "codelatch"},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plugin manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin.json"), manifestJSON, 0600); err != nil {
		return fmt.Errorf("write plugin.json: %w", err)
	}

	hooks := hooksManifest{
		Description: "Codelatch remote supervision hooks",
		Hooks:       BuildHooksJSON(binaryPath),
	}
	hooksJSON, err := json.MarshalIndent(hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hooks manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "hooks.json"), hooksJSON, 0600); err != nil {
		return fmt.Errorf("write hooks.json: %w", err)
	}
	return nil
}
