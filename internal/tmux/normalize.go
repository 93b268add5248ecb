package tmux

import "regexp"

// ansiEscape matches CSI/OSC-style escape sequences: ESC followed by '['
// or ']' and a run of parameter/intermediate bytes up to a final byte.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// NormalizeTerminalText strips ANSI escape sequences and other control
// characters from captured pane output while preserving tabs, carriage
// returns, and newlines, so the text is safe to redact and render in a
// chat message without stray cursor-movement artifacts.
func NormalizeTerminalText(input string) string {
	stripped := ansiEscape.ReplaceAllString(input, "")

	out := make([]rune, 0, len(stripped))
	for _, r := range stripped {
		switch r {
		case '\t', '\r', '\n':
			out = append(out, r)
		default:
			if r < 0x20 || r == 0x7f {
				continue
			}
			out = append(out, r)
		}
	}
	return string(out)
}
