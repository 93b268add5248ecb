package telegram

import "strings"

// escapeText escapes every character MarkdownV2 treats as special when it
// appears in plain (non-code) text.
func escapeText(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes the two characters significant inside a MarkdownV2
// code span or code block: backslash and backtick.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "`", "\\`")
	return s
}

// InlineCode renders s as a MarkdownV2 inline code span.
func InlineCode(s string) string {
	return "`" + escapeCode(s) + "`"
}

// CodeBlock renders s as a fenced MarkdownV2 code block, optionally tagged
// with a language for syntax highlighting (e.g. "diff").
func CodeBlock(language, s string) string {
	return "```" + language + "\n" + escapeCode(s) + "\n```"
}

// EscapeText exposes escapeText for callers building message bodies
// outside this package.
func EscapeText(s string) string {
	return escapeText(s)
}
