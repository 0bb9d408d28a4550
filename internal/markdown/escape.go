// Package markdown prepares model output for Telegram's MarkdownV2
// parse mode.
package markdown

import "strings"

// v2Special is every character MarkdownV2 requires escaping outside of
// entities.
const v2Special = `_*[]()~` + "`" + `>#+-=|{}.!\`

// EscapeV2 escapes all MarkdownV2 special characters so arbitrary text
// can be sent verbatim.
func EscapeV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if r < 128 && strings.ContainsRune(v2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeV2Preserving escapes special characters outside fenced and
// inline code spans, leaving backtick-delimited content intact so code
// the model writes still renders as code.
func EscapeV2Preserving(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)

	rest := s
	for {
		idx := strings.IndexByte(rest, '`')
		if idx < 0 {
			b.WriteString(EscapeV2(rest))
			return b.String()
		}

		delim := "`"
		if strings.HasPrefix(rest[idx:], "```") {
			delim = "```"
		}
		end := strings.Index(rest[idx+len(delim):], delim)
		if end < 0 {
			// Unterminated span: escape everything including the fence.
			b.WriteString(EscapeV2(rest))
			return b.String()
		}

		b.WriteString(EscapeV2(rest[:idx]))
		span := rest[idx : idx+len(delim)+end+len(delim)]
		b.WriteString(escapeInsideCode(span, delim))
		rest = rest[idx+len(span):]
	}
}

// escapeInsideCode escapes only backslashes and backticks within the
// span body, which is all MarkdownV2 requires inside code entities.
func escapeInsideCode(span, delim string) string {
	body := span[len(delim) : len(span)-len(delim)]
	body = strings.ReplaceAll(body, `\`, `\\`)
	if delim == "`" {
		body = strings.ReplaceAll(body, "`", "\\`")
	}
	return delim + body + delim
}
