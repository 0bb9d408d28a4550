package markdown

import "testing"

func TestEscapeV2(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"punctuation", "Done! (v1.2)", `Done\! \(v1\.2\)`},
		{"formatting chars", "_em_ *bold*", `\_em\_ \*bold\*`},
		{"backslash", `a\b`, `a\\b`},
		{"unicode untouched", "héllo → ok.", `héllo → ok\.`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeV2(tt.in); got != tt.want {
				t.Errorf("EscapeV2(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeV2Preserving(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"inline code kept",
			"run `rm -rf .` now!",
			"run `rm -rf .` now\\!",
		},
		{
			"fenced block kept",
			"see:\n```\nx = a.b\n```\ndone.",
			"see:\n```\nx = a.b\n```\ndone\\.",
		},
		{
			"unterminated fence escaped",
			"oops `broken",
			"oops \\`broken",
		},
		{
			"backslash inside code doubled",
			"`a\\b`",
			"`a\\\\b`",
		},
		{
			"no code at all",
			"just text.",
			`just text\.`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeV2Preserving(tt.in); got != tt.want {
				t.Errorf("EscapeV2Preserving(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
