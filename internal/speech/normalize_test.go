package speech

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Hello world. This is Darek.", want: "Hello world. This is Darek."},
		{name: "glyph and paragraph", in: "🌟 Great job!\n\nKeep going.", want: "Great job!. Keep going."},
		{name: "emphasis", in: "**Weather** is sunny", want: "Weather is sunny"},
		{name: "line breaks", in: "one\ntwo\n\nthree", want: "one. two. three"},
		{name: "bullets", in: "Todo:\n• milk\n• eggs", want: "Todo:.  milk.  eggs"},
		{name: "variation selector glyph", in: "🌤️ 21°C in Oslo", want: "21°C in Oslo"},
		{name: "only glyphs", in: "🤖 🧠", want: ""},
		{name: "surrounding whitespace", in: "  hi \t", want: "hi"},
		{name: "leading newline", in: "\nhi", want: ". hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeStripsMarkup(t *testing.T) {
	inputs := []string{
		"**bold** and ****quad****",
		"🔍 Searching...\n📖 Found:\n\n**Go** is a language",
		"⚠️ Error\r\n❌ failed",
		"• one\n• two\n\n\n• three",
		strings.Repeat("💬 line\n", 20),
	}
	for _, in := range inputs {
		out := Normalize(in)
		if strings.Contains(out, "**") {
			t.Fatalf("emphasis left in %q", out)
		}
		if strings.Contains(out, "\n") {
			t.Fatalf("newline left in %q", out)
		}
		for _, g := range decorativeGlyphs {
			if strings.Contains(out, g) {
				t.Fatalf("glyph %q left in %q", g, out)
			}
		}
		if out != strings.TrimSpace(out) {
			t.Fatalf("output not trimmed: %q", out)
		}
	}
}
