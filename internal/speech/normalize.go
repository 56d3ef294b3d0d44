package speech

import "strings"

// SentenceSeparator joins sentences in normalized text and chunks.
const SentenceSeparator = ". "

// decorativeGlyphs are the icons the chat responses decorate their text with.
// They read badly through a synthesizer, so they are dropped before chunking.
var decorativeGlyphs = []string{
	"🌤️", "🔍", "📖", "⚠️", "❌", "🌐", "🔑", "💬", "🧠", "😊", "🌟",
	"💫", "👋", "😄", "🧮", "📝", "⏰", "📰", "📅", "📊", "🎵", "🤖",
}

var glyphStripper = func() *strings.Replacer {
	pairs := make([]string, 0, len(decorativeGlyphs)*2)
	for _, g := range decorativeGlyphs {
		pairs = append(pairs, g, "")
	}
	return strings.NewReplacer(pairs...)
}()

// Normalize prepares text for speech. The steps run in a fixed order since
// each one can expose input for the next.
func Normalize(text string) string {
	text = glyphStripper.Replace(text)
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "\n\n", SentenceSeparator)
	text = strings.ReplaceAll(text, "\n", SentenceSeparator)
	text = strings.ReplaceAll(text, "•", "")
	return strings.TrimSpace(text)
}
