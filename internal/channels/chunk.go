package channels

import "github.com/mattn/go-runewidth"

// ChunkByWidth splits content into chunks whose display width (accounting
// for wide CJK runes) does not exceed maxWidth, preferring to break on the
// last newline inside the limit. Adapters with a hard per-message length
// cap (Telegram, Discord) chunk outbound text with this instead of a
// byte-length split, since a byte-length split can cut a multi-byte rune in half or
// wildly under/overestimate chat client line width for CJK text.
func ChunkByWidth(content string, maxWidth int) []string {
	if content == "" {
		return nil
	}

	var chunks []string
	runes := []rune(content)

	for len(runes) > 0 {
		width := 0
		cut := len(runes)
		lastNewline := -1

		for i, r := range runes {
			w := runewidth.RuneWidth(r)
			if width+w > maxWidth {
				cut = i
				break
			}
			width += w
			if r == '\n' {
				lastNewline = i + 1
			}
		}

		if cut < len(runes) && lastNewline > 0 {
			cut = lastNewline
		}
		if cut == 0 {
			cut = 1 // always make progress, even on a single over-wide rune
		}

		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}

	return chunks
}
