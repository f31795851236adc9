// Package promptfmt builds the XML-escaped prompt envelope the bridge
// feeds into an agent's stdin, and strips the <internal>...</internal>
// scratch-space markers agents may leave in their replies before those
// replies go out to a chat.
package promptfmt

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"github.com/clawbridge/clawbridge/internal/store"
)

// BuildPrompt renders messages as a <messages><message from=... ts=...>
// <content>...</content></message></messages> envelope.
func BuildPrompt(messages []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>")
	for _, m := range messages {
		from := m.SenderName
		if from == "" {
			from = m.SenderID
		}
		b.WriteString(`<message from="`)
		xml.EscapeText(&b, []byte(from))
		b.WriteString(`" ts="`)
		b.WriteString(strconv.FormatInt(m.Timestamp, 10))
		b.WriteString(`"><content>`)
		xml.EscapeText(&b, []byte(m.Content))
		b.WriteString(`</content></message>`)
	}
	b.WriteString("</messages>")
	return b.String()
}

var internalTagRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> scratch-space blocks from
// an agent's reply before it is sent to a channel.
func StripInternal(reply string) string {
	return strings.TrimSpace(internalTagRe.ReplaceAllString(reply, ""))
}
