package reconcile

import (
	"strings"
	"time"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/internal/strescape"
)

const (
	previewLen      = 50
	previewEllipsis = "…"
)

func nonEmpty(ss ...string) (string, bool) {
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

// ExtractContent returns the text summary of a message. The first matching
// kind wins: plain text, extended text, media caption, media placeholder and
// finally contact or location placeholders. ok is false for messages without
// displayable content.
func ExtractContent(m *clientintf.MessageContent) (content string, ok bool) {
	if m == nil {
		return "", false
	}
	if s, ok := nonEmpty(m.Conversation); ok {
		return s, true
	}
	if m.ExtendedText != nil {
		if s, ok := nonEmpty(m.ExtendedText.Text); ok {
			return s, true
		}
	}
	for _, media := range []*clientintf.MediaMessage{m.Image, m.Video, m.Document} {
		if media == nil {
			continue
		}
		if s, ok := nonEmpty(media.Caption); ok {
			return s, true
		}
	}

	switch {
	case m.Image != nil:
		return "📷 Photo", true
	case m.Video != nil:
		return "🎥 Video", true
	case m.Audio != nil:
		return "🎵 Audio", true
	case m.Document != nil:
		name, _ := nonEmpty(m.Document.FileName, "Document")
		return "📄 " + name, true
	case m.Sticker != nil:
		return "Sticker", true
	case m.Contact != nil:
		name, _ := nonEmpty(m.Contact.DisplayName, "Contact")
		return "👤 " + name, true
	case m.Location != nil:
		name, _ := nonEmpty(m.Location.Name, m.Location.Address, "Location")
		return "📍 " + name, true
	}
	return "", false
}

// Preview returns the conversation preview of a message content: line breaks
// are collapsed to spaces and the result is truncated to 50 characters.
func Preview(content string) string {
	content = strescape.Content(strescape.CannonicalizeNL(content))
	content = strings.Join(strings.FieldsFunc(content, func(r rune) bool {
		return r == '\n'
	}), " ")
	content = strings.TrimSpace(content)

	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return strings.TrimRight(string(runes[:previewLen]), " ") + previewEllipsis
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ActivityLabel returns the human label of a timestamp relative to now.
func ActivityLabel(ts, now time.Time) string {
	if ts.IsZero() {
		return ""
	}
	ts = ts.In(now.Location())
	switch {
	case sameDay(ts, now):
		return ts.Format("15:04")
	case sameDay(ts, now.AddDate(0, 0, -1)):
		return "Yesterday"
	case ts.Before(now) && now.Sub(ts) < 7*24*time.Hour:
		return ts.Weekday().String()
	}
	return ts.Format("Jan 2, 2006")
}
