package delivery

import (
	"html"
	"strings"

	"dailytrack/internal/catalog"
	"dailytrack/internal/lyrics"
	"dailytrack/internal/transport/telegram"
)

const (
	captionLimit  = 1024
	lyricsLines   = 6
	emptyNotice   = "❌ No suitable track could be found for your genres right now. Try again later or change your genres."
	noGenreNotice = "❌ You have no genres set, so no track could be picked."
)

// FormatMessage renders the HTML message for a track. snippet may be empty.
func FormatMessage(t catalog.Track, snippet string) string {
	var b strings.Builder
	b.WriteString("🎵 <b>")
	b.WriteString(html.EscapeString(t.Title))
	b.WriteString("</b>\n🎤 ")
	b.WriteString(html.EscapeString(t.ArtistLine()))
	b.WriteString("\n")
	if t.Album != "" {
		b.WriteString("💿 ")
		b.WriteString(html.EscapeString(t.Album))
		b.WriteString("\n")
	}
	b.WriteString("⏱ ")
	b.WriteString(t.Duration())
	b.WriteString("\n")

	var links []string
	if t.SpotifyURL != "" {
		links = append(links, "🎧 <a href='"+html.EscapeString(t.SpotifyURL)+"'>Spotify</a>")
	}
	if t.PreviewURL != "" {
		links = append(links, "<a href='"+html.EscapeString(t.PreviewURL)+"'>Preview</a>")
	}
	if len(links) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(links, " | "))
		b.WriteString("\n")
	}
	if snippet = strings.TrimSpace(snippet); snippet != "" {
		b.WriteString("\n📝 Lyrics:\n<i>")
		b.WriteString(html.EscapeString(snippet))
		b.WriteString("</i>")
	}
	return strings.TrimSpace(b.String())
}

// FormatCaption renders the message within the audio caption limit. When the
// full message is too long the lyrics go first, then the whole text is cut.
func FormatCaption(t catalog.Track, snippet string) string {
	msg := FormatMessage(t, snippet)
	if len([]rune(msg)) <= captionLimit {
		return msg
	}
	msg = FormatMessage(t, "")
	if len([]rune(msg)) <= captionLimit {
		return msg
	}
	// Drop markup so a cut can never leave an unbalanced tag.
	bare := t
	bare.SpotifyURL, bare.PreviewURL = "", ""
	plain := strings.NewReplacer("<b>", "", "</b>", "").Replace(FormatMessage(bare, ""))
	return trimEscaped(plain, captionLimit)
}

// trimEscaped cuts HTML-escaped text without splitting an entity.
func trimEscaped(s string, limit int) string {
	out := telegram.TrimRunes(s, limit)
	if out == s {
		return s
	}
	body := strings.TrimSuffix(out, "...")
	if amp := strings.LastIndex(body, "&"); amp > strings.LastIndex(body, ";") {
		body = body[:amp]
	}
	return body + "..."
}

func lyricsSnippet(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return lyrics.Snippet(text, lyricsLines)
}
