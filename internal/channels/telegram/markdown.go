package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Telegram's HTML parse mode accepts a small tag set. Conversion is
// deterministic: code spans are lifted out behind placeholders first so
// the bold/italic/link passes can never rewrite characters inside code,
// then restored already-escaped at the end.

var (
	mdBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+?)\*`)
	mdUnder  = regexp.MustCompile(`(^|[^_\w])_([^_\n]+?)_`)
	mdLink   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
)

const (
	blockToken  = "\x00CB%d\x00"
	inlineToken = "\x00IC%d\x00"
)

// markdownToTelegramHTML converts the markdown subset the agent emits to
// Telegram's HTML flavor.
func markdownToTelegramHTML(text string) string {
	var blocks, inlines []string

	// Lift fenced code blocks first (they may contain backticks).
	var sb strings.Builder
	parts := strings.Split(text, "```")
	for i, part := range parts {
		if i%2 == 1 && i < len(parts) {
			// Drop an optional language tag on the opening fence line.
			body := part
			if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], " \t") {
				body = body[nl+1:]
			}
			blocks = append(blocks, body)
			fmt.Fprintf(&sb, blockToken, len(blocks)-1)
		} else {
			sb.WriteString(part)
		}
	}
	work := sb.String()

	// Then inline code.
	work = regexp.MustCompile("`([^`\n]+)`").ReplaceAllStringFunc(work, func(m string) string {
		inlines = append(inlines, m[1:len(m)-1])
		return fmt.Sprintf(inlineToken, len(inlines)-1)
	})

	// Escape everything outside code, then run the formatting passes.
	work = html.EscapeString(work)
	work = mdLink.ReplaceAllString(work, `<a href="$2">$1</a>`)
	work = mdBold.ReplaceAllString(work, "<b>$1</b>")
	work = mdItalic.ReplaceAllString(work, "$1<i>$2</i>")
	work = mdUnder.ReplaceAllString(work, "$1<i>$2</i>")

	// Restore code with its own escaping, untouched by the passes above.
	for i, body := range blocks {
		token := fmt.Sprintf(blockToken, i)
		work = strings.Replace(work, token, "<pre><code>"+html.EscapeString(body)+"</code></pre>", 1)
	}
	for i, body := range inlines {
		token := fmt.Sprintf(inlineToken, i)
		work = strings.Replace(work, token, "<code>"+html.EscapeString(body)+"</code>", 1)
	}
	return work
}

// isParseEntityError reports whether Telegram rejected the HTML entities,
// which triggers the plain-text fallback send.
func isParseEntityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "unsupported start tag")
}
