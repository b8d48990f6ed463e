package telegram

import (
	"errors"
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "a **b** c", "a <b>b</b> c"},
		{"italic", "a *b* c", "a <i>b</i> c"},
		{"underscore italic", "a _b_ c", "a <i>b</i> c"},
		{"link", "see [docs](https://example.com)", `see <a href="https://example.com">docs</a>`},
		{"escapes html", "1 < 2 & 3", "1 &lt; 2 &amp; 3"},
		{"inline code protected", "use `a ** b` here", "use <code>a ** b</code> here"},
	}
	for _, tt := range tests {
		if got := markdownToTelegramHTML(tt.in); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMarkdownCodeBlockImmuneToFormattingPasses(t *testing.T) {
	in := "before\n```go\nx := \"**not bold**\" < 1\n```\nafter **bold**"
	got := markdownToTelegramHTML(in)

	if !strings.Contains(got, "<pre><code>") {
		t.Fatalf("no code block in %q", got)
	}
	if !strings.Contains(got, "**not bold**") {
		t.Fatalf("code contents were rewritten by the bold pass: %q", got)
	}
	if !strings.Contains(got, "&lt; 1") {
		t.Fatalf("code contents not HTML-escaped: %q", got)
	}
	if !strings.Contains(got, "<b>bold</b>") {
		t.Fatalf("text outside code lost formatting: %q", got)
	}
}

func TestIsParseEntityError(t *testing.T) {
	if !isParseEntityError(errors.New("Bad Request: can't parse entities: unexpected end tag")) {
		t.Fatal("entity error not recognized")
	}
	if isParseEntityError(errors.New("Too Many Requests: retry_after 5")) {
		t.Fatal("rate limit misclassified as entity error")
	}
}
