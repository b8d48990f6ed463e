package context

import (
	"testing"
)

func TestGetChannelInfo(t *testing.T) {
	tests := []struct {
		channel          string
		wantMaxLen       int
		wantMarkdown     bool
		wantMentions     bool
		wantMentionFmt   string
	}{
		{"telegram", 4000, true, true, "@%s"},
		{"discord", 1990, true, true, "<@%s>"},
		{"slack", 3000, true, true, "<@%s>"},
		{"web_widget", 8000, true, false, ""},
		{"unknown", 4000, false, false, ""}, // Default
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			info := GetChannelInfo(tt.channel)
			if info.MaxMessageLength != tt.wantMaxLen {
				t.Errorf("MaxMessageLength = %d, want %d", info.MaxMessageLength, tt.wantMaxLen)
			}
			if info.SupportsMarkdown != tt.wantMarkdown {
				t.Errorf("SupportsMarkdown = %v, want %v", info.SupportsMarkdown, tt.wantMarkdown)
			}
			if info.SupportsMentions != tt.wantMentions {
				t.Errorf("SupportsMentions = %v, want %v", info.SupportsMentions, tt.wantMentions)
			}
			if info.MentionFormat != tt.wantMentionFmt {
				t.Errorf("MentionFormat = %q, want %q", info.MentionFormat, tt.wantMentionFmt)
			}
		})
	}
}

func TestDeliveryContext_FormatMention(t *testing.T) {
	tests := []struct {
		channel string
		userID  string
		want    string
	}{
		{"discord", "123456", "<@123456>"},
		{"slack", "U123ABC", "<@U123ABC>"},
		{"telegram", "johndoe", "@johndoe"},
		{"email", "user", "user"}, // No mention support
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			dc := New(tt.channel)
			got := dc.FormatMention(tt.userID)
			if got != tt.want {
				t.Errorf("FormatMention(%q) = %q, want %q", tt.userID, got, tt.want)
			}
		})
	}
}

func TestDeliveryContext_Chaining(t *testing.T) {
	dc := New("slack").
		WithUser("U123").
		WithConversation("C456").
		WithThread("T789").
		WithReplyTo("M012")

	if dc.UserID != "U123" {
		t.Errorf("UserID = %q, want %q", dc.UserID, "U123")
	}
	if dc.ConversationID != "C456" {
		t.Errorf("ConversationID = %q, want %q", dc.ConversationID, "C456")
	}
	if dc.ThreadID != "T789" {
		t.Errorf("ThreadID = %q, want %q", dc.ThreadID, "T789")
	}
	if dc.ReplyToMessageID != "M012" {
		t.Errorf("ReplyToMessageID = %q, want %q", dc.ReplyToMessageID, "M012")
	}
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bold",
			input: "This is **bold** text",
			want:  "This is bold text",
		},
		{
			name:  "italic asterisk",
			input: "This is *italic* text",
			want:  "This is italic text",
		},
		{
			name:  "italic underscore",
			input: "This is _italic_ text",
			want:  "This is italic text",
		},
		{
			name:  "strikethrough",
			input: "This is ~~deleted~~ text",
			want:  "This is deleted text",
		},
		{
			name:  "inline code",
			input: "Use `code` here",
			want:  "Use code here",
		},
		{
			name:  "link",
			input: "Check [this link](https://example.com)",
			want:  "Check this link",
		},
		{
			name:  "header",
			input: "## Header\nContent",
			want:  "Header\nContent",
		},
		{
			name:  "code block",
			input: "```python\nprint('hello')\n```",
			want:  "print('hello')\n",
		},
		{
			name:  "mixed",
			input: "**Bold** and *italic* with [link](http://x.com)",
			want:  "Bold and italic with link",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripMarkdown(tt.input)
			if got != tt.want {
				t.Errorf("StripMarkdown() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToSlackMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bold",
			input: "This is **bold** text",
			want:  "This is *bold* text",
		},
		{
			name:  "link",
			input: "Check [this link](https://example.com)",
			want:  "Check <https://example.com|this link>",
		},
		{
			name:  "strikethrough",
			input: "This is ~~deleted~~ text",
			want:  "This is ~deleted~ text",
		},
		{
			name:  "combined",
			input: "**Bold** with [link](http://x.com) and ~~strike~~",
			want:  "*Bold* with <http://x.com|link> and ~strike~",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToSlackMarkdown(tt.input)
			if got != tt.want {
				t.Errorf("ToSlackMarkdown() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeliveryContext_ShouldChunk(t *testing.T) {
	tests := []struct {
		channel    string
		textLen    int
		wantChunk  bool
	}{
		{"telegram", 4000, false},
		{"telegram", 5000, true},
		{"discord", 1990, false},
		{"discord", 2001, true},
		{"mattermost", 16000, false},
		{"mattermost", 16001, true},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			dc := New(tt.channel)
			text := make([]byte, tt.textLen)
			for i := range text {
				text[i] = 'a'
			}
			got := dc.ShouldChunk(string(text))
			if got != tt.wantChunk {
				t.Errorf("ShouldChunk(%d chars) = %v, want %v", tt.textLen, got, tt.wantChunk)
			}
		})
	}
}

func TestChunkText_PrefersParagraphBreak(t *testing.T) {
	text := "short line one\n\nshort line two filling space"
	chunks := ChunkText(text, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) > 20 {
			t.Errorf("chunk exceeds limit: %q (%d bytes)", c, len(c))
		}
	}
	if chunks[0] != "short line one" {
		t.Errorf("expected first chunk to break at the paragraph boundary, got %q", chunks[0])
	}
}

func TestChunkText_FallsBackToWordBoundary(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	chunks := ChunkText(text, 12)
	for _, c := range chunks {
		if len(c) > 12 {
			t.Errorf("chunk exceeds limit: %q (%d bytes)", c, len(c))
		}
	}
}

func TestChunkText_NoOpUnderLimit(t *testing.T) {
	chunks := ChunkText("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("expected passthrough, got %v", chunks)
	}
}

func TestDeliveryContext_Chunk(t *testing.T) {
	dc := New("discord")
	text := make([]byte, 2500)
	for i := range text {
		text[i] = 'x'
	}
	chunks := dc.Chunk(string(text))
	if len(chunks) < 2 {
		t.Fatalf("expected discord's 1990-char limit to force chunking, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 1990 {
			t.Errorf("chunk exceeds discord limit: %d bytes", len(c))
		}
	}
}

func TestDeliveryContext_FormatText(t *testing.T) {
	tests := []struct {
		channel string
		input   string
		want    string
	}{
		// Unknown channels fall back to plain text and strip markdown
		{"sms-gateway", "**bold** and *italic*", "bold and italic"},
		{"sms-gateway", "Check [link](http://x.com)", "Check link"},
		// Slack converts to mrkdwn
		{"slack", "**bold** text", "*bold* text"},
		// Standard markdown kept as-is for discord
		{"discord", "**bold** text", "**bold** text"},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			dc := New(tt.channel)
			got := dc.FormatText(tt.input)
			if got != tt.want {
				t.Errorf("FormatText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannelInfo_Attachments(t *testing.T) {
	// Verify attachment limits are set correctly
	tests := []struct {
		channel        string
		wantAttach     bool
		wantMaxBytes   int64
	}{
		{"telegram", true, 50 * 1024 * 1024},
		{"discord", true, 8 * 1024 * 1024},
		{"sms-gateway", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			info := GetChannelInfo(tt.channel)
			if info.SupportsAttachments != tt.wantAttach {
				t.Errorf("SupportsAttachments = %v, want %v", info.SupportsAttachments, tt.wantAttach)
			}
			if info.MaxAttachmentBytes != tt.wantMaxBytes {
				t.Errorf("MaxAttachmentBytes = %d, want %d", info.MaxAttachmentBytes, tt.wantMaxBytes)
			}
		})
	}
}

func TestChannelInfo_Capabilities(t *testing.T) {
	// Verify various channel capabilities
	telegram := GetChannelInfo("telegram")
	if !telegram.SupportsEditing {
		t.Error("telegram should support editing")
	}
	if !telegram.SupportsThreads {
		t.Error("telegram should support threads")
	}
	if !telegram.SupportsReactions {
		t.Error("telegram should support reactions")
	}

	whatsapp := GetChannelInfo("whatsapp")
	if whatsapp.SupportsEditing {
		t.Error("whatsapp should not support editing")
	}
}
