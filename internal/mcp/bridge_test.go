package mcp

import (
	"strings"
	"testing"
)

func TestSafeToolNamePrefixesAndSanitizes(t *testing.T) {
	used := make(map[string]struct{})

	got := safeToolName("GitHub Tools!", "Create-Issue", used)
	if !strings.HasPrefix(got, "mcp_") {
		t.Fatalf("name %q missing mcp_ prefix", got)
	}
	for _, r := range got {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Fatalf("name %q contains unsanitized rune %q", got, r)
		}
	}
}

func TestSafeToolNameDeduplicatesCollisions(t *testing.T) {
	used := make(map[string]struct{})
	first := safeToolName("srv", "tool", used)
	second := safeToolName("srv", "tool", used)
	if first == second {
		t.Fatalf("colliding registrations produced the same name %q", first)
	}
}

func TestSafeToolNameBoundsLength(t *testing.T) {
	used := make(map[string]struct{})
	long := strings.Repeat("x", 200)
	got := safeToolName(long, long, used)
	if len(got) > maxToolNameLen {
		t.Fatalf("name length %d exceeds cap %d", len(got), maxToolNameLen)
	}
}
