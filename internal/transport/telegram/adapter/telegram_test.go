package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTextShortPassesThrough(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()

	s := "abcdefg<b>bold</b>"
	got := splitText(s, 10, tele.ModeHTML)
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk = %q, want tag moved to next chunk", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}
