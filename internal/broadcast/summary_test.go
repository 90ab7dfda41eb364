package broadcast

import (
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		done, total int
		want        string
	}{
		{0, 0, "░░░░░░░░░░ 0.0%"},
		{5, 10, "▓▓▓▓▓░░░░░ 50.0%"},
		{3, 3, "▓▓▓▓▓▓▓▓▓▓ 100.0%"},
		{1, 3, "▓▓▓░░░░░░░ 33.3%"},
	}
	for _, tc := range cases {
		if got := ProgressBar(tc.done, tc.total); got != tc.want {
			t.Fatalf("ProgressBar(%d, %d) = %q, want %q", tc.done, tc.total, got, tc.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		45 * time.Second:            "45s",
		200 * time.Second:           "3m 20s",
		2*time.Hour + 5*time.Minute: "2h 5m",
		1500 * time.Millisecond:     "2s",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatRunEndEscapes(t *testing.T) {
	t.Parallel()

	got := formatRunEnd(runReport{Reason: "<owner>", Sent: 1200, Failed: 300, Cycles: 4, Elapsed: time.Minute})
	if !strings.Contains(got, "&lt;owner&gt;") {
		t.Fatalf("reason not escaped: %q", got)
	}
	if !strings.Contains(got, "Sent: 1,200") || !strings.Contains(got, "80.0%") {
		t.Fatalf("unexpected summary: %q", got)
	}
}
