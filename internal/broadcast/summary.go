package broadcast

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"adsbot/pkg/tgui"
)

const barWidth = 10

// ProgressBar renders done/total as a fixed-width bar with a percentage.
func ProgressBar(done, total int) string {
	if total <= 0 {
		return strings.Repeat("░", barWidth) + " 0.0%"
	}
	done = min(max(done, 0), total)
	filled := done * barWidth / total
	pct := float64(done) * 100 / float64(total)
	return strings.Repeat("▓", filled) + strings.Repeat("░", barWidth-filled) + fmt.Sprintf(" %.1f%%", pct)
}

// FormatDuration renders d as "45s", "3m 20s" or "2h 5m".
func FormatDuration(d time.Duration) string {
	s := int64(d.Round(time.Second) / time.Second)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

// SuccessRate is sent/(sent+failed) in percent.
func SuccessRate(sent, failed int64) float64 {
	total := sent + failed
	if total <= 0 {
		return 0
	}
	return float64(sent) * 100 / float64(total)
}

type cycleReport struct {
	Cycle        int64
	MessageIndex int
	WindowSize   int
	Sent         int
	Failed       int
	Groups       int
	Senders      int
	Took         time.Duration
	NextIn       time.Duration
	Cooldown     bool
	// Rewound is set when the rotation was reset while the cycle ran.
	Rewound bool
}

func formatCycle(r cycleReport) string {
	lines := []string{
		fmt.Sprintf("%s %s", tgui.B("Cycle"), tgui.Esc(humanize.Ordinal(int(r.Cycle)))),
		fmt.Sprintf("Message %d/%d", r.MessageIndex+1, r.WindowSize),
		ProgressBar(r.Sent, r.Sent+r.Failed),
		fmt.Sprintf("Sent %s, failed %s, %.1f%% ok", humanize.Comma(int64(r.Sent)), humanize.Comma(int64(r.Failed)),
			SuccessRate(int64(r.Sent), int64(r.Failed))),
		fmt.Sprintf("%d accounts × %d groups in %s", r.Senders, r.Groups, FormatDuration(r.Took)),
	}
	next := "Next cycle in " + FormatDuration(r.NextIn)
	if r.Cooldown {
		next += " (cooldown)"
	}
	lines = append(lines, next)
	return strings.Join(lines, "\n")
}

type runReport struct {
	Reason  string
	Cycles  int64
	Sent    int64
	Failed  int64
	Elapsed time.Duration
}

func formatRunEnd(r runReport) string {
	body := strings.Join([]string{
		"Cycles: " + humanize.Comma(r.Cycles),
		"Sent: " + humanize.Comma(r.Sent),
		"Failed: " + humanize.Comma(r.Failed),
		fmt.Sprintf("Success rate: %.1f%%", SuccessRate(r.Sent, r.Failed)),
		"Duration: " + FormatDuration(r.Elapsed),
	}, "\n")
	return fmt.Sprintf("%s %s\n%s", tgui.B("Broadcast stopped:"), tgui.Esc(r.Reason), tgui.Quote(body))
}

func formatStarted(senders, groups int, s Settings) string {
	return fmt.Sprintf("%s\n%s", tgui.B("Broadcast started"), tgui.Quote(strings.Join([]string{
		fmt.Sprintf("Accounts: %d", senders),
		fmt.Sprintf("Groups: %d", groups),
		fmt.Sprintf("Window: %d messages", s.WindowSize),
		"Mode: " + string(s.Mode),
		"Cycle delay: " + FormatDuration(s.CycleDelay),
		"Group delay: " + FormatDuration(s.GroupMessageDelay),
	}, "\n")))
}

func formatGroupNotice(kind VerdictKind, g TargetGroup, s SenderIdentity, reason string, until time.Duration) string {
	switch kind {
	case VerdictPermanent:
		return fmt.Sprintf("%s %s via %s\n%s", tgui.B("Removed group"), tgui.Esc(g.Label()),
			tgui.Esc(s.Label()), tgui.Code(reason))
	default:
		return fmt.Sprintf("%s %s for %s\n%s", tgui.B("Suspended group"), tgui.Esc(g.Label()),
			tgui.Esc(FormatDuration(until)), tgui.Code(reason))
	}
}

func formatRetired(s SenderIdentity, reason string) string {
	return fmt.Sprintf("%s %s\n%s", tgui.B("Account retired:"), tgui.Esc(s.Label()), tgui.Code(reason))
}

func formatRest(until time.Duration) string {
	return fmt.Sprintf("%s for %s to protect the accounts.", tgui.B("Resting"), tgui.Esc(FormatDuration(until)))
}
