package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"envfleet/internal/report"
)

const (
	maxFailureLines = 10
	maxWarningLines = 5
)

// ShouldNotify applies a NotifyOn policy to a finished run.
func ShouldNotify(policy string, sum report.Summary) bool {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case NotifyAlways:
		return true
	case NotifyNever:
		return false
	default:
		return sum.Failed > 0 || sum.Stopped || len(sum.Warnings) > 0
	}
}

// FormatSummary renders a run summary as Telegram HTML.
func FormatSummary(sum report.Summary) string {
	var b strings.Builder
	icon := "✅"
	if sum.Failed > 0 || sum.Stopped || len(sum.Warnings) > 0 {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s <b>run %s</b>\n", icon, escape(sum.RunID))
	b.WriteString(escape(sum.Line()))
	b.WriteString("\n")
	fmt.Fprintf(&b, "mode %s, limit %d, took %s", escape(sum.Mode), sum.Limit, sum.Duration().Round(time.Second))
	if sum.Trigger != "" {
		fmt.Fprintf(&b, ", via %s", escape(sum.Trigger))
	}
	if len(sum.Routines) > 0 {
		fmt.Fprintf(&b, "\nroutines: <code>%s</code>", escape(strings.Join(sum.Routines, ", ")))
	}

	if len(sum.Warnings) > 0 {
		b.WriteString("\n\n<b>warnings</b>")
		for i, w := range sum.Warnings {
			if i == maxWarningLines {
				fmt.Fprintf(&b, "\n… %d more", len(sum.Warnings)-i)
				break
			}
			b.WriteString("\n• " + escape(w))
		}
	}

	var failed []report.Outcome
	for _, o := range sum.Outcomes {
		if !o.OK {
			failed = append(failed, o)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n\n<b>failures</b>")
		for i, o := range failed {
			if i == maxFailureLines {
				fmt.Fprintf(&b, "\n… %d more", len(failed)-i)
				break
			}
			env := o.EnvName
			if env == "" {
				env = o.EnvID
			}
			fmt.Fprintf(&b, "\n• %s / %s: %s", escape(env), escape(o.Routine), escape(truncate(o.Error, 200)))
		}
	}
	return b.String()
}

func escape(s string) string { return html.EscapeString(strings.TrimSpace(s)) }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
