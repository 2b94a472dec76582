package render

import (
	"fmt"
	"strings"
	"time"
)

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func formatTokens(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline draws normalized activity bins, one rune per bin. Empty bins
// render as spaces.
func sparkline(bins []float64) string {
	var b strings.Builder
	for _, v := range bins {
		if v <= 0 {
			b.WriteRune(' ')
			continue
		}
		i := int(v * float64(len(sparkLevels)-1))
		i = min(max(i, 0), len(sparkLevels)-1)
		b.WriteRune(sparkLevels[i])
	}
	return b.String()
}

// oneLine collapses whitespace so previews fit a single row.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
