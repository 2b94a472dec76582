package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/trace"
)

const (
	panelWidth   = 72
	labelWidth   = 12
	previewWidth = 80
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	styleValue = lipgloss.NewStyle().
			Foreground(ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorDimmed)

	styleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)

// Printer writes traces to a terminal or a pipe.
type Printer struct {
	color bool
	now   time.Time
}

// NewPrinter returns a Printer. Ages are computed against now.
func NewPrinter(color bool, now time.Time) *Printer {
	return &Printer{color: color, now: now}
}

func (p *Printer) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *Printer) fg(c lipgloss.Color, text string) string {
	return p.paint(lipgloss.NewStyle().Foreground(c), text)
}

// Traces prints one row per trace.
func (p *Printer) Traces(w io.Writer, traces []trace.Summary) error {
	if len(traces) == 0 {
		_, err := fmt.Fprintln(w, "no traces")
		return err
	}

	rows := make([][]string, 0, len(traces))
	for _, s := range traces {
		rows = append(rows, []string{
			truncate(s.ID, 12),
			p.fg(AgentColor(s.Agent), AgentBadge(s.Agent)+" "+s.Agent),
			p.fg(StatusColor(s.Status), s.Status.String()),
			fmt.Sprintf("%d", s.EventCount),
			formatTokens(s.Metrics.TotalTokens),
			sparkline(s.ActivityBins),
			formatAge(s.UpdatedAt, p.now),
			truncate(s.Path, 48),
		})
	}

	t := table.New().
		Headers("ID", "AGENT", "STATUS", "EVENTS", "TOKENS", "ACTIVITY", "UPDATED", "PATH").
		Rows(rows...)
	if p.color {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return styleHeader.Padding(0, 1)
				}
				return lipgloss.NewStyle().Padding(0, 1)
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(2) })
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

// Page prints a trace header panel followed by the page's events.
func (p *Printer) Page(w io.Writer, s trace.Summary, page index.Page) error {
	var b strings.Builder

	b.WriteString(p.paint(styleTitle, "Trace: "+s.ID) + "\n")
	p.writeRow(&b, "Path", s.Path)
	p.writeRow(&b, "Agent", p.fg(AgentColor(s.Agent), AgentBadge(s.Agent)+" "+s.Agent))
	if s.SessionID != "" {
		p.writeRow(&b, "Session", s.SessionID)
	}
	if s.Metrics.Model != "" {
		p.writeRow(&b, "Model", p.fg(ModelColor(s.Metrics.Model), s.Metrics.Model))
	}
	p.writeRow(&b, "Status", p.fg(StatusColor(s.Status), s.Status.String())+"  ("+string(s.StatusReason)+")")
	p.writeRow(&b, "Events", fmt.Sprintf("%d  tools %d/%d  unmatched %d",
		s.EventCount, s.MatchedToolCalls, s.ToolUses, s.UnmatchedToolUses))
	p.writeRow(&b, "Tokens", fmt.Sprintf("%s in  %s out  %s cached  $%.4f",
		formatTokens(s.Metrics.InputTokens), formatTokens(s.Metrics.OutputTokens),
		formatTokens(s.Metrics.CacheReadTokens), s.Metrics.CostEstimateUSD))
	p.writeRow(&b, "Activity", "["+sparkline(s.ActivityBins)+"]"+fmt.Sprintf("  %.0fm window", s.BinWindowMinutes))
	p.writeRow(&b, "Tier", p.fg(TierColor(s.Tier), string(s.Tier)))
	p.writeRow(&b, "Updated", formatAge(s.UpdatedAt, p.now))
	if s.ParseError != "" {
		b.WriteString(p.paint(styleError, "Parse error: "+s.ParseError) + "\n")
	}

	header := strings.TrimRight(b.String(), "\n")
	if p.color {
		header = stylePanel.Width(panelWidth).Render(header)
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}

	for _, ev := range page.Events {
		if _, err := fmt.Fprintln(w, p.eventLine(ev)); err != nil {
			return err
		}
	}

	footer := fmt.Sprintf("%d of %d events", len(page.Events), page.Total)
	if page.HasMore {
		footer += fmt.Sprintf("  (older: --before %d)", page.NextBefore)
	}
	_, err := fmt.Fprintln(w, p.paint(styleLabel, footer))
	return err
}

func (p *Printer) eventLine(ev trace.Event) string {
	ts := "        "
	if !ev.Timestamp.IsZero() {
		ts = ev.Timestamp.Local().Format("15:04:05")
	}
	kind := fmt.Sprintf("%-11s", ev.Kind)
	text := ev.Preview
	if ev.Kind == trace.KindToolUse && ev.ToolName != "" && !strings.HasPrefix(text, ev.ToolName) {
		text = ev.ToolName + " " + text
	}
	return fmt.Sprintf("%5d %s %s %s",
		ev.Index,
		p.paint(styleLabel, ts),
		p.fg(kindColor(ev.Kind), kind),
		truncate(oneLine(text), previewWidth))
}

func kindColor(k trace.Kind) lipgloss.Color {
	switch k {
	case trace.KindUser:
		return ColorBright
	case trace.KindAssistant:
		return ColorSonnet4
	case trace.KindToolUse, trace.KindToolResult:
		return ColorRunning
	case trace.KindReasoning:
		return ColorOpus
	default:
		return ColorDimmed
	}
}

func (p *Printer) writeRow(b *strings.Builder, label, value string) {
	l := fmt.Sprintf("%-*s", labelWidth, label+":")
	b.WriteString(p.paint(styleLabel, l) + p.paint(styleValue, value) + "\n")
}
