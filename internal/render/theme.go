// Package render formats traces for the terminal with Lip Gloss. Colors are
// applied only when the Printer was created for a terminal.
package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/tracewatch/internal/trace"
)

// Model colors.
var (
	ColorOpus     = lipgloss.Color("#a855f7")
	ColorSonnet4  = lipgloss.Color("#3b82f6")
	ColorSonnet45 = lipgloss.Color("#06b6d4")
	ColorHaiku    = lipgloss.Color("#22c55e")
	ColorGemini   = lipgloss.Color("#4285f4")
	ColorCodex    = lipgloss.Color("#10b981")
	ColorDefault  = lipgloss.Color("#9ca3af")
)

// Status colors.
var (
	ColorRunning = lipgloss.Color("#d97706")
	ColorWaiting = lipgloss.Color("#eab308")
	ColorIdle    = lipgloss.Color("#4b5563")
)

// Agent badge colors.
var (
	ColorAgentClaude = lipgloss.Color("#a855f7")
	ColorAgentCodex  = lipgloss.Color("#10b981")
	ColorAgentGemini = lipgloss.Color("#4285f4")
)

// Retention tier colors.
var (
	ColorHot  = lipgloss.Color("#dc2626")
	ColorWarm = lipgloss.Color("#d97706")
	ColorCold = lipgloss.Color("#67e8f9")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
	ColorDanger = lipgloss.Color("#dc2626")
)

// ModelColor returns the color for a model name.
func ModelColor(model string) lipgloss.Color {
	switch {
	case strings.Contains(model, "opus"):
		return ColorOpus
	case strings.Contains(model, "sonnet") && strings.Contains(model, "4-5"):
		return ColorSonnet45
	case strings.Contains(model, "sonnet"):
		return ColorSonnet4
	case strings.Contains(model, "haiku"):
		return ColorHaiku
	case strings.Contains(model, "gemini"):
		return ColorGemini
	case strings.Contains(model, "codex"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "gpt"):
		return ColorCodex
	default:
		return ColorDefault
	}
}

func StatusColor(s trace.Status) lipgloss.Color {
	switch s {
	case trace.Running:
		return ColorRunning
	case trace.WaitingInput:
		return ColorWaiting
	default:
		return ColorIdle
	}
}

func TierColor(t trace.Tier) lipgloss.Color {
	switch t {
	case trace.TierHot:
		return ColorHot
	case trace.TierWarm:
		return ColorWarm
	case trace.TierCold:
		return ColorCold
	default:
		return ColorDefault
	}
}

func AgentColor(agent string) lipgloss.Color {
	switch agent {
	case "claude":
		return ColorAgentClaude
	case "codex":
		return ColorAgentCodex
	case "gemini":
		return ColorAgentGemini
	default:
		return ColorDefault
	}
}

// AgentBadge is a short tag for an agent name.
func AgentBadge(agent string) string {
	switch agent {
	case "claude":
		return "[C]"
	case "codex":
		return "[X]"
	case "gemini":
		return "[G]"
	default:
		return "[?]"
	}
}
