// Package procscan finds running coding-agent processes. The index never
// depends on it; it only annotates status output with live processes.
package procscan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Process is one live agent process.
type Process struct {
	PID        int32     `json:"pid"`
	Agent      string    `json:"agent"`
	WorkingDir string    `json:"workingDir,omitempty"`
	StartTime  time.Time `json:"startTime"`
	CmdLine    string    `json:"cmdline"`
	CPU        float64   `json:"cpu"`
	TCPConns   int       `json:"tcpConns"`
}

// IsChurning reports whether the process looks busy: CPU at or above
// threshold and, when requireNetwork is set, at least one open TCP
// connection.
func (p Process) IsChurning(threshold float64, requireNetwork bool) bool {
	if p.CPU < threshold {
		return false
	}
	return !requireNetwork || p.TCPConns > 0
}

var agentBinaries = map[string]string{
	"claude":      "claude",
	"claude-code": "claude",
	"codex":       "codex",
	"gemini":      "gemini",
}

// agentOf returns the agent name for an argv, or "" when it is not an
// agent. node launchers count when a later argument names an agent outside
// node_modules/.bin.
func agentOf(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	exe := filepath.Base(argv[0])
	if agent, ok := agentBinaries[exe]; ok {
		return agent
	}
	if exe != "node" {
		return ""
	}
	for _, arg := range argv[1:] {
		if strings.Contains(arg, "node_modules/.bin") {
			continue
		}
		for _, agent := range []string{"claude", "codex", "gemini"} {
			if strings.Contains(arg, agent) {
				return agent
			}
		}
	}
	return ""
}

func isAgentProcess(cmdline string) bool {
	return agentOf(splitCmdline(cmdline)) != ""
}

// splitCmdline splits a NUL separated /proc cmdline, dropping empty args.
func splitCmdline(cmdline string) []string {
	var out []string
	for _, p := range strings.Split(cmdline, "\x00") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Scan lists agent processes, oldest first. Processes that exit or deny
// access mid-scan are skipped. Processes whose working directory sits in
// the agent's own state dir (~/.claude and friends) are helpers and are
// skipped too.
func Scan(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	home, _ := os.UserHomeDir()

	var out []Process
	for _, p := range procs {
		argv, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		agent := agentOf(argv)
		if agent == "" {
			continue
		}
		cwd, _ := p.CwdWithContext(ctx)
		if home != "" && cwd != "" && insideDir(cwd, filepath.Join(home, "."+agent)) {
			continue
		}

		found := Process{
			PID:        p.Pid,
			Agent:      agent,
			WorkingDir: cwd,
			CmdLine:    strings.Join(argv, " "),
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			found.StartTime = time.UnixMilli(ms)
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			found.CPU = cpu
		}
		if conns, err := net.ConnectionsPidWithContext(ctx, "tcp", p.Pid); err == nil {
			found.TCPConns = established(conns)
		}
		out = append(out, found)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

func established(conns []net.ConnectionStat) int {
	n := 0
	for _, c := range conns {
		if c.Status == "ESTABLISHED" {
			n++
		}
	}
	return n
}

func insideDir(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
