package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-racer/tracewatch/internal/render"
	"github.com/agent-racer/tracewatch/internal/trace"
)

func listCmd(a *app) *cobra.Command {
	var (
		status string
		agent  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed traces, most recently active first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want *trace.Status
			if status != "" {
				s, ok := trace.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q (want idle, running or waiting_input)", status)
				}
				want = &s
			}

			ix, err := a.openIndex(cmd.Context())
			if err != nil {
				return err
			}

			var traces []trace.Summary
			for _, s := range ix.Summaries() {
				if want != nil && s.Status != *want {
					continue
				}
				if agent != "" && s.Agent != agent {
					continue
				}
				traces = append(traces, s)
			}

			if asJSON {
				if traces == nil {
					traces = []trace.Summary{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(traces)
			}
			return render.NewPrinter(colorOutput(cmd.OutOrStdout()), time.Now()).Traces(cmd.OutOrStdout(), traces)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only traces with this status")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Only traces from this agent")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
