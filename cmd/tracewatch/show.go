package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/render"
	"github.com/agent-racer/tracewatch/internal/trace"
)

func showCmd(a *app) *cobra.Command {
	var (
		q      index.PageQuery
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <trace-id|session-id|prefix>",
		Short: "Show a trace's summary and a page of its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := a.openIndex(cmd.Context())
			if err != nil {
				return err
			}
			page, err := ix.Page(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}

			var summary trace.Summary
			for _, s := range ix.Summaries() {
				if s.ID == page.TraceID {
					summary = s
					break
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Summary trace.Summary `json:"summary"`
					Page    index.Page    `json:"page"`
				}{summary, page})
			}
			return render.NewPrinter(colorOutput(cmd.OutOrStdout()), time.Now()).Page(cmd.OutOrStdout(), summary, page)
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "Events per page")
	cmd.Flags().IntVar(&q.Before, "before", 0, "Only events with a lower index")
	cmd.Flags().BoolVar(&q.IncludeMeta, "meta", false, "Include meta events")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
