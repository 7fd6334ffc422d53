package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"spoolq/internal/logging"
	"spoolq/internal/preflight"
	"spoolq/internal/queue"
	"spoolq/internal/stats"
	"spoolq/internal/supervisor"
)

type statusView struct {
	Areas    map[queue.Area]int `json:"areas"`
	Counters map[string]int64   `json:"counters,omitempty"`
	Worker   supervisor.Health  `json:"worker"`
	Checks   []preflight.Result `json:"checks"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue areas, counters, and worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			counts, err := store.Counts()
			if err != nil {
				return err
			}
			health, err := supervisorHealth(cmd, ctx)
			if err != nil {
				return err
			}
			view := statusView{
				Areas:  counts,
				Worker: health,
				Checks: preflight.RunAll(cmd.Context(), cfg),
			}
			recorder, err := stats.New(cfg, ctx.logger())
			if err == nil {
				defer recorder.Close()
				if snapshot, snapErr := recorder.Snapshot(cmd.Context()); snapErr == nil {
					view.Counters = snapshot
				} else {
					ctx.logger().Debug("counter snapshot unavailable", logging.Error(snapErr))
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, view)
			}
			colorize := shouldColorize(out)

			fmt.Fprintln(out, renderSectionHeader("Queue", colorize))
			areaRows := make([][]string, 0, len(queue.Areas())+1)
			for _, area := range queue.Areas() {
				areaRows = append(areaRows, []string{areaLabel(area), strconv.Itoa(counts[area])})
			}
			areaRows = append(areaRows, []string{"Total", strconv.Itoa(counts.Total())})
			fmt.Fprintln(out, renderTable([]string{"Area", "Items"}, areaRows, []columnAlignment{alignLeft, alignRight}))

			fmt.Fprintln(out, renderSectionHeader("Worker", colorize))
			for _, line := range renderWorkerHealth(health, colorize) {
				fmt.Fprintln(out, line)
			}

			if len(view.Counters) > 0 {
				fmt.Fprintln(out, renderSectionHeader("Counters", colorize))
				rows := make([][]string, 0, len(view.Counters))
				for _, name := range stats.Names(view.Counters) {
					rows = append(rows, []string{name, strconv.FormatInt(view.Counters[name], 10)})
				}
				fmt.Fprintln(out, renderTable([]string{"Counter", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			}

			fmt.Fprintln(out, renderSectionHeader("Checks", colorize))
			for _, check := range view.Checks {
				kind := statusOK
				if !check.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
