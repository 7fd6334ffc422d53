package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"spoolq/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair queue items",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueReplayCommand(ctx))
	queueCmd.AddCommand(newQueueRecoverCommand(ctx))
	queueCmd.AddCommand(newQueueGCCommand(ctx))
	return queueCmd
}

type itemView struct {
	Ref           string            `json:"ref"`
	Area          queue.Area        `json:"area"`
	Priority      int               `json:"priority"`
	RetryCount    int               `json:"retry_count"`
	Operation     string            `json:"operation,omitempty"`
	Producer      string            `json:"producer,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	EnteredAt     time.Time         `json:"entered_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       string            `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func newItemView(area queue.Area, ref string, modTime time.Time, item *queue.Item, readErr error) itemView {
	view := itemView{Ref: ref, Area: area, EnteredAt: modTime}
	if readErr != nil {
		view.Error = readErr.Error()
	}
	if item == nil {
		return view
	}
	view.Priority = item.Priority
	view.RetryCount = item.RetryCount
	view.Operation = item.Operation
	view.Producer = item.Producer
	view.CreatedAt = item.CreatedAt
	view.LastError = item.LastError
	view.FailureReason = item.FailureReason
	view.Metadata = item.Metadata
	view.Payload = string(item.Payload)
	return view
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var areaFlag string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items in one queue area",
		RunE: func(cmd *cobra.Command, args []string) error {
			area, ok := queue.ParseArea(areaFlag)
			if !ok {
				return fmt.Errorf("unknown area %q (pending, claimed, completed, failed)", areaFlag)
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			entries, err := store.List(area, limit)
			if err != nil {
				return err
			}

			views := make([]itemView, 0, len(entries))
			for _, entry := range entries {
				views = append(views, newItemView(entry.Area, entry.Ref, entry.ModTime, entry.Item, entry.Err))
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, views)
			}
			if len(views) == 0 {
				fmt.Fprintf(out, "No %s items\n", area)
				return nil
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				detail := v.LastError
				if v.FailureReason != "" {
					detail = v.FailureReason
				}
				if v.Error != "" {
					detail = v.Error
				}
				rows = append(rows, []string{
					v.Ref,
					strconv.Itoa(v.Priority),
					strconv.Itoa(v.RetryCount),
					v.Operation,
					formatAge(time.Since(v.EnteredAt)),
					truncate(detail, 60),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Ref", "Priority", "Retries", "Operation", "In " + areaLabel(area), "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&areaFlag, "area", "a", string(queue.AreaPending), "Area: pending, claimed, completed, failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum items to list (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <ref>",
		Short: "Show one item in any area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			ref := strings.TrimSuffix(strings.TrimSpace(args[0]), ".json")
			area, item, err := store.Find(ref)
			if errors.Is(err, queue.ErrNotFound) {
				return fmt.Errorf("item %s not found", ref)
			}
			if err != nil && item == nil && area == "" {
				return err
			}
			view := newItemView(area, ref, time.Time{}, item, err)

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, view)
			}
			fmt.Fprintf(out, "Ref:        %s\n", view.Ref)
			fmt.Fprintf(out, "Area:       %s\n", areaLabel(view.Area))
			if view.Error != "" {
				fmt.Fprintf(out, "Error:      %s\n", view.Error)
				return nil
			}
			fmt.Fprintf(out, "Priority:   %d\n", view.Priority)
			fmt.Fprintf(out, "Retries:    %d\n", view.RetryCount)
			if view.Operation != "" {
				fmt.Fprintf(out, "Operation:  %s\n", view.Operation)
			}
			if view.Producer != "" {
				fmt.Fprintf(out, "Producer:   %s\n", view.Producer)
			}
			fmt.Fprintf(out, "Created:    %s\n", view.CreatedAt.Local().Format(time.RFC3339))
			for key, value := range view.Metadata {
				fmt.Fprintf(out, "Meta:       %s=%s\n", key, value)
			}
			if view.LastError != "" {
				fmt.Fprintf(out, "Last error: %s\n", view.LastError)
			}
			if view.FailureReason != "" {
				fmt.Fprintf(out, "Failure:    %s\n", view.FailureReason)
			}
			fmt.Fprintf(out, "Payload:\n%s\n", view.Payload)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newQueueReplayCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "replay [ref...]",
		Short: "Move failed items back to pending",
		Long:  "Move failed items back to pending with their retry count reset and original priority restored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("pass one or more refs, or --all to replay every failed item")
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			results, err := store.Replay(cmd.Context(), args...)
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "%s -> %s\n", r.Ref, r.NewRef)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Replayed %d failed items\n", len(results))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Replay every failed item")
	return cmd
}

func newQueueRecoverCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue claimed items left behind by a dead worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = time.Duration(cfg.Worker.ProcessingTimeout) * time.Second
			}
			run, err := ctx.runState()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				held, err := run.OwnershipHeld()
				if err != nil {
					return err
				}
				if held {
					return errors.New("a worker is running; recovering every claimed item would duplicate its work (use --older-than)")
				}
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			result, err := store.RecoverOrphans(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d claimed items (%d requeued, %d failed)\n",
				result.Total(), result.Requeued, result.Failed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only recover items claimed longer ago than this (default worker.processing_timeout)")
	return cmd
}

func newQueueGCCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete expired terminal items and abandoned staging files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			result, err := store.GarbageCollect(
				time.Duration(cfg.Queue.RetentionHours)*time.Hour,
				time.Duration(cfg.Queue.StagingMaxAge)*time.Second,
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d completed, %d failed, %d staging files\n",
				result.Completed, result.Failed, result.Staging)
			return nil
		},
	}
}
