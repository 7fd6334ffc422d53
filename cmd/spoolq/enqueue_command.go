package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"spoolq/internal/enqueue"
	"spoolq/internal/workerrun"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var operation string
	var priority int
	var meta []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "enqueue [payload|-]",
		Short: "Add a work item to the queue",
		Long: "Add a work item to the queue and make sure a worker is running.\n\n" +
			"The payload is read from the argument, or from stdin when the argument\n" +
			"is '-' or omitted. The default sink expects JSON of the form\n" +
			`{"statements":[{"sql":"...","args":[...]}]}` + ".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}

			producer, err := workerrun.NewProducer(cfg, ctx.configPath, ctx.logger())
			if err != nil {
				return err
			}
			defer producer.Close()

			result, err := producer.Enqueuer.Enqueue(cmd.Context(), enqueue.Request{
				Payload:   payload,
				Operation: operation,
				Priority:  priority,
				Metadata:  metadata,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, result)
			}
			if result.Fallback {
				fmt.Fprintln(out, "Queue unavailable; payload executed synchronously")
				return nil
			}
			fmt.Fprintln(out, result.Ref)
			return nil
		},
	}

	cmd.Flags().StringVarP(&operation, "operation", "o", "", "Operation label stored with the item")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority 1 (first) to 10 (last); 0 uses queue.default_priority")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Metadata key=value (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return data, nil
}

func parseMeta(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.New("metadata must be key=value: " + raw)
		}
		meta[key] = value
	}
	return meta, nil
}
