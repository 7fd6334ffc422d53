package main

import (
	"github.com/spf13/cobra"
)

const (
	groupProduce = "produce"
	groupOperate = "operate"
)

func newRootCommand() *cobra.Command {
	var configFlag, logLevelFlag string
	ctx := newCommandContext(&configFlag, &logLevelFlag)

	root := &cobra.Command{
		Use:   "spoolq",
		Short: "Crash-safe filesystem work queue",
		Long: "spoolq serializes writes from many short-lived producers through a\n" +
			"single background worker. Items are files that move between the\n" +
			"pending, claimed, completed and failed directories of the state dir.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&logLevelFlag, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddGroup(
		&cobra.Group{ID: groupProduce, Title: "Producing:"},
		&cobra.Group{ID: groupOperate, Title: "Operating:"},
	)
	for _, sub := range []struct {
		group string
		cmd   *cobra.Command
	}{
		{groupProduce, newEnqueueCommand(ctx)},
		{groupOperate, newWorkerCommand(ctx)},
		{groupOperate, newQueueCommand(ctx)},
		{groupOperate, newStatusCommand(ctx)},
		{groupOperate, newConfigCommand(ctx)},
	} {
		sub.cmd.GroupID = sub.group
		root.AddCommand(sub.cmd)
	}
	return root
}
