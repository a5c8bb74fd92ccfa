package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/taskops/task"
)

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Print the recorded result of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				res, ok, err := a.registry.Queue().GetTaskResult(ctx, argv[0])
				if err != nil {
					return err
				}
				if !ok {
					res = task.Pending(argv[0])
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func purgeCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge QUEUE",
		Short: "Delete every waiting message of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			if !force {
				return fmt.Errorf("refusing to purge %q without --force", argv[0])
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				n, err := a.registry.Queue().PurgeQueue(ctx, argv[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages from %s\n", n, argv[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "confirm the purge")
	return cmd
}

func sizeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "size [QUEUE...]",
		Short: "Print the number of waiting messages per queue",
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				names := argv
				if len(names) == 0 {
					names = a.cfg.Queue.Names
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE\tSIZE")
				for _, name := range names {
					n, err := a.registry.Queue().GetQueueSize(ctx, name)
					if err != nil {
						return fmt.Errorf("size %s: %w", name, err)
					}
					fmt.Fprintf(tw, "%s\t%d\n", name, n)
				}
				return tw.Flush()
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
