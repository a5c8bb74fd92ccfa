package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/taskops/task"
)

// enqueueFlags are the message options accepted by enqueue.
type enqueueFlags struct {
	args       string
	kwargs     string
	queue      string
	priority   string
	maxRetries int
	timeout    time.Duration
	countdown  time.Duration
	wait       time.Duration
}

func enqueueCmd(g *globalFlags) *cobra.Command {
	f := &enqueueFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue NAME",
		Short: "Send a task and print its id",
		Long: `Send a task by name. Arguments are JSON.

Examples:
  taskops enqueue taskops.echo --args '[1, "two"]' --kwargs '{"k": "v"}'
  taskops enqueue reports.build --queue reports --priority high --countdown 30s
  taskops enqueue taskops.sleep --args '[2]' --wait 10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			args, kwargs, err := parsePayload(f.args, f.kwargs)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				res, err := a.registry.Dispatcher().SendTask(ctx, argv[0], args, kwargs, opts...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, res.ID())
				if f.wait <= 0 {
					return nil
				}
				v, err := res.Get(ctx, f.wait)
				if err != nil {
					return err
				}
				return printJSON(out, v)
			})
		},
	}
	cmd.Flags().StringVar(&f.args, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&f.kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().StringVarP(&f.queue, "queue", "q", "", "target queue (default: default)")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "", "low, normal, high or critical")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", task.DefaultMaxRetries, "retry budget")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "execution timeout")
	cmd.Flags().DurationVar(&f.countdown, "countdown", 0, "delay before the task becomes due")
	cmd.Flags().DurationVarP(&f.wait, "wait", "w", 0, "wait this long for the result and print it")
	return cmd
}

func (f *enqueueFlags) options(cmd *cobra.Command) ([]task.Option, error) {
	var opts []task.Option
	if f.queue != "" {
		opts = append(opts, task.WithQueue(f.queue))
	}
	if f.priority != "" {
		p, err := task.ParsePriority(f.priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithPriority(p))
	}
	if cmd.Flags().Changed("max-retries") {
		if f.maxRetries < 0 {
			return nil, fmt.Errorf("--max-retries must not be negative")
		}
		opts = append(opts, task.WithMaxRetries(f.maxRetries))
	}
	if f.timeout > 0 {
		opts = append(opts, task.WithTimeout(f.timeout))
	}
	if f.countdown > 0 {
		opts = append(opts, task.WithCountdown(f.countdown))
	}
	return opts, nil
}

// parsePayload decodes the --args and --kwargs JSON. Numbers decode as
// float64, matching what handlers receive from the wire.
func parsePayload(args, kwargs string) ([]any, map[string]any, error) {
	var (
		a  []any
		kw map[string]any
	)
	if args != "" {
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return nil, nil, fmt.Errorf("--args: want a JSON array: %w", err)
		}
	}
	if kwargs != "" {
		if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
			return nil, nil, fmt.Errorf("--kwargs: want a JSON object: %w", err)
		}
	}
	return a, kw, nil
}
