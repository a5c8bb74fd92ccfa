package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/taskops/observe"
)

func workerCmd(g *globalFlags) *cobra.Command {
	var (
		queues   []string
		noServer bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queues and run the built-in tasks",
		Long: `Start a worker on the configured queues and serve /metrics and the
health endpoints on server.addr until interrupted.

Examples:
  taskops worker
  taskops worker --queues default,reports
  TASKOPS_QUEUE_BACKEND=kafka taskops worker --no-server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				reg := a.registry
				if err := registerBuiltins(reg.Dispatcher()); err != nil {
					return err
				}

				names := queues
				if len(names) == 0 {
					names = a.cfg.Queue.Names
				}
				if err := reg.Worker().Start(ctx, names...); err != nil {
					return fmt.Errorf("start worker: %w", err)
				}
				a.logger.Info(ctx, "worker started",
					observe.F("queues", names), observe.F("tasks", reg.Worker().Tasks()))

				if noServer {
					<-ctx.Done()
					return nil
				}
				return serveUntilDone(ctx, a.cfg.Server.Addr, opsHandler(reg.Health(), nil), a.shutdownTimeout(), a.logger)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queues", "Q", nil, "queues to consume (default: queue.names)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not serve metrics and health endpoints")
	return cmd
}
