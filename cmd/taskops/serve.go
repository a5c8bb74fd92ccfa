package main

import (
	"cmp"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/taskops/worker"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr      string
		functions bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics, health and optionally task functions",
		Long: `Serve /metrics, /healthz, /readyz and /health without consuming queues.

With --functions the built-in tasks are also served under /functions/ for a
function worker using the http invoker. Requests are authenticated with
worker.function.http.signing_key when it is set.

Examples:
  taskops serve --addr :9090
  taskops serve --functions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				var fs *worker.FunctionServer
				if functions {
					hc := a.cfg.Worker.Function.HTTP
					fs = worker.NewFunctionServer(worker.FunctionServerConfig{
						SigningKey: []byte(hc.SigningKey),
						Issuer:     hc.Issuer,
						Logger:     a.logger,
					})
					prefix := cmp.Or(a.cfg.Worker.Function.FunctionPrefix, "taskops-")
					if err := registerBuiltinFunctions(fs, prefix); err != nil {
						return err
					}
				}
				return serveUntilDone(ctx, cmp.Or(addr, a.cfg.Server.Addr),
					opsHandler(a.registry.Health(), fs), a.shutdownTimeout(), a.logger)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().BoolVar(&functions, "functions", false, "serve the built-in tasks as functions")
	return cmd
}
