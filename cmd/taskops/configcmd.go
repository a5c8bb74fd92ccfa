package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/taskops/config"
	"github.com/jonwraymond/taskops/secret"
)

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [PATH]",
			Short: "Write the default configuration (default: taskops.yaml)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, argv []string) error {
				path := "taskops.yaml"
				if len(argv) == 1 {
					path = argv[0]
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with credentials masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				redactConfig(cfg)
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
	)
	return cmd
}

// redactConfig masks credentials in place.
func redactConfig(cfg *config.Config) {
	cfg.Storage.Postgres.DSN = secret.Redact(cfg.Storage.Postgres.DSN)
	cfg.Storage.Redis.URL = secret.Redact(cfg.Storage.Redis.URL)
	if cfg.Worker.Function.HTTP.SigningKey != "" {
		cfg.Worker.Function.HTTP.SigningKey = "[redacted]"
	}
}
