package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"schoolhub/internal/config"
	"schoolhub/internal/logging"
)

// cliState is filled by the root command before any subcommand runs
type cliState struct {
	configFile string
	envFiles   []string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}
	root := &cobra.Command{
		Use:           "schoolhub",
		Short:         "Real-time coordination server for classrooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(state.configFile, state.envFiles...)
			if err != nil {
				return err
			}
			state.cfg = cfg
			state.logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.App.Environment, cfg.App.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&state.configFile, "config", "c", "", "path to a YAML/JSON/TOML config file")
	root.PersistentFlags().StringSliceVar(&state.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		serveCmd(state),
		migrateCmd(state),
		tokenCmd(state),
		userCmd(state),
	)
	return root
}
