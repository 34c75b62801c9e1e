package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyberelf/claude-code-server/internal/config"
	"github.com/cyberelf/claude-code-server/internal/logging"
)

func newServeCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the task API server.

Settings come from defaults, the optional --config file and environment
variables (SESSION_MAX_CONCURRENT, STORAGE_TYPE, API_AUTH_ENABLED, ...).
The --host and --port flags override all of them.

Example:
  claude-code-server serve
  STORAGE_TYPE=sqlite claude-code-server serve --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := bindServeFlags(cmd, v); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	cmd.Flags().String("host", "", "listen host (overrides SERVER_HOST)")
	cmd.Flags().Int("port", 0, "listen port (overrides SERVER_PORT)")
	return cmd
}

// bindServeFlags lets explicitly set flags win over file and environment.
func bindServeFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{"server.host": "host", "server.port": "port"} {
		if !cmd.Flags().Changed(flag) {
			continue
		}
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// commandContext returns cmd's context or Background when it has none.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
