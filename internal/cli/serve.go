package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the jailhttpd master and its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, path, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}

			lv := new(slog.LevelVar)
			log, err := logging.NewLeveled(os.Stderr, lv, cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			m, err := server.NewMaster(ctx, cfg, server.Options{
				ConfigPath: path,
				Logger:     log,
				LevelVar:   lv,
			})
			if err != nil {
				return err
			}
			defer m.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "jailhttpd listening on %s\n", m.Addr())
			if a := m.AdminAddr(); a != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "jailhttpd admin on %s\n", a)
			}
			return m.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: $JAILHTTPD_CONFIG, ./jailhttpd.yaml or /etc/jailhttpd/jailhttpd.yaml)")
	return cmd
}
