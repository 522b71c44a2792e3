package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/jailhttpd/internal/config"
)

func newConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.PersistentFlags().StringVar(&path, "config", "", "Config file path (defaults to JAILHTTPD_CONFIG or jailhttpd.yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the config after defaults and env overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadLocalConfig(path)
			if err != nil {
				return err
			}
			b, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and list its virtual hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := loadLocalConfig(path)
			if err != nil {
				return exitCode(2, fmt.Sprintf("%s: %v", p, err))
			}
			hosts := hostSummaries(cfg)
			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{
					strings.Join(h.Names, ","), h.DocumentRoot, h.Chroot,
					fmt.Sprint(h.IdentityChange), fmt.Sprint(h.Directories),
				})
			}
			if !cfg.IdentityChangeActive() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: max_requests_per_worker is %d, identity change is inactive\n",
					cfg.Server.MaxRequestsPerWorker)
			}
			return printResult(cmd, hosts, []string{"NAMES", "DOCUMENT ROOT", "CHROOT", "IDENTITY CHANGE", "DIRECTORIES"}, rows)
		},
	})

	return cmd
}

type hostSummary struct {
	Names          []string `json:"names"`
	DocumentRoot   string   `json:"document_root"`
	Chroot         string   `json:"chroot,omitempty"`
	IdentityChange bool     `json:"identity_change"`
	Directories    int      `json:"directories"`
}

func hostSummaries(cfg *config.Config) []hostSummary {
	var out []hostSummary
	for _, h := range cfg.Hosts() {
		s := hostSummary{
			Names:          h.Names,
			DocumentRoot:   h.DocumentRoot,
			IdentityChange: h.Base.Enabled.Set && h.Base.Enabled.Value,
			Directories:    len(h.Directories),
		}
		if c := h.Server.Chroot; c != nil {
			s.Chroot = c.Dir
		}
		out = append(out, s)
	}
	return out
}
