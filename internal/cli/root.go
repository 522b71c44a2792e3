package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jailhttpd",
		Short:         "jailhttpd: static file server with per-request identity change",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("jailhttpd {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newDetectCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
