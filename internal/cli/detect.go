package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/jailhttpd/internal/capabilities"
)

func newDetectCmd() *cobra.Command {
	var (
		outputFormat string
		pid          int
		require      []string
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Show the capability state relevant to identity change",
		Long: `Show the capability sets of a process and whether the capabilities
used for identity change (CAP_SETUID, CAP_SETGID, CAP_SYS_CHROOT and
CAP_DAC_READ_SEARCH) are permitted or effective.

Run it against a worker pid to check that nothing guarded is left effective.
With --require the command exits 1 unless every listed capability is
permitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := parseCapabilities(require)
			if err != nil {
				return err
			}
			result, err := capabilities.Detect(pid)
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}

			var output []byte
			switch outputFormat {
			case "json":
				output, err = result.JSON()
			case "yaml":
				output, err = result.YAML()
			case "table":
				output = []byte(result.Table())
			default:
				return fmt.Errorf("unknown output format: %s", outputFormat)
			}

			if err != nil {
				return fmt.Errorf("format output: %w", err)
			}

			cmd.Println(string(output))
			return checkPermitted(result, want)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	cmd.Flags().IntVar(&pid, "pid", 0, "Process to inspect (default: this process)")
	cmd.Flags().StringSliceVar(&require, "require", nil, "Capabilities that must be permitted, e.g. setuid,setgid")
	return cmd
}

func parseCapabilities(names []string) ([]capabilities.Cap, error) {
	out := make([]capabilities.Cap, 0, len(names))
	for _, n := range names {
		c, err := capabilities.Parse(n)
		if err != nil {
			return nil, fmt.Errorf("--require: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func checkPermitted(result *capabilities.DetectResult, want []capabilities.Cap) error {
	missing := result.Missing(want)
	if len(missing) == 0 {
		return nil
	}
	return exitCode(1, "missing permitted capabilities: "+strings.Join(capabilities.Names(missing), ", "))
}
