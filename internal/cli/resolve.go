package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/identity"
	"github.com/agentsh/jailhttpd/internal/server"
	"github.com/agentsh/jailhttpd/internal/transition"
)

type resolveOutput struct {
	Host        string             `json:"host"`
	VirtualHost []string           `json:"virtual_host"`
	Effective   config.Effective   `json:"effective"`
	Candidate   identity.Candidate `json:"candidate"`
	Outcome     string             `json:"outcome"`
	Identity    *identity.Resolved `json:"identity,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func newResolveCmd() *cobra.Command {
	var (
		configPath string
		host       string
		urlPath    string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the identity a request would run under, without changing credentials",
		Example: `  jailhttpd resolve --host www.example.com --path /bob/index.html
  jailhttpd resolve --host example.com --path /upload --owner 1005:1005`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			var ownerID *identity.Candidate
			if owner != "" {
				c, err := parseOwner(owner)
				if err != nil {
					return err
				}
				ownerID = &c
			}

			out, err := resolveRequest(cfg, host, urlPath, ownerID)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"virtual host", strings.Join(out.VirtualHost, ",")},
				{"path", out.Effective.Path},
				{"outcome", out.Outcome},
			}
			if out.Identity != nil {
				rows = append(rows, []string{"identity", out.Identity.String()})
			}
			if c := out.Effective.Chroot; c != nil {
				rows = append(rows, []string{"chroot", c.Dir})
			}
			if out.Reason != "" {
				rows = append(rows, []string{"reason", out.Reason})
			}
			return printResult(cmd, out, []string{"FIELD", "VALUE"}, rows)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config file path")
	cmd.Flags().StringVar(&host, "host", "", "Request Host header")
	cmd.Flags().StringVar(&urlPath, "path", "/", "Request URL path")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner uid:gid of the resource (default: stat the file)")
	return cmd
}

// resolveRequest runs the configuration merge and the credential resolver
// for one request. The process identity is not touched.
func resolveRequest(cfg *config.Config, host, urlPath string, owner *identity.Candidate) (resolveOutput, error) {
	vh := cfg.HostFor(host)
	if vh == nil {
		return resolveOutput{}, fmt.Errorf("no virtual hosts configured")
	}
	eff := vh.EffectiveFor(urlPath)
	out := resolveOutput{
		Host:        host,
		VirtualHost: vh.Names,
		Effective:   eff,
		Outcome:     transition.OutcomeDeclined.String(),
	}
	if owner == nil {
		var err error
		if owner, err = server.OwnerOf(eff); err != nil {
			out.Outcome = transition.OutcomeForbidden.String()
			out.Reason = err.Error()
			return out, nil
		}
	}
	out.Candidate = eff.Candidate(owner)
	if !eff.Enabled || !cfg.IdentityChangeActive() {
		return out, nil
	}

	startup, err := os.Getgroups()
	if err != nil || len(startup) > identity.MaxGroups {
		startup = nil
	}
	id := identity.Resolve(out.Candidate, eff.Policy(), startup)
	out.Identity = &id
	out.Outcome = transition.OutcomeProceed.String()
	return out, nil
}

func parseOwner(s string) (identity.Candidate, error) {
	u, g, ok := strings.Cut(s, ":")
	if !ok {
		return identity.Candidate{}, fmt.Errorf("owner must be uid:gid, got %q", s)
	}
	uid, err := strconv.Atoi(u)
	if err != nil {
		return identity.Candidate{}, fmt.Errorf("owner uid %q: %w", u, err)
	}
	gid, err := strconv.Atoi(g)
	if err != nil {
		return identity.Candidate{}, fmt.Errorf("owner gid %q: %w", g, err)
	}
	return identity.Candidate{UID: uid, GID: gid}, nil
}
