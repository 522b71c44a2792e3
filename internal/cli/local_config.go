package cli

import (
	"os"

	"github.com/agentsh/jailhttpd/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("JAILHTTPD_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"jailhttpd.yaml", "jailhttpd.yml", "/etc/jailhttpd/jailhttpd.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/etc/jailhttpd/jailhttpd.yaml"
}

func loadLocalConfig(path string, opts ...config.Option) (*config.Config, string, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path, opts...)
	return cfg, path, err
}
