package server

import (
	"fmt"
	"log/slog"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/config"
)

// DetectFunc reads the capability sets of a process. capabilities.Detect
// is the production implementation.
type DetectFunc func(pid int) (*capabilities.DetectResult, error)

// ValidateSecurity checks that the master holds what its workers inherit
// and need. Workers change identity only when max_requests_per_worker is 1;
// otherwise they run as the server user and a warning is logged.
func ValidateSecurity(cfg *config.Config, detect DetectFunc, log *slog.Logger) (*capabilities.DetectResult, error) {
	if !cfg.IdentityChangeActive() {
		log.Warn("per-request identity change disabled",
			"max_requests_per_worker", cfg.Server.MaxRequestsPerWorker)
		return nil, nil
	}

	caps, err := detect(0)
	if err != nil {
		return nil, fmt.Errorf("detect capabilities: %w", err)
	}

	need := []capabilities.Cap{capabilities.SetUID, capabilities.SetGID}
	if cfg.ChrootUsed() {
		need = append(need, capabilities.SysChroot)
	}
	var missing []string
	for _, c := range need {
		if !caps.Guarded[c.String()].Permitted {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		return caps, fmt.Errorf("identity change needs permitted capabilities %v", missing)
	}

	LogSecurityCapabilities(caps, log)
	return caps, nil
}

// LogSecurityCapabilities logs the detected capability state at startup.
func LogSecurityCapabilities(caps *capabilities.DetectResult, log *slog.Logger) {
	log.Info("capabilities detected",
		"pid", caps.PID,
		"effective", len(caps.Effective),
		"permitted", len(caps.Permitted),
		"ready", caps.Ready,
	)
}
