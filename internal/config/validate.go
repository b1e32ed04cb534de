package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	for kind, t := range cfg.Thresholds {
		if err := validateThreshold(kind, t); err != nil {
			return err
		}
	}

	switch cfg.Policy.OnReviseExhausted {
	case "block", "save_with_flag":
	default:
		return fmt.Errorf("policy.on_revise_exhausted must be block or save_with_flag, got %q", cfg.Policy.OnReviseExhausted)
	}
	if cfg.Policy.MaxReviseAttempts <= 0 {
		return errors.New("policy.max_revise_attempts must be positive")
	}

	if cfg.Monitoring.Cadence <= 0 {
		return errors.New("monitoring.cadence must be positive")
	}
	if cfg.Monitoring.Window < cfg.Monitoring.Cadence {
		return errors.New("monitoring.window must cover at least one cadence interval")
	}

	for _, r := range cfg.Detectors.Remotes {
		if strings.TrimSpace(r.Name) == "" {
			return errors.New("detector remote name must be set")
		}
		if err := validateURL("detectors.remotes."+r.Name+".url", r.URL); err != nil {
			return err
		}
		if len(r.Kinds) == 0 {
			return fmt.Errorf("detector remote %q must declare the kinds it scores", r.Name)
		}
	}

	if cfg.Notify.WebhookURL != "" {
		if err := validateURL("notify.webhook_url", cfg.Notify.WebhookURL); err != nil {
			return err
		}
	}

	switch cfg.Store.Backend {
	case "memory":
	case "file":
		if strings.TrimSpace(cfg.Store.FilePath) == "" {
			return errors.New("store.file_path must be set for the file backend")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, file or postgres, got %q", cfg.Store.Backend)
	}

	if cfg.Telemetry.Enabled {
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			return errors.New("telemetry.endpoint must be set when telemetry is enabled")
		}
		switch strings.ToLower(cfg.Telemetry.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", cfg.Telemetry.Protocol)
		}
	}

	return nil
}

func validateThreshold(kind string, t ThresholdConfig) error {
	for name, v := range map[string]float64{"yellow": t.Yellow, "red": t.Red, "critical": t.Critical} {
		if v < 0 || v > 1 {
			return fmt.Errorf("thresholds.%s.%s must be in [0,1], got %v", kind, name, v)
		}
	}
	if t.Red < t.Yellow {
		return fmt.Errorf("thresholds.%s: red cut %v below yellow cut %v", kind, t.Red, t.Yellow)
	}
	if t.CriticalTrigger && t.Critical <= 0 {
		return fmt.Errorf("thresholds.%s: critical_trigger set but no critical cut", kind)
	}
	if t.CriticalTrigger && t.Critical < t.Red {
		return fmt.Errorf("thresholds.%s: critical cut %v below red cut %v", kind, t.Critical, t.Red)
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be a valid absolute URL, got %q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	return nil
}
