package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kindline configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Thresholds map[string]ThresholdConfig `yaml:"thresholds"`
	Policy     PolicyConfig               `yaml:"policy"`
	Monitoring MonitoringConfig           `yaml:"monitoring"`
	Detectors  DetectorConfig             `yaml:"detectors"`
	Notify     NotifyConfig               `yaml:"notify"`
	Store      StoreConfig                `yaml:"store"`
	Telemetry  TelemetryConfig            `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr    string   `yaml:"addr"`     // HTTP listen address, e.g. ":8080"
	APIKeys []string `yaml:"api_keys"` // accepted X-Kindline-Key values; empty disables auth
}

// ThresholdConfig holds the three cut points for one signal kind plus the
// critical cut for critical-trigger kinds. Scores are compared inclusively.
type ThresholdConfig struct {
	Yellow          float64 `yaml:"yellow"`
	Red             float64 `yaml:"red"`
	Critical        float64 `yaml:"critical"`
	CriticalTrigger bool    `yaml:"critical_trigger"`
}

type PolicyConfig struct {
	// ProceedOnYellow maps subject type -> whether a yellow verdict may
	// proceed with a warning instead of forcing revision.
	ProceedOnYellow map[string]bool `yaml:"proceed_on_yellow"`
	// MaxReviseAttempts bounds the revise loop before the exhaustion action.
	MaxReviseAttempts int `yaml:"max_revise_attempts"`
	// OnReviseExhausted is "block" or "save_with_flag"; never approve.
	OnReviseExhausted string `yaml:"on_revise_exhausted"`
	// CrisisTemplateID names the emergency directive template returned on halt.
	CrisisTemplateID string `yaml:"crisis_template_id"`
}

type MonitoringConfig struct {
	Cadence      time.Duration `yaml:"cadence"`       // check-in spacing, e.g. 24h
	Window       time.Duration `yaml:"window"`        // total monitoring span, e.g. 168h
	GraceMissed  int           `yaml:"grace_missed"`  // missed check-ins tolerated before breach
	TickInterval time.Duration `yaml:"tick_interval"` // monitor runner sweep interval
}

type DetectorConfig struct {
	Timeout    time.Duration          `yaml:"timeout"`     // per-detector invocation budget
	MaxRetries uint64                 `yaml:"max_retries"` // bounded retries before fail-safe substitution
	Remotes    []RemoteDetectorConfig `yaml:"remotes"`
}

// RemoteDetectorConfig describes an external scoring endpoint.
type RemoteDetectorConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Kinds     []string `yaml:"kinds"`
}

type NotifyConfig struct {
	FilePath   string        `yaml:"file_path"`   // JSONL channel for dev setups
	WebhookURL string        `yaml:"webhook_url"` // operational channel (SMS/push gateway)
	Timeout    time.Duration `yaml:"timeout"`
	QueueSize  int           `yaml:"queue_size"`
	Workers    int           `yaml:"workers"`
}

type StoreConfig struct {
	Backend  string `yaml:"backend"`   // memory | file | postgres
	FilePath string `yaml:"file_path"` // snapshot path for the file backend
	DSN      string `yaml:"dsn"`       // postgres connection string
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
	applyDefaults(cfg)
	return cfg
}

// DefaultThresholds returns the built-in cut points per signal kind.
// Risk kinds cut low on purpose: a false negative there is the failure
// mode this system exists to prevent.
func DefaultThresholds() map[string]ThresholdConfig {
	return map[string]ThresholdConfig{
		"impoliteness":           {Yellow: 0.30, Red: 0.70},
		"manipulation":           {Yellow: 0.35, Red: 0.70},
		"toxicity":               {Yellow: 0.30, Red: 0.60},
		"pii_leak":               {Yellow: 0.25, Red: 0.55},
		"self_harm_risk":         {Yellow: 0.20, Red: 0.45},
		"explicit_suicidal_plan": {Yellow: 0.10, Red: 0.30, Critical: 0.50, CriticalTrigger: true},
		"violence_threat":        {Yellow: 0.20, Red: 0.45},
		"explicit_violence_plan": {Yellow: 0.10, Red: 0.30, Critical: 0.50, CriticalTrigger: true},
		"child_harm_intent":      {Yellow: 0.05, Red: 0.20, Critical: 0.40, CriticalTrigger: true},
		"monitoring_breach":      {Yellow: 0.10, Red: 0.50},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Thresholds == nil {
		cfg.Thresholds = map[string]ThresholdConfig{}
	}
	for kind, def := range DefaultThresholds() {
		if _, ok := cfg.Thresholds[kind]; !ok {
			cfg.Thresholds[kind] = def
		}
	}

	if cfg.Policy.ProceedOnYellow == nil {
		cfg.Policy.ProceedOnYellow = map[string]bool{}
	}
	// Letters to minors and self-authored crisis-state text never auto-proceed
	// on yellow; peer chat may.
	if _, ok := cfg.Policy.ProceedOnYellow["letter_to_minor"]; !ok {
		cfg.Policy.ProceedOnYellow["letter_to_minor"] = false
	}
	if _, ok := cfg.Policy.ProceedOnYellow["message_to_peer"]; !ok {
		cfg.Policy.ProceedOnYellow["message_to_peer"] = true
	}
	if _, ok := cfg.Policy.ProceedOnYellow["self_authored"]; !ok {
		cfg.Policy.ProceedOnYellow["self_authored"] = false
	}
	if cfg.Policy.MaxReviseAttempts <= 0 {
		cfg.Policy.MaxReviseAttempts = 3
	}
	if cfg.Policy.OnReviseExhausted == "" {
		cfg.Policy.OnReviseExhausted = "block"
	}
	if cfg.Policy.CrisisTemplateID == "" {
		cfg.Policy.CrisisTemplateID = "crisis_default"
	}

	if cfg.Monitoring.Cadence <= 0 {
		cfg.Monitoring.Cadence = 24 * time.Hour
	}
	if cfg.Monitoring.Window <= 0 {
		cfg.Monitoring.Window = 7 * 24 * time.Hour
	}
	if cfg.Monitoring.GraceMissed <= 0 {
		cfg.Monitoring.GraceMissed = 2
	}
	if cfg.Monitoring.TickInterval <= 0 {
		cfg.Monitoring.TickInterval = time.Minute
	}

	if cfg.Detectors.Timeout <= 0 {
		cfg.Detectors.Timeout = 3 * time.Second
	}
	if cfg.Detectors.MaxRetries == 0 {
		cfg.Detectors.MaxRetries = 2
	}

	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1000
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 1
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
