package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
	"github.com/Mindburn-Labs/accord/pkg/trust"
)

// Config holds the settings of an accord node.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DatabaseURL   string `yaml:"database_url"`
	JournalDriver string `yaml:"journal_driver"`
	ContractsPath string `yaml:"contracts_path"`

	// VerificationLevel is the default tier for recorded events.
	VerificationLevel   string              `yaml:"verification_level"`
	TrustThreshold      float64             `yaml:"trust_threshold"`
	EscalationThreshold interfaces.Severity `yaml:"escalation_threshold"`

	Trust      TrustConfig            `yaml:"trust"`
	Reputation trust.ReputationConfig `yaml:"reputation"`
	Anchor     AnchorConfig           `yaml:"anchor"`
	Escalation EscalationConfig       `yaml:"escalation"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
}

// TrustConfig bounds transitive trust.
type TrustConfig struct {
	MaxHops int     `yaml:"max_hops"`
	Decay   float64 `yaml:"decay"`
}

// AnchorConfig selects the external anchor backend.
type AnchorConfig struct {
	Backend       string        `yaml:"backend"`
	Threshold     int           `yaml:"threshold"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RateLimit     float64       `yaml:"rate_limit"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// EscalationConfig configures review timeouts and the digest channel.
type EscalationConfig struct {
	Timeouts     map[interfaces.Severity]time.Duration `yaml:"timeouts"`
	RedisAddr    string                                `yaml:"redis_addr"`
	RedisChannel string                                `yaml:"redis_channel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Anchor backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendRedis = "redis"
)

var levels = []string{"basic", "standard", "full"}

// Default returns a config that runs a single local node with no external
// services.
func Default() *Config {
	return &Config{
		LogLevel:            "INFO",
		LogFormat:           "text",
		DatabaseURL:         "accord.db",
		JournalDriver:       string(eventstore.DialectSQLite),
		VerificationLevel:   "standard",
		TrustThreshold:      0.5,
		EscalationThreshold: interfaces.SeverityHigh,
		Trust: TrustConfig{
			MaxHops: trust.DefaultMaxHops,
			Decay:   trust.DefaultDecay,
		},
		Reputation: trust.DefaultReputationConfig(),
		Anchor: AnchorConfig{
			Backend:       BackendLocal,
			Threshold:     100,
			Prefix:        "accord/anchors",
			RateLimit:     2,
			SubmitTimeout: 10 * time.Second,
		},
		Escalation: EscalationConfig{
			RedisChannel: "accord:escalations",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "accord",
			Environment: "development",
			SampleRate:  1.0,
		},
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format: must be text or json, got %q", c.LogFormat))
	}
	if _, err := eventstore.ParseDialect(c.JournalDriver); err != nil {
		errs = append(errs, fmt.Errorf("journal_driver: %w", err))
	}
	if !contains(levels, c.VerificationLevel) {
		errs = append(errs, fmt.Errorf("verification_level: must be one of %s, got %q", strings.Join(levels, ", "), c.VerificationLevel))
	}
	if !inUnit(c.TrustThreshold) {
		errs = append(errs, fmt.Errorf("trust_threshold: %v is outside [0,1]", c.TrustThreshold))
	}
	if !c.EscalationThreshold.Valid() {
		errs = append(errs, fmt.Errorf("escalation_threshold: unknown severity %q", c.EscalationThreshold))
	}
	if c.Trust.MaxHops < 1 {
		errs = append(errs, fmt.Errorf("trust.max_hops: must be at least 1, got %d", c.Trust.MaxHops))
	}
	if c.Trust.Decay <= 0 || c.Trust.Decay > 1 {
		errs = append(errs, fmt.Errorf("trust.decay: %v is outside (0,1]", c.Trust.Decay))
	}
	if r := c.Reputation; !inUnit(r.InitialScore) || r.Step <= 0 || r.PenaltyFactor < r.RewardFactor {
		errs = append(errs, errors.New("reputation: initial_score must be in [0,1], step positive and penalty_factor >= reward_factor"))
	}
	errs = append(errs, c.Anchor.validate()...)
	for sev, d := range c.Escalation.Timeouts {
		if !sev.Valid() {
			errs = append(errs, fmt.Errorf("escalation.timeouts: unknown severity %q", sev))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("escalation.timeouts.%s: must be positive", sev))
		}
	}
	if t := c.Telemetry; t.Enabled && t.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry: otlp_endpoint is required when enabled"))
	}
	return errors.Join(errs...)
}

func (a AnchorConfig) validate() []error {
	var errs []error
	switch a.Backend {
	case BackendLocal:
	case BackendS3, BackendGCS:
		if a.Bucket == "" {
			errs = append(errs, fmt.Errorf("anchor.bucket: required for backend %s", a.Backend))
		}
	case BackendRedis:
		if a.RedisAddr == "" {
			errs = append(errs, errors.New("anchor.redis_addr: required for backend redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("anchor.backend: unknown backend %q", a.Backend))
	}
	if a.Threshold < 0 {
		errs = append(errs, fmt.Errorf("anchor.threshold: must not be negative, got %d", a.Threshold))
	}
	if a.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("anchor.rate_limit: must not be negative, got %v", a.RateLimit))
	}
	return errs
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func inUnit(f float64) bool { return f >= 0 && f <= 1 }
