package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// EnvConfigPath names the variable holding an optional YAML config file.
const EnvConfigPath = "ACCORD_CONFIG"

// Load builds the config from defaults, the YAML file named by
// ACCORD_CONFIG if set, then ACCORD_* environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"ACCORD_LOG_LEVEL":          &c.LogLevel,
		"ACCORD_LOG_FORMAT":         &c.LogFormat,
		"ACCORD_DATABASE_URL":       &c.DatabaseURL,
		"ACCORD_JOURNAL_DRIVER":     &c.JournalDriver,
		"ACCORD_CONTRACTS_PATH":     &c.ContractsPath,
		"ACCORD_VERIFICATION_LEVEL": &c.VerificationLevel,
		"ACCORD_ANCHOR_BACKEND":     &c.Anchor.Backend,
		"ACCORD_ANCHOR_BUCKET":      &c.Anchor.Bucket,
		"ACCORD_ANCHOR_REGION":      &c.Anchor.Region,
		"ACCORD_ANCHOR_ENDPOINT":    &c.Anchor.Endpoint,
		"ACCORD_REDIS_ADDR":         &c.Anchor.RedisAddr,
		"ACCORD_REDIS_PASSWORD":     &c.Anchor.RedisPassword,
		"ACCORD_ESCALATION_REDIS":   &c.Escalation.RedisAddr,
		"ACCORD_OTLP_ENDPOINT":      &c.Telemetry.OTLPEndpoint,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("ACCORD_ESCALATION_THRESHOLD"); v != "" {
		sev, err := interfaces.ParseSeverity(v)
		if err != nil {
			return fmt.Errorf("ACCORD_ESCALATION_THRESHOLD: %w", err)
		}
		c.EscalationThreshold = sev
	}
	if v := os.Getenv("ACCORD_TRUST_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ACCORD_TRUST_THRESHOLD: %w", err)
		}
		c.TrustThreshold = f
	}
	if v := os.Getenv("ACCORD_ANCHOR_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ACCORD_ANCHOR_THRESHOLD: %w", err)
		}
		c.Anchor.Threshold = n
	}
	if v := os.Getenv("ACCORD_OTLP_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ACCORD_OTLP_INSECURE: %w", err)
		}
		c.Telemetry.Insecure = b
	}
	if c.Telemetry.OTLPEndpoint != "" && os.Getenv("ACCORD_OTLP_ENDPOINT") != "" {
		c.Telemetry.Enabled = true
	}
	return nil
}
