// Package config loads node configuration from a YAML file with CHATM_*
// environment overrides. Every gating constant is tunable; zero values fall
// back to the defaults baked into the owning package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	CampusID    string `yaml:"campus_id"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Issuer IssuerConfig `yaml:"issuer"`
	Gate   GateConfig   `yaml:"gate"`
}

type IssuerConfig struct {
	// URL of the credential issuer; the key set is fetched from its
	// well-known path.
	URL string `yaml:"url"`
	// Hex-encoded Ed25519 public key for offline certs.
	CertKey   string   `yaml:"cert_key"`
	KeySetTTL Duration `yaml:"key_set_ttl"`
}

type GateConfig struct {
	NeighborCap     int      `yaml:"neighbor_cap"`
	GlobalCap       int      `yaml:"global_cap"`
	NegativeTTL     Duration `yaml:"negative_ttl"`
	StalenessCap    Duration `yaml:"staleness_cap"`
	RequestInterval Duration `yaml:"request_interval"`
	PruneInterval   Duration `yaml:"prune_interval"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "6h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the config file (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.CampusID == "" {
		return Config{}, fmt.Errorf("missing campus_id")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.CampusID, "CHATM_CAMPUS_ID")
	setString(&c.ListenAddr, "CHATM_LISTEN_ADDR")
	setString(&c.MetricsAddr, "CHATM_METRICS_ADDR")
	setString(&c.LogLevel, "CHATM_LOG_LEVEL")
	setString(&c.Issuer.URL, "CHATM_ISSUER_URL")
	setString(&c.Issuer.CertKey, "CHATM_ISSUER_CERT_KEY")
	setDuration(&c.Issuer.KeySetTTL, "CHATM_KEY_SET_TTL")
	setInt(&c.Gate.NeighborCap, "CHATM_GATE_NEIGHBOR_CAP")
	setInt(&c.Gate.GlobalCap, "CHATM_GATE_GLOBAL_CAP")
	setDuration(&c.Gate.NegativeTTL, "CHATM_GATE_NEGATIVE_TTL")
	setDuration(&c.Gate.StalenessCap, "CHATM_GATE_STALENESS_CAP")
	setDuration(&c.Gate.RequestInterval, "CHATM_GATE_REQUEST_INTERVAL")
	setDuration(&c.Gate.PruneInterval, "CHATM_GATE_PRUNE_INTERVAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = Duration(d)
		}
	}
}
