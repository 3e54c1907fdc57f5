// Package config loads the harness configuration: defaults, then a YAML
// file, then PLUGINATE_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is tried when no file is named.
const DefaultPath = "pluginate.yaml"

// FeatureSet is the feature bits advertised to the plugin in init.
type FeatureSet struct {
	Init    string `yaml:"init"`
	Node    string `yaml:"node"`
	Channel string `yaml:"channel"`
	Invoice string `yaml:"invoice"`
}

// Config is everything the harness needs besides the plugin command.
type Config struct {
	Network        string         `yaml:"network"`
	DeprecatedAPIs bool           `yaml:"deprecatedApis"`
	CannedDir      string         `yaml:"cannedDir"`
	FeatureSet     FeatureSet     `yaml:"featureSet"`
	Options        map[string]any `yaml:"options"`
	LogLevel       string         `yaml:"logLevel"`

	// RateLimit caps socket requests per second; zero disables it.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`

	MetricsAddr   string   `yaml:"metricsAddr"`
	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	RegistryTTL   int64    `yaml:"registryTtl"`
}

// Default returns the configuration the harness runs with when nothing is
// configured.
func Default() Config {
	return Config{
		Network: "regtest",
		FeatureSet: FeatureSet{
			Init:    "02aaa2",
			Node:    "8000000002aaa2",
			Channel: "",
			Invoice: "028200",
		},
		Options:     map[string]any{},
		LogLevel:    "info",
		RateBurst:   1,
		RegistryTTL: 10,
	}
}

// fileConfig mirrors Config with pointers so an absent key keeps the
// default.
type fileConfig struct {
	Network        *string        `yaml:"network"`
	DeprecatedAPIs *bool          `yaml:"deprecatedApis"`
	CannedDir      *string        `yaml:"cannedDir"`
	FeatureSet     *FeatureSet    `yaml:"featureSet"`
	Options        map[string]any `yaml:"options"`
	LogLevel       *string        `yaml:"logLevel"`
	RateLimit      *float64       `yaml:"rateLimit"`
	RateBurst      *int           `yaml:"rateBurst"`
	MetricsAddr    *string        `yaml:"metricsAddr"`
	EtcdEndpoints  []string       `yaml:"etcdEndpoints"`
	RegistryTTL    *int64         `yaml:"registryTtl"`
}

// LoadFromPath reads path, or DefaultPath when path is empty. A missing
// default file is not an error; a missing named file is.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	name := path
	if name == "" {
		name = DefaultPath
	}
	data, err := os.ReadFile(name)
	switch {
	case err == nil:
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", name, err)
		}
		merge(&cfg, parsed)
	case path == "" && errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("config: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// merge copies every key present in src over dst.
func merge(dst *Config, src fileConfig) {
	if src.Network != nil {
		dst.Network = *src.Network
	}
	if src.DeprecatedAPIs != nil {
		dst.DeprecatedAPIs = *src.DeprecatedAPIs
	}
	if src.CannedDir != nil {
		dst.CannedDir = *src.CannedDir
	}
	if src.FeatureSet != nil {
		dst.FeatureSet = *src.FeatureSet
	}
	for k, v := range src.Options {
		dst.Options[k] = v
	}
	if src.LogLevel != nil {
		dst.LogLevel = *src.LogLevel
	}
	if src.RateLimit != nil {
		dst.RateLimit = *src.RateLimit
	}
	if src.RateBurst != nil {
		dst.RateBurst = *src.RateBurst
	}
	if src.MetricsAddr != nil {
		dst.MetricsAddr = *src.MetricsAddr
	}
	if src.EtcdEndpoints != nil {
		dst.EtcdEndpoints = src.EtcdEndpoints
	}
	if src.RegistryTTL != nil {
		dst.RegistryTTL = *src.RegistryTTL
	}
}

// ApplyEnvOverrides applies PLUGINATE_* variables. Malformed values are
// reported rather than ignored.
func ApplyEnvOverrides(cfg *Config) error {
	if v := env("PLUGINATE_NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := env("PLUGINATE_CANNED_DIR"); v != "" {
		cfg.CannedDir = v
	}
	if v := env("PLUGINATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("PLUGINATE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := env("PLUGINATE_ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := env("PLUGINATE_DEPRECATED_APIS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PLUGINATE_DEPRECATED_APIS: %w", err)
		}
		cfg.DeprecatedAPIs = b
	}
	if v := env("PLUGINATE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: PLUGINATE_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
