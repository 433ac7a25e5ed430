package config

import (
	"fmt"
	"os"
	"path/filepath"

	sigsyaml "sigs.k8s.io/yaml"
)

// Config is the application configuration for the apiary server.
type Config struct {
	// Host to bind the facing SSE endpoint to.
	Host string `json:"host"`
	// Port of the facing SSE endpoint.
	Port int `json:"port"`
	// LogLevel filters log output: debug, info, warn, error.
	LogLevel string `json:"logLevel"`
	// ProviderListPath is the persisted provider list document.
	ProviderListPath string `json:"providerListPath"`
}

// Default returns the built-in configuration. The provider list lives in
// the user config directory.
func Default() Config {
	return Config{
		Host:             "localhost",
		Port:             8333,
		LogLevel:         "info",
		ProviderListPath: filepath.Join(userConfigDir(), "apiary", "providers.json"),
	}
}

// DefaultConfigPath is where Load looks when no explicit path is given.
func DefaultConfigPath() string {
	return filepath.Join(userConfigDir(), "apiary", "config.yaml")
}

// Load reads the configuration file at path, layered over the defaults.
// An empty path means the default location; a missing default file yields
// the defaults, while a missing explicit file is an error. The file may be
// YAML or JSON.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config at %s: %w", path, err)
	}

	if err := sigsyaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("malformed config at %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config at %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.ProviderListPath == "" {
		return fmt.Errorf("providerListPath must not be empty")
	}
	return nil
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}
