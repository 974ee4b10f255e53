package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"deploycli/pkg/digest"
)

const (
	configDirName  = "deploycli"
	configFileName = "config.yaml"

	envServer   = "DEPLOY_SERVER"
	envPassword = "DEPLOY_PASSWORD"
	envCacheDir = "DEPLOY_CACHE_DIR"
	envDigest   = "DEPLOY_DIGEST"
	envPubKey   = "AGE_PUBLIC_KEY"
)

// Config is the client configuration file.
type Config struct {
	Server    string `yaml:"server"`
	Password  string `yaml:"password"`
	CacheDir  string `yaml:"cache_dir,omitempty"`
	Digest    string `yaml:"digest,omitempty"`
	PublicKey string `yaml:"public_key,omitempty"`
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Server:   "http://localhost:3000",
		Password: "password",
	}
}

// DefaultConfigPath returns <user config dir>/deploycli/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// LoadConfig reads path, creating it with defaults when missing, then
// applies environment overrides. created reports whether the file was
// written.
func LoadConfig(path string) (cfg Config, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = DefaultConfig()
		if err := writeConfig(path, cfg); err != nil {
			return Config{}, false, err
		}
		created = true
	case err != nil:
		return Config{}, false, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		envServer:   &c.Server,
		envPassword: &c.Password,
		envCacheDir: &c.CacheDir,
		envDigest:   &c.Digest,
		envPubKey:   &c.PublicKey,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*field = v
		}
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("config missing server field")
	}
	if _, err := digest.Parse(c.Digest); err != nil {
		return err
	}
	return nil
}

// CachePath returns the configured cache directory, defaulting to a
// deploycli directory under the system temp dir.
func (c Config) CachePath() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(os.TempDir(), configDirName)
}

// DigestAlgorithm returns the configured change-detection algorithm.
func (c Config) DigestAlgorithm() digest.Algorithm {
	algo, err := digest.Parse(c.Digest)
	if err != nil {
		return digest.MD5
	}
	return algo
}
