// Package config loads the settings of the chatsync client and sets up its logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/fallback"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the client settings. Values come from the YAML file, then the environment.
type Config struct {
	Server        string        `yaml:"server"`
	Token         string        `yaml:"token"`
	Model         string        `yaml:"model"`
	StreamTimeout time.Duration `yaml:"streamTimeout"`
	Poll          PollConfig    `yaml:"poll"`

	LogFile  string `yaml:"logFile"`
	LogLevel string `yaml:"logLevel"`
}

// PollConfig is the backoff of the polling fallback.
type PollConfig struct {
	Initial time.Duration `yaml:"initial"`
	Step    time.Duration `yaml:"step"`
	Max     time.Duration `yaml:"max"`
	Retries uint64        `yaml:"retries"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	p := fallback.DefaultPolicy()
	return Config{
		Server:        "http://localhost:8080",
		StreamTimeout: 60 * time.Second,
		Poll: PollConfig{
			Initial: p.Initial,
			Step:    p.Step,
			Max:     p.Max,
			Retries: p.Retries,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns the config file looked up when none is given.
func DefaultPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "chatsync", "config.yaml"), nil
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults and applies environment overrides. A missing file is
// only an error when required is true.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return Config{}, fmt.Errorf("error decoding config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return Config{}, fmt.Errorf("error opening config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PollPolicy converts the poll settings.
func (c Config) PollPolicy() fallback.Policy {
	return fallback.Policy{
		Initial: c.Poll.Initial,
		Step:    c.Poll.Step,
		Max:     c.Poll.Max,
		Retries: c.Poll.Retries,
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Server, "CHATSYNC_SERVER")
	setString(&c.Token, "CHATSYNC_TOKEN")
	setString(&c.Model, "CHATSYNC_MODEL")
	setString(&c.LogFile, "CHATSYNC_LOG_FILE")
	setString(&c.LogLevel, "CHATSYNC_LOG_LEVEL")

	if v := os.Getenv("CHATSYNC_STREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_STREAM_TIMEOUT: %w", err)
		}
		c.StreamTimeout = d
	}
	if v := os.Getenv("CHATSYNC_POLL_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_POLL_RETRIES: %w", err)
		}
		c.Poll.Retries = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
