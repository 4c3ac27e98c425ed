package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rkamd/rccl/rendezvous"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the config file.
const (
	envSession = "RENDEZVOUS_SESSION"
	envDir     = "RENDEZVOUS_DIR"
	envCommID  = "NCCL_COMM_ID"
)

// Config holds the settings shared by every subcommand.
type Config struct {
	Dir            string        `yaml:"dir"`
	Session        int           `yaml:"session"`
	CommID         string        `yaml:"comm_id"`
	LogLevel       string        `yaml:"log_level"`
	AttachTimeout  time.Duration `yaml:"attach_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

func defaultConfig() Config {
	return Config{
		Session:        -1,
		LogLevel:       "info",
		AttachTimeout:  rendezvous.DefaultAttachTimeout,
		StartupTimeout: rendezvous.DefaultStartupTimeout,
	}
}

// fileConfig mirrors Config with pointers so that keys missing from the
// file leave the defaults alone.
type fileConfig struct {
	Dir            *string        `yaml:"dir"`
	Session        *int           `yaml:"session"`
	CommID         *string        `yaml:"comm_id"`
	LogLevel       *string        `yaml:"log_level"`
	AttachTimeout  *time.Duration `yaml:"attach_timeout"`
	StartupTimeout *time.Duration `yaml:"startup_timeout"`
}

// setCommID records a communicator address. A session given by an earlier
// source no longer applies; one given by the same source is set after it.
func (c *Config) setCommID(commID string) {
	c.CommID = commID
	c.Session = -1
}

// loadConfig layers defaults, the YAML file named by --config, the
// environment and the flags the user actually set, in that order.
func loadConfig(flags *pflag.FlagSet, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	path, err := flags.GetString("config")
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}

	if v := getenv(envDir); v != "" {
		cfg.Dir = v
	}
	if v := getenv(envCommID); v != "" {
		cfg.setCommID(v)
	}
	if v := getenv(envSession); v != "" {
		session, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envSession, err)
		}
		if err := checkSession(session); err != nil {
			return cfg, fmt.Errorf("%s: %w", envSession, err)
		}
		cfg.Session = session
	}

	if f := flags.Lookup("dir"); f != nil && f.Changed {
		cfg.Dir = f.Value.String()
	}
	if f := flags.Lookup("comm-id"); f != nil && f.Changed {
		cfg.setCommID(f.Value.String())
	}
	if f := flags.Lookup("session"); f != nil && f.Changed {
		if cfg.Session, err = flags.GetInt("session"); err != nil {
			return cfg, err
		}
		if err := checkSession(cfg.Session); err != nil {
			return cfg, fmt.Errorf("--session: %w", err)
		}
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}
	return cfg, nil
}

// checkSession rejects a session that was given but is negative; -1 is how
// Config spells "not given".
func checkSession(session int) error {
	if session < 0 {
		return fmt.Errorf("session %d is negative", session)
	}
	return nil
}

func (c *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer file.Close()

	var fc fileConfig
	d := yaml.NewDecoder(file)
	d.KnownFields(true)
	if err := d.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, err)
	}

	if fc.Dir != nil {
		c.Dir = *fc.Dir
	}
	if fc.CommID != nil {
		c.setCommID(*fc.CommID)
	}
	if fc.Session != nil {
		if err := checkSession(*fc.Session); err != nil {
			return fmt.Errorf("config %s: session: %w", path, err)
		}
		c.Session = *fc.Session
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.AttachTimeout != nil {
		c.AttachTimeout = *fc.AttachTimeout
	}
	if fc.StartupTimeout != nil {
		c.StartupTimeout = *fc.StartupTimeout
	}
	return nil
}

// ResolveSession returns the session id: the one given directly, or the
// port of the communicator address.
func (c Config) ResolveSession() (int, error) {
	if c.Session >= 0 {
		return c.Session, nil
	}
	if c.CommID != "" {
		return rendezvous.SessionFromCommID(c.CommID)
	}
	return 0, errors.New("no session: set --session, --comm-id, " + envSession + " or " + envCommID)
}

// Options translates the config into barrier options.
func (c Config) Options() []rendezvous.Option {
	opts := []rendezvous.Option{
		rendezvous.WithAttachTimeout(c.AttachTimeout),
		rendezvous.WithStartupTimeout(c.StartupTimeout),
	}
	if c.Dir != "" {
		opts = append(opts, rendezvous.WithDir(c.Dir))
	}
	return opts
}
