package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/messenger"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout of the CLI config file.
type fileConfig struct {
	Server       string `yaml:"server"`
	LiveURL      string `yaml:"live_url"`
	Token        string `yaml:"token"`
	SendTimeout  string `yaml:"send_timeout"`
	ReconnectMin string `yaml:"reconnect_min"`
	ReconnectMax string `yaml:"reconnect_max"`
	OutboxSize   int    `yaml:"outbox_size"`
}

// cliConfig is the resolved configuration after file and flags are merged.
type cliConfig struct {
	Path    string
	Verbose bool
	Client  messenger.Config
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func defaultConfigPath() string {
	if p := os.Getenv("RISKWATCH_DM_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "dm.yaml"
	}
	return filepath.Join(dir, "riskwatch", "dm.yaml")
}

// loadFileConfig reads path. A missing file yields an empty config.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fc, fmt.Errorf("parsing config file: %w", err)
	}
	return fc, nil
}

// saveToken writes token into the config file, keeping the other fields.
func saveToken(path, server, token string) error {
	fc, err := loadFileConfig(path)
	if err != nil {
		return err
	}
	fc.Token = token
	if server != "" {
		fc.Server = server
	}
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encoding config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// commonFlags registers the flags shared by every command.
type commonFlags struct {
	config      string
	server      string
	token       string
	sendTimeout time.Duration
	verbose     bool
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	cf := &commonFlags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&cf.config, "config", defaultConfigPath(), "path to the CLI config file")
	fs.StringVar(&cf.server, "server", "", "server base URL (overrides config)")
	fs.StringVar(&cf.token, "token", "", "bearer token (overrides config and RISKWATCH_TOKEN)")
	fs.DurationVar(&cf.sendTimeout, "send-timeout", 0, "how long to wait for a message acknowledgment")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "log connection activity to stderr")
	return fs, cf
}

// resolve merges the config file, the environment and flags, in increasing
// order of precedence.
func (cf *commonFlags) resolve() (cliConfig, error) {
	fc, err := loadFileConfig(cf.config)
	if err != nil {
		return cliConfig{}, err
	}

	out := cliConfig{Path: cf.config, Verbose: cf.verbose}
	c := &out.Client
	c.BaseURL = firstNonEmpty(cf.server, os.Getenv("RISKWATCH_SERVER"), fc.Server, "http://localhost:8000")
	c.WSURL = fc.LiveURL
	c.Token = firstNonEmpty(cf.token, os.Getenv("RISKWATCH_TOKEN"), fc.Token)
	c.OutboxSize = fc.OutboxSize

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"send_timeout", fc.SendTimeout, &c.SendTimeout},
		{"reconnect_min", fc.ReconnectMin, &c.ReconnectMin},
		{"reconnect_max", fc.ReconnectMax, &c.ReconnectMax},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cliConfig{}, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	if cf.sendTimeout > 0 {
		c.SendTimeout = cf.sendTimeout
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
