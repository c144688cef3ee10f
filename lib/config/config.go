// Package config loads the gateway configuration.
//
// A configuration names the modules to create, the loader that creates each one, the
// arguments passed to that loader, and the links between modules. Files are YAML; JSON
// files are accepted as well since JSON is valid YAML.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/gateway.go/lib/logging"
)

// AnySource is the link source that stands for every configured module.
const AnySource = "*"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid gateway configuration")

// Config is the whole gateway configuration.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Broker  BrokerConfig   `yaml:"broker"`
	Admin   AdminConfig    `yaml:"admin"`
	Modules []ModuleConfig `yaml:"modules"`
	Links   []LinkConfig   `yaml:"links"`
}

type BrokerConfig struct {
	// QueueLimit caps undelivered messages. Zero is unbounded.
	QueueLimit int `yaml:"queue_limit"`
}

type AdminConfig struct {
	// Addr is the admin HTTP listen address. Empty disables the admin server.
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ModuleConfig describes one module instance.
type ModuleConfig struct {
	Name   string    `yaml:"name"`
	Loader string    `yaml:"loader"`
	Args   yaml.Node `yaml:"args"`
}

// ArgsJSON returns the module arguments encoded as JSON, or nil when there are none.
func (m ModuleConfig) ArgsJSON() ([]byte, error) {
	if m.Args.Kind == 0 {
		return nil, nil
	}
	var v any
	if err := m.Args.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode args of module %s: %w", m.Name, err)
	}
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args of module %s: %w", m.Name, err)
	}
	return raw, nil
}

// LinkConfig routes messages published by Source to Sink.
type LinkConfig struct {
	Source string `yaml:"source"`
	Sink   string `yaml:"sink"`
}

// Default returns a configuration with no modules, info level text logs and no admin server.
func Default() *Config {
	return &Config{
		Log:   logging.Config{Level: "info", Format: "text"},
		Admin: AdminConfig{ShutdownTimeout: Duration(5 * time.Second)},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GATEWAY_* variables looked up through getenv.
// A nil getenv uses os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("GATEWAY_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("GATEWAY_LOG_FORMAT")); v != "" {
		c.Log.Format = v
	}
	if v := strings.TrimSpace(getenv("GATEWAY_ADMIN_ADDR")); v != "" {
		c.Admin.Addr = v
	}
	if v := strings.TrimSpace(getenv("GATEWAY_QUEUE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: GATEWAY_QUEUE_LIMIT %q: %v", ErrInvalid, v, err)
		}
		c.Broker.QueueLimit = n
	}
	return c.Validate()
}

// Validate checks module names and loaders, link endpoints and limits.
func (c *Config) Validate() error {
	if c.Broker.QueueLimit < 0 {
		return fmt.Errorf("%w: negative queue_limit %d", ErrInvalid, c.Broker.QueueLimit)
	}

	names := make(map[string]struct{}, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("%w: module %d has no name", ErrInvalid, i)
		}
		if m.Name == AnySource {
			return fmt.Errorf("%w: module name %q is reserved", ErrInvalid, AnySource)
		}
		if m.Loader == "" {
			return fmt.Errorf("%w: module %s has no loader", ErrInvalid, m.Name)
		}
		if _, dup := names[m.Name]; dup {
			return fmt.Errorf("%w: duplicate module name %s", ErrInvalid, m.Name)
		}
		names[m.Name] = struct{}{}
	}

	for i, l := range c.Links {
		if _, ok := names[l.Source]; !ok && l.Source != AnySource {
			return fmt.Errorf("%w: link %d source %q is not a module", ErrInvalid, i, l.Source)
		}
		if _, ok := names[l.Sink]; !ok {
			return fmt.Errorf("%w: link %d sink %q is not a module", ErrInvalid, i, l.Sink)
		}
	}
	return nil
}
