// Package config provides YAML configuration parsing for the pushpoll binary.
//
// This package enables running a pushpoll client or server as a standalone
// binary with a configuration file, as an alternative to the programmatic SDK
// approach. A file may hold a client section, a server section, or both.
//
// Example configuration:
//
//	client:
//	  base_url: "https://${PUSH_HOST:-localhost:8080}/push?_action_="
//	  id: kiosk-7
//	  codec: cbor
//	  min_delay: 3s
//	  max_delay: 8s
//	  handlers: [log, print]
//
//	server:
//	  port: 8080
//	  hold_timeout: 25s
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Parse].
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMinDelay    = 3 * time.Second
	DefaultMaxDelay    = 8 * time.Second
	DefaultPort        = 8080
	DefaultPollPath    = "/push"
	DefaultHoldTimeout = 25 * time.Second
	DefaultMaxPending  = 100
	DefaultClientTTL   = 10 * time.Minute
)

// minTimeout is the shortest request or hold timeout accepted.
const minTimeout = 1 * time.Second

// knownHandlers are the built-in handlers a config file can enable.
var knownHandlers = map[string]struct{}{
	"log":   {},
	"print": {},
	"noop":  {},
}

// Config is the root configuration structure for pushpoll.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Client configures the long-poll client run by "pushpoll poll".
	Client *ClientConfig `yaml:"client"`

	// Server configures the push server run by "pushpoll serve".
	Server *ServerConfig `yaml:"server"`
}

// ClientConfig defines a long-poll client.
type ClientConfig struct {
	// BaseURL is the poll endpoint ending in an open query parameter, such as
	// "https://host/push?_action_=".
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	BaseURL string `yaml:"base_url"`

	// ID identifies the client to the server. Defaults to a random UUID.
	// Supports environment variable substitution.
	ID string `yaml:"id"`

	// InitialRequestID seeds the request counter. Defaults to 0.
	InitialRequestID uint64 `yaml:"initial_request_id"`

	// Timeout bounds each poll request. Defaults to 60s.
	Timeout Duration `yaml:"timeout"`

	// MinDelay and MaxDelay bound the jittered reopen delay.
	// Default to 3s and 8s.
	MinDelay Duration `yaml:"min_delay"`
	MaxDelay Duration `yaml:"max_delay"`

	// Codec is the encoding requested from the server: "json" or "cbor".
	Codec string `yaml:"codec"`

	// Headers are custom HTTP headers sent with each poll.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Handlers lists the built-in handlers to enable: log, print, noop.
	// log and noop are always enabled.
	Handlers []string `yaml:"handlers"`

	// MetricsPort serves Prometheus metrics for the client when non-zero.
	MetricsPort int `yaml:"metrics_port"`
}

// ServerConfig defines a push server.
type ServerConfig struct {
	// Title is the console title. Defaults to "pushpoll" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollPath is the path clients poll. Defaults to "/push".
	PollPath string `yaml:"poll_path"`

	// HoldTimeout is how long an empty poll is held open. Defaults to 25s.
	HoldTimeout Duration `yaml:"hold_timeout"`

	// MaxPending bounds each client's command queue. Defaults to 100.
	MaxPending int `yaml:"max_pending"`

	// ClientTTL is how long a client may go without polling before the
	// server forgets it and its queue. Defaults to 10m.
	ClientTTL Duration `yaml:"client_ttl"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the client base URL, id and header
// values. Defaults are applied to every section present.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if cl := c.Client; cl != nil {
		if cl.Timeout == 0 {
			cl.Timeout = Duration(DefaultTimeout)
		}
		if cl.MinDelay == 0 {
			cl.MinDelay = Duration(DefaultMinDelay)
		}
		if cl.MaxDelay == 0 {
			cl.MaxDelay = Duration(DefaultMaxDelay)
		}
		if cl.Codec == "" {
			cl.Codec = "json"
		}
	}

	if s := c.Server; s != nil {
		if s.Port == 0 {
			s.Port = DefaultPort
		}
		if s.PollPath == "" {
			s.PollPath = DefaultPollPath
		}
		if s.HoldTimeout == 0 {
			s.HoldTimeout = Duration(DefaultHoldTimeout)
		}
		if s.MaxPending == 0 {
			s.MaxPending = DefaultMaxPending
		}
		if s.ClientTTL == 0 {
			s.ClientTTL = Duration(DefaultClientTTL)
		}
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Client == nil && c.Server == nil {
		return errors.New("at least one of client or server must be defined")
	}

	if c.Client != nil {
		if err := c.Client.expandAndValidate(); err != nil {
			return err
		}
	}
	if c.Server != nil {
		if err := c.Server.validate(); err != nil {
			return err
		}
	}

	// a hold longer than the request timeout turns every idle poll into a failure
	if c.Client != nil && c.Server != nil && c.Server.HoldTimeout >= c.Client.Timeout {
		return fmt.Errorf("server.hold_timeout (%s) must be shorter than client.timeout (%s)",
			c.Server.HoldTimeout.Duration(), c.Client.Timeout.Duration())
	}

	return nil
}

func (cl *ClientConfig) expandAndValidate() error {
	if cl.BaseURL == "" {
		return errors.New("client: base_url is required")
	}
	expanded, err := expandEnvVars(cl.BaseURL)
	if err != nil {
		return fmt.Errorf("client: base_url: %w", err)
	}
	cl.BaseURL = expanded

	parsedURL, err := url.Parse(cl.BaseURL)
	if err != nil {
		return fmt.Errorf("client: invalid base_url: %w", err)
	}
	if parsedURL.Scheme == "" {
		return errors.New("client: base_url must have a scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("client: base_url scheme must be http or https, got %q", parsedURL.Scheme)
	}
	if !strings.Contains(cl.BaseURL, "?") {
		return errors.New("client: base_url must end in an open query parameter, e.g. \"/push?_action_=\"")
	}

	if cl.ID != "" {
		id, err := expandEnvVars(cl.ID)
		if err != nil {
			return fmt.Errorf("client: id: %w", err)
		}
		cl.ID = id
	}

	for k, v := range cl.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("client: headers[%s]: %w", k, err)
		}
		cl.Headers[k] = expanded
	}

	if cl.Timeout.Duration() < minTimeout {
		return fmt.Errorf("client: timeout must be at least %s, got %s", minTimeout, cl.Timeout.Duration())
	}
	if cl.MinDelay.Duration() <= 0 {
		return fmt.Errorf("client: min_delay must be positive, got %s", cl.MinDelay.Duration())
	}
	if cl.MaxDelay <= cl.MinDelay {
		return fmt.Errorf("client: max_delay (%s) must be greater than min_delay (%s)",
			cl.MaxDelay.Duration(), cl.MinDelay.Duration())
	}

	if _, err := command.ParseCodec(cl.Codec); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	for i, h := range cl.Handlers {
		if _, ok := knownHandlers[h]; !ok {
			return fmt.Errorf("client: handlers[%d]: unknown handler %q (expected log, print or noop)", i, h)
		}
	}

	if cl.MetricsPort < 0 || cl.MetricsPort > 65535 {
		return fmt.Errorf("client: metrics_port must be between 0 and 65535, got %d", cl.MetricsPort)
	}

	return nil
}

func (s *ServerConfig) validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", s.Port)
	}
	if !strings.HasPrefix(s.PollPath, "/") || s.PollPath == "/" {
		return fmt.Errorf("server: poll_path must be an absolute path other than \"/\", got %q", s.PollPath)
	}
	if s.PollPath == "/metrics" || strings.HasPrefix(s.PollPath, "/api/") {
		return fmt.Errorf("server: poll_path %q collides with a built-in route", s.PollPath)
	}
	if s.HoldTimeout.Duration() < minTimeout {
		return fmt.Errorf("server: hold_timeout must be at least %s, got %s", minTimeout, s.HoldTimeout.Duration())
	}
	if s.MaxPending < 0 {
		return fmt.Errorf("server: max_pending cannot be negative, got %d", s.MaxPending)
	}
	if s.ClientTTL <= s.HoldTimeout {
		return fmt.Errorf("server: client_ttl (%s) must be longer than hold_timeout (%s)",
			s.ClientTTL.Duration(), s.HoldTimeout.Duration())
	}
	return nil
}
