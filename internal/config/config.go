// Package config loads the gateway server configuration.
//
// Sources are layered in increasing priority: built-in defaults, an
// optional YAML file, environment variables, then command line flags
// (applied by the caller).
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/internal/websocket"
)

// Environment variables read by ApplyEnv.
const (
	EnvPort     = "PORT"
	EnvHost     = "SOCKETGATE_HOST"
	EnvRoot     = "SOCKETGATE_ROOT"
	EnvConfig   = "SOCKETGATE_CONFIG"
	EnvLogLevel = "SOCKETGATE_LOG_LEVEL"
)

// PublicPath mounts a directory of static files at a URL prefix.
type PublicPath struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// RateLimit bounds inbound socket messages per connection.
type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the server configuration.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Root         string        `yaml:"root"`
	WSPath       string        `yaml:"ws_path"`
	PublicPaths  []PublicPath  `yaml:"public_paths"`
	RateLimit    RateLimit     `yaml:"rate_limit"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`
	LogLevel     string        `yaml:"log_level"`
	LogColors    bool          `yaml:"log_colors"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:   "localhost",
		Port:   8080,
		WSPath: websocket.DefaultWSPath,
		PublicPaths: []PublicPath{
			{Dir: "client", Prefix: "/"},
		},
		RateLimit: RateLimit{
			Enabled:           true,
			MessagesPerSecond: 100,
			Burst:             200,
		},
		ReadTimeout:  websocket.DefaultReadTimeout,
		WriteTimeout: websocket.DefaultWriteTimeout,
		PingInterval: websocket.DefaultPingInterval,
		SendBuffer:   websocket.DefaultSendBuffer,
		LogLevel:     "info",
		LogColors:    true,
	}
}

// DecodeStrict decodes YAML from r into c, rejecting unknown keys. Keys
// absent from the document keep their current values.
func (c *Config) DecodeStrict(r io.Reader) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	if err := cfg.DecodeStrict(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv. A set PORT
// also binds every interface, the way hosting platforms expect.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a port number", EnvPort, v)
		}
		c.Port = port
		c.Host = "0.0.0.0"
	}
	if v := strings.TrimSpace(getenv(EnvHost)); v != "" {
		c.Host = v
	}
	if v := strings.TrimSpace(getenv(EnvRoot)); v != "" {
		c.Root = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	return nil
}

// ValidationError is a single invalid field.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate returns every problem found, so they can be reported at once.
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{Path: "port", Message: fmt.Sprintf("%d is outside 1..65535", c.Port)})
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, ValidationError{Path: "ws_path", Message: "must start with /"})
	}
	for i, p := range c.PublicPaths {
		if p.Dir == "" {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("public_paths[%d].dir", i), Message: "must not be empty"})
		}
		if p.Prefix == "" {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("public_paths[%d].prefix", i), Message: "must not be empty"})
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, ValidationError{Path: "rate_limit", Message: "messages_per_second and burst must be positive when enabled"})
	}
	if c.SendBuffer < 0 {
		errs = append(errs, ValidationError{Path: "send_buffer", Message: "must not be negative"})
	}
	for path, d := range map[string]time.Duration{
		"read_timeout":  c.ReadTimeout,
		"write_timeout": c.WriteTimeout,
		"ping_interval": c.PingInterval,
	} {
		if d < 0 {
			errs = append(errs, ValidationError{Path: path, Message: "must not be negative"})
		}
	}

	return errs
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ResolvedPublicPaths returns the public paths with dirs joined to Root.
func (c *Config) ResolvedPublicPaths() []PublicPath {
	out := make([]PublicPath, 0, len(c.PublicPaths))
	for _, p := range c.PublicPaths {
		dir := p.Dir
		if c.Root != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(c.Root, dir)
		}
		out = append(out, PublicPath{Dir: dir, Prefix: p.Prefix})
	}
	return out
}

// ServerConfig converts c into the websocket transport configuration.
func (c *Config) ServerConfig(logger *logging.ColoredLogger) websocket.ServerConfig {
	rl := websocket.NoRateLimit()
	if c.RateLimit.Enabled {
		rl = &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
			Burst:             c.RateLimit.Burst,
			Enabled:           true,
		}
	}

	var paths []websocket.PublicPath
	for _, p := range c.ResolvedPublicPaths() {
		paths = append(paths, websocket.PublicPath{Dir: p.Dir, Prefix: p.Prefix})
	}

	return websocket.ServerConfig{
		Addr:            c.Addr(),
		WSPath:          c.WSPath,
		PublicPaths:     paths,
		RateLimitConfig: rl,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PingInterval:    c.PingInterval,
		SendBuffer:      c.SendBuffer,
		Logger:          logger,
	}
}
