// Package config loads the cloudbox server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cloudbox/internal/wire"
)

const (
	DefaultListen    = "0.0.0.0:9000"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Config is small and YAML-friendly. Only Root is required.
type Config struct {
	// Listen is the TCP address for the file protocol.
	Listen string `yaml:"listen"`

	// Root is the storage directory. It is created when missing.
	Root string `yaml:"root"`

	// MaxConns caps concurrent sessions; extra connections wait to be
	// accepted. 0 means no cap.
	MaxConns int `yaml:"maxConns"`

	// ChunkSize is the payload copy unit in bytes.
	ChunkSize int `yaml:"chunkSize"`

	Ops Ops `yaml:"ops"`
	Log Log `yaml:"log"`
}

// Ops configures the optional HTTP listener. Empty Listen disables it.
type Ops struct {
	Listen string `yaml:"listen"`
	// WebDAV exposes the root read-only under /dav/.
	WebDAV bool `yaml:"webdav"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"`
}

// Default returns a config with every default filled in except Root.
func Default() Config {
	return Config{
		Listen:    DefaultListen,
		ChunkSize: wire.DefaultChunkSize,
		Log: Log{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads a YAML file over the defaults. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config, fills defaults left empty, makes Root
// absolute and creates it.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	c.Root = abs
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("config: create root: %w", err)
	}

	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	if c.Ops.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Ops.Listen); err != nil {
			return fmt.Errorf("config: ops.listen %q: %w", c.Ops.Listen, err)
		}
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: maxConns must be >= 0, got %d", c.MaxConns)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = wire.DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunkSize must be > 0, got %d", c.ChunkSize)
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = DefaultLogFormat
	case "json", "console":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.Log.Format)
	}
	return nil
}
