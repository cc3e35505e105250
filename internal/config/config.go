// Package config loads the settings of the realtime-tail command from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrNoURL         = errors.New("config: no stream URL")
)

type Config struct {
	// URL of the realtime endpoint.
	URL string `toml:"url" yaml:"url"`
	// Where subscriptions are POSTed. Defaults to URL.
	RegistrationURL string            `toml:"registration_url,omitempty" yaml:"registration_url,omitempty"`
	Topics          []string          `toml:"topics" yaml:"topics"`
	ConnectEvents   []string          `toml:"connect_events" yaml:"connect_events"`
	TopicEvents     bool              `toml:"topic_events" yaml:"topic_events"`
	Timeout         Duration          `toml:"timeout" yaml:"timeout"`
	Headers         map[string]string `toml:"headers,omitempty" yaml:"headers,omitempty"`
	Reconnect       ReconnectConfig   `toml:"reconnect" yaml:"reconnect"`
}

type ReconnectConfig struct {
	// 0 retries forever, negative values disable reconnecting.
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	Initial    Duration `toml:"initial" yaml:"initial"`
	Max        Duration `toml:"max" yaml:"max"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Default returns the settings for a PocketBase server.
func Default() *Config {
	return &Config{
		ConnectEvents: []string{"PB_CONNECT"},
		TopicEvents:   true,
		Timeout:       Duration{10 * time.Second},
		Reconnect: ReconnectConfig{
			Initial: Duration{5 * time.Second},
			Max:     Duration{time.Minute},
		},
	}
}

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, format)
}

// Parse decodes data over the defaults.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling config: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if cfg.Timeout.Duration <= 0 {
		cfg.Timeout = Duration{10 * time.Second}
	}

	return cfg, nil
}

// Validate reports settings the command cannot run with.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrNoURL
	}
	return nil
}

// Save writes the configuration in the format given by the extension of path.
func (c *Config) Save(path string) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}

	var data []byte
	if format == FormatTOML {
		data, err = toml.Marshal(c)
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// NewTopics returns the topics of c that are missing from old, in order.
func (c *Config) NewTopics(old []string) []string {
	seen := make(map[string]struct{}, len(old))
	for _, t := range old {
		seen[t] = struct{}{}
	}

	var added []string
	for _, t := range c.Topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		added = append(added, t)
	}
	return added
}
