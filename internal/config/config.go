// Package config loads the single-camera viewer configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names
const (
	BackendV4L2      = "v4l2"
	BackendGStreamer = "gstreamer"
)

// Config represents the complete viewer configuration
type Config struct {
	Backend string `yaml:"backend"` // v4l2, gstreamer
	Device  string `yaml:"device"`  // /dev/video0, or camera name for aravissrc
	Source  string `yaml:"source"`  // GStreamer source element (aravissrc, v4l2src)

	ResolutionHint Size `yaml:"resolution_hint"` // requested sensor resolution (best effort)
	Target         Size `yaml:"target"`          // display image size

	PersistEnabled *bool  `yaml:"persist_enabled"` // write latest frame to PersistPath (default: true)
	PersistPath    string `yaml:"persist_path"`
	JPEGQuality    int    `yaml:"jpeg_quality"` // 1-100, 0 = codec default

	BufferCount  int    `yaml:"buffer_count"`
	WhiteBalance string `yaml:"white_balance"` // off, once, continuous
	Exposure     string `yaml:"exposure"`      // off, once, continuous
	StopKeys     []int  `yaml:"stop_keys"`

	AspectPreserving bool `yaml:"aspect_preserving"` // letterbox instead of stretching

	OpenRetries    int           `yaml:"open_retries"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`

	MQTT MQTTConfig `yaml:"mqtt"`
	Log  LogConfig  `yaml:"log"`
}

// Size is a width x height pair
type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// String formats the size as WxH
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// MQTTConfig contains the optional remote control broker settings.
// An empty Broker disables remote control.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ControlTopic is where stop/status commands arrive
func (m MQTTConfig) ControlTopic() string {
	return m.TopicPrefix + "/control"
}

// StatusTopic is where status responses are published
func (m MQTTConfig) StatusTopic() string {
	return m.TopicPrefix + "/status"
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Persist reports whether persistence is enabled
func (c *Config) Persist() bool {
	return c.PersistEnabled == nil || *c.PersistEnabled
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	// Defaults never fail validation
	_ = Validate(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Marshal encodes the configuration back to YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
