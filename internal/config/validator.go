package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var topicPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// Validate fills defaults and checks the configuration
func Validate(cfg *Config) error {
	// Backend
	if cfg.Backend == "" {
		cfg.Backend = BackendV4L2
	}
	switch cfg.Backend {
	case BackendV4L2:
		if cfg.Device == "" {
			cfg.Device = "/dev/video0"
		}
	case BackendGStreamer:
		if cfg.Source == "" {
			cfg.Source = "aravissrc"
		}
		if cfg.Source != "aravissrc" && cfg.Source != "v4l2src" {
			return fmt.Errorf("source must be aravissrc or v4l2src, got %q", cfg.Source)
		}
		if cfg.Source == "v4l2src" && cfg.Device == "" {
			cfg.Device = "/dev/video0"
		}
	default:
		return fmt.Errorf("backend must be %s or %s, got %q", BackendV4L2, BackendGStreamer, cfg.Backend)
	}

	// Sizes
	if cfg.ResolutionHint == (Size{}) {
		cfg.ResolutionHint = Size{Width: 1280, Height: 720}
	}
	if cfg.ResolutionHint.Width < 0 || cfg.ResolutionHint.Height < 0 {
		return fmt.Errorf("resolution_hint must not be negative, got %s", cfg.ResolutionHint)
	}
	if cfg.Target == (Size{}) {
		cfg.Target = Size{Width: 680, Height: 384}
	}
	if cfg.Target.Width <= 0 || cfg.Target.Height <= 0 {
		return fmt.Errorf("target must be > 0 in both dimensions, got %s", cfg.Target)
	}

	// Persistence
	if cfg.PersistEnabled == nil {
		enabled := true
		cfg.PersistEnabled = &enabled
	}
	if cfg.PersistPath == "" {
		cfg.PersistPath = "right.png"
	}
	if filepath.Ext(cfg.PersistPath) == "" {
		return fmt.Errorf("persist_path %q needs an image extension", cfg.PersistPath)
	}
	if cfg.JPEGQuality < 0 || cfg.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be 0-100, got %d", cfg.JPEGQuality)
	}

	// Acquisition
	if cfg.BufferCount == 0 {
		cfg.BufferCount = 24
	}
	if cfg.BufferCount < 1 || cfg.BufferCount > 256 {
		return fmt.Errorf("buffer_count must be 1-256, got %d", cfg.BufferCount)
	}
	if err := validateAuto("white_balance", &cfg.WhiteBalance); err != nil {
		return err
	}
	if err := validateAuto("exposure", &cfg.Exposure); err != nil {
		return err
	}
	if len(cfg.StopKeys) == 0 {
		cfg.StopKeys = []int{13, 10}
	}
	for _, k := range cfg.StopKeys {
		if k < 0 || k > 0xFFFF {
			return fmt.Errorf("stop_keys: invalid key code %d", k)
		}
	}

	// Open retry
	if cfg.OpenRetries < 0 {
		return fmt.Errorf("open_retries must be >= 0, got %d", cfg.OpenRetries)
	}
	if cfg.OpenRetryDelay <= 0 {
		cfg.OpenRetryDelay = 500 * time.Millisecond
	}

	// MQTT (optional)
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "single-cam"
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "single-cam/" + cfg.MQTT.ClientID
		}
		if !topicPrefixPattern.MatchString(cfg.MQTT.TopicPrefix) {
			return fmt.Errorf("mqtt.topic_prefix must match [A-Za-z0-9_-/]+, got %q", cfg.MQTT.TopicPrefix)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0-2, got %d", cfg.MQTT.QoS)
		}
	}

	// Logging
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	return nil
}

func validateAuto(field string, v *string) error {
	*v = strings.ToLower(*v)
	if *v == "" {
		*v = "continuous"
	}
	switch *v {
	case "off", "once", "continuous":
		return nil
	}
	return fmt.Errorf("%s must be off, once or continuous, got %q", field, *v)
}
