package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/norbertmarko/sn-perception/acquisition"
	"github.com/norbertmarko/sn-perception/internal/config"
	"github.com/norbertmarko/sn-perception/internal/control"
	"github.com/norbertmarko/sn-perception/internal/display"
	"github.com/norbertmarko/sn-perception/internal/gstsrc"
	"github.com/norbertmarko/sn-perception/internal/retry"
	"github.com/norbertmarko/sn-perception/internal/transform"
	"github.com/norbertmarko/sn-perception/internal/v4l2"
)

// Version information
const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	backend := flag.String("backend", "", "Camera backend: v4l2, gstreamer")
	device := flag.String("device", "", "V4L2 device path or aravis camera name")
	source := flag.String("source", "", "GStreamer source element: aravissrc, v4l2src")
	target := flag.String("target", "", "Display size WxH (e.g. 680x384)")
	persist := flag.Bool("persist", true, "Write the latest displayed frame to -persist-path")
	persistPath := flag.String("persist-path", "", "Path of the persisted frame (extension selects the codec)")
	buffers := flag.Int("buffers", 0, "Number of driver frame buffers")
	letterbox := flag.Bool("letterbox", false, "Preserve aspect ratio with black borders")
	broker := flag.String("mqtt-broker", "", "MQTT broker for remote stop/status (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("single-cam %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file only when given explicitly
	var overrideErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backend
		case "device":
			cfg.Device = *device
		case "source":
			cfg.Source = *source
		case "target":
			size, err := parseSize(*target)
			if err != nil {
				overrideErr = err
				return
			}
			cfg.Target = size
		case "persist":
			cfg.PersistEnabled = persist
		case "persist-path":
			cfg.PersistPath = *persistPath
		case "buffers":
			cfg.BufferCount = *buffers
		case "letterbox":
			cfg.AspectPreserving = *letterbox
		case "mqtt-broker":
			cfg.MQTT.Broker = *broker
		case "debug":
			if *debug {
				cfg.Log.Level = "debug"
			}
		}
	})
	if overrideErr == nil {
		overrideErr = config.Validate(cfg)
	}
	if overrideErr != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid flags: %v\n\n", overrideErr)
		flag.PrintDefaults()
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("starting single-cam",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend,
		"device", cfg.Device,
		"target", cfg.Target.String(),
		"persist", cfg.Persist(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("single-cam failed", "error", err)
		os.Exit(1)
	}
	slog.Info("single-cam stopped successfully")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseSize(s string) (config.Size, error) {
	var size config.Size
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &size.Width, &size.Height); err != nil {
		return size, fmt.Errorf("target must be WxH, got %q", s)
	}
	return size, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// run opens the camera, negotiates a format and streams until shutdown
func run(ctx context.Context, cfg *config.Config) error {
	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close camera", "error", err)
		}
	}()

	format, mode := acquisition.Negotiate(session.PixelFormats(), transform.ConsumerFormats)
	switch mode {
	case acquisition.ModeColor:
		slog.Info("Camera set to color mode.", "format", format.String())
	case acquisition.ModeMono:
		slog.Info("Camera set to mono mode.", "format", format.String())
	default:
		return fmt.Errorf("%w: camera offers %v", acquisition.ErrNoCompatibleFormat, session.PixelFormats())
	}

	if err := session.SetPixelFormat(format); err != nil {
		return err
	}
	if err := session.Configure(acquisition.Features{
		Width:        cfg.ResolutionHint.Width,
		Height:       cfg.ResolutionHint.Height,
		WhiteBalance: acquisition.AutoMode(cfg.WhiteBalance),
		Exposure:     acquisition.AutoMode(cfg.Exposure),
	}); err != nil {
		return err
	}

	// The handler destroys the window on the acquisition thread once it sees
	// shutdown. This Close only runs after streaming has ended and covers a
	// stream that stopped before another frame arrived.
	window := display.NewWindow()
	defer window.Close()

	var persister acquisition.Persister
	if cfg.Persist() {
		writer, err := display.NewWriter(cfg.PersistPath, cfg.JPEGQuality)
		if err != nil {
			return err
		}
		persister = writer
	}

	shutdown := acquisition.NewShutdownSignal()
	handler, err := acquisition.NewHandler(acquisition.HandlerConfig{
		TargetWidth:  cfg.Target.Width,
		TargetHeight: cfg.Target.Height,
		Persist:      cfg.Persist(),
		StopKeys:     cfg.StopKeys,
	}, acquisition.HandlerDeps{
		Transformer: transform.Area{AspectPreserving: cfg.AspectPreserving},
		Display:     window,
		Keys:        window,
		Persister:   persister,
		Signal:      shutdown,
	})
	if err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		stopControl, err := startControl(ctx, cfg.MQTT, session, handler)
		if err != nil {
			return err
		}
		defer stopControl()
	}

	fmt.Printf("\n%s\n\n", acquisition.WindowTitle(session.Name()))
	return acquisition.Run(ctx, session, handler, cfg.BufferCount)
}

// openSession opens the configured backend, retrying transient failures
func openSession(ctx context.Context, cfg *config.Config) (acquisition.Session, error) {
	policy := retry.DefaultConfig()
	policy.MaxRetries = cfg.OpenRetries
	policy.Delay = cfg.OpenRetryDelay

	var session acquisition.Session
	err := retry.Do(ctx, "open camera", policy, func(ctx context.Context) error {
		switch cfg.Backend {
		case config.BackendGStreamer:
			s, err := gstsrc.Open(gstsrc.Config{Source: cfg.Source, Device: cfg.Device})
			if err != nil {
				return err
			}
			session = s
		default:
			s, err := v4l2.Open(cfg.Device)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return retry.Permanent(err)
				}
				return err
			}
			session = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// startControl connects to the broker and maps stop/status commands onto
// the running handler
func startControl(ctx context.Context, cfg config.MQTTConfig, session acquisition.Session, handler *acquisition.Handler) (func(), error) {
	client, err := control.Connect(cfg)
	if err != nil {
		return nil, err
	}

	ctl := control.NewHandler(cfg, client, control.Callbacks{
		OnStop: func(reason string) {
			handler.Signal().Set(reason)
		},
		OnStatus: func() any {
			return map[string]any{
				"camera":   session.Name(),
				"id":       session.ID(),
				"stopping": handler.Signal().IsSet(),
				"stats":    handler.Stats(),
			}
		},
	})
	if err := ctl.Start(ctx); err != nil {
		client.Disconnect(250)
		return nil, err
	}

	return func() {
		if err := ctl.Stop(); err != nil {
			slog.Warn("failed to stop control handler", "error", err)
		}
		disconnect(client)
	}, nil
}

func disconnect(client mqtt.Client) {
	client.Disconnect(250)
	slog.Info("mqtt disconnected")
}
