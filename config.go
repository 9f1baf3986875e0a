package alljoyn

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the TOML shape accepted by LoadConfig. Zero values leave
// the corresponding option at its default.
type FileConfig struct {
	ConnectSpec     string   `toml:"connect_spec"`
	ReplyTimeout    duration `toml:"reply_timeout"`
	DrainTimeout    duration `toml:"drain_timeout"`
	DispatchWorkers int      `toml:"dispatch_workers"`
	QueueDepth      int      `toml:"queue_depth"`
	DebugAddr       string   `toml:"debug_addr"`
	LogLevel        string   `toml:"log_level"`
}

// duration wraps time.Duration so TOML values like "500ms" parse.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadConfig reads a TOML config file and converts it into options for
// NewBusAttachment.
func LoadConfig(path string) ([]Option, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return fc.Options()
}

// Options converts the file config into functional options.
func (fc FileConfig) Options() ([]Option, error) {
	var opts []Option
	if fc.ConnectSpec != "" {
		opts = append(opts, WithConnectSpec(fc.ConnectSpec))
	}
	if fc.ReplyTimeout.Duration > 0 {
		opts = append(opts, WithReplyTimeout(fc.ReplyTimeout.Duration))
	}
	if fc.DrainTimeout.Duration > 0 {
		opts = append(opts, WithDrainTimeout(fc.DrainTimeout.Duration))
	}
	if fc.DispatchWorkers > 0 {
		opts = append(opts, WithDispatchWorkers(fc.DispatchWorkers))
	}
	if fc.QueueDepth > 0 {
		opts = append(opts, WithQueueDepth(fc.QueueDepth))
	}
	if fc.DebugAddr != "" {
		opts = append(opts, WithDebugAddr(fc.DebugAddr))
	}
	if fc.LogLevel != "" {
		level, err := parseLogLevel(fc.LogLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLogLevel(level))
	}
	return opts, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
