package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/soocke/livecap-go/domain/device"
)

// Target kinds.
const (
	TargetWindow  = "window"
	TargetMonitor = "monitor"
)

// Relay kinds: a single latest-frame slot or a bounded drop-oldest queue.
const (
	RelaySlot = "slot"
	RelayChan = "chan"
)

// Config holds runtime configuration for a capture run.
// Fields may be loaded from a JSON file and overridden by command-line flags.
type Config struct {
	Debug    bool   `json:"debug"`
	LogLevel string `json:"log_level"`

	// Source selection
	Target       string `json:"target"`
	WindowPrefix string `json:"window_prefix"`
	MonitorIndex int    `json:"monitor_index"`

	// Run loop
	DurationSeconds      int  `json:"duration_seconds"`
	PollIntervalMs       int  `json:"poll_interval_ms"`
	StatsIntervalSeconds int  `json:"stats_interval_seconds"`
	DedicatedThread      bool `json:"dedicated_thread"`

	// Frame hand-off to the consumer
	Relay      string `json:"relay"`
	RelayDepth int    `json:"relay_depth"`

	// Device and session
	ThreadAffineDevice bool   `json:"thread_affine_device"`
	MinFeatureLevel    string `json:"min_feature_level"`
	RetainSurfaces     bool   `json:"retain_surfaces"`
	DrainTimeoutMs     int    `json:"drain_timeout_ms"`

	// Synthetic platform frame rate; zero means frames only when fired.
	SyntheticFPS int `json:"synthetic_fps"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Debug:                false,
		LogLevel:             "info",
		Target:               TargetWindow,
		WindowPrefix:         "",
		MonitorIndex:         0,
		DurationSeconds:      10,
		PollIntervalMs:       5,
		StatsIntervalSeconds: 5,
		DedicatedThread:      false,
		Relay:                RelaySlot,
		RelayDepth:           4,
		ThreadAffineDevice:   false,
		MinFeatureLevel:      "11_1",
		RetainSurfaces:       false,
		DrainTimeoutMs:       250,
		SyntheticFPS:         60,
	}
}

// Validate clamps/normalizes values to safe ranges.
func (c *Config) Validate() error {
	c.Target = strings.ToLower(strings.TrimSpace(c.Target))
	if c.Target != TargetWindow && c.Target != TargetMonitor {
		c.Target = TargetWindow
	}
	c.Relay = strings.ToLower(strings.TrimSpace(c.Relay))
	if c.Relay != RelaySlot && c.Relay != RelayChan {
		c.Relay = RelaySlot
	}
	if c.RelayDepth < 1 || c.RelayDepth > 64 {
		c.RelayDepth = 4
	}
	if c.MonitorIndex < 0 {
		c.MonitorIndex = 0
	}
	if c.DurationSeconds < 0 {
		c.DurationSeconds = 0
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 5
	}
	if c.StatsIntervalSeconds <= 0 {
		c.StatsIntervalSeconds = 5
	}
	if _, err := device.ParseFeatureLevel(c.MinFeatureLevel); err != nil {
		c.MinFeatureLevel = "11_1"
	}
	if c.DrainTimeoutMs <= 0 {
		c.DrainTimeoutMs = 250
	}
	if c.SyntheticFPS < 0 || c.SyntheticFPS > 240 {
		c.SyntheticFPS = 60
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	return nil
}

// Level returns the slog level; Debug forces debug.
func (c *Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Duration is the run length; zero means until cancelled.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// PollInterval is the consumer's sleep between empty polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StatsInterval is the period of capture.stats log lines.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// DrainTimeout bounds how long Stop waits for in-flight callbacks.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// DeviceOptions translates the device fields.
func (c *Config) DeviceOptions() device.Options {
	opts := device.DefaultOptions()
	if l, err := device.ParseFeatureLevel(c.MinFeatureLevel); err == nil {
		opts.MinFeatureLevel = l
	}
	if c.ThreadAffineDevice {
		opts.Affinity = device.ThreadAffine
	}
	return opts
}

// Load attempts to read configuration from the given JSON file path. If the file does not
// exist it returns DefaultConfig(). On JSON error it returns defaults with the error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return DefaultConfig(), err
	}
	_ = cfg.Validate()
	return cfg, nil
}

// Save writes the configuration to the given path in JSON format.
func (c *Config) Save(path string) error {
	_ = c.Validate()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
