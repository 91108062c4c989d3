package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"audioleds/internal/announce"
	"audioleds/internal/audio"
)

// Config is the top-level YAML configuration for the audioleds daemon.
//
// The file is the primary configuration surface; flags only override single
// values. Defaults and validation live here so the rest of the daemon can
// assume a well-formed config.
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	Output   OutputConfig   `yaml:"output"`
	Store    StoreConfig    `yaml:"store"`
	Persist  PersistConfig  `yaml:"persist"`
	Remote   RemoteConfig   `yaml:"remote"`
	Observe  ObserveConfig  `yaml:"observe"`
	Announce AnnounceConfig `yaml:"announce"`
	Mode     ModeConfig     `yaml:"mode"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AudioConfig struct {
	// Source is one of "pcm", "wav" or "portaudio".
	Source         string `yaml:"source"`
	Path           string `yaml:"path,omitempty"`
	SampleRate     int    `yaml:"sample_rate"`
	BlockSize      int    `yaml:"block_size"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	IdleIntervalMS int    `yaml:"idle_interval_ms"`
	Loop           bool   `yaml:"loop,omitempty"`
	Realtime       bool   `yaml:"realtime,omitempty"` // wav only
}

type OutputConfig struct {
	// Driver is "log" or "sysfs".
	Driver   string `yaml:"driver"`
	Chip     string `yaml:"chip,omitempty"`
	Channels []int  `yaml:"channels,omitempty"` // red, green, blue
	PeriodNS uint32 `yaml:"period_ns,omitempty"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

type PersistConfig struct {
	MinIntervalMS int `yaml:"min_interval_ms"`
}

type RemoteConfig struct {
	SocketPath string `yaml:"socket_path"`
	HTTPPort   int    `yaml:"http_port"`
}

type ObserveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	SendBuf    int    `yaml:"send_buf,omitempty"`
	CoalesceMS int    `yaml:"coalesce_ms"`
}

type AnnounceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker,omitempty"`
	TopicPrefix  string `yaml:"topic_prefix"`
	HostPrefix   string `yaml:"host_prefix"`
	Hostname     string `yaml:"hostname,omitempty"`
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"password_file,omitempty"`
	QoS          int    `yaml:"qos"`
}

type ModeConfig struct {
	BlackoutGraceMS int `yaml:"blackout_grace_ms"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{
			Source:         "pcm",
			Path:           "/run/audioleds/pcm.fifo",
			SampleRate:     defaultSampleRate,
			BlockSize:      defaultBlockSize,
			ReadTimeoutMS:  defaultReadTimeoutMS,
			IdleIntervalMS: defaultIdleIntervalMS,
		},
		Output: OutputConfig{
			Driver:   "log",
			Chip:     defaultPWMChip,
			Channels: []int{0, 1, 2},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   defaultStorePath,
		},
		Persist: PersistConfig{
			MinIntervalMS: defaultPersistIntervalMS,
		},
		Remote: RemoteConfig{
			SocketPath: defaultSocketPath,
			HTTPPort:   defaultHTTPPort,
		},
		Observe: ObserveConfig{
			Enabled:    true,
			Path:       defaultObservePath,
			CoalesceMS: int(levelCoalesceWindow / time.Millisecond),
		},
		Announce: AnnounceConfig{
			TopicPrefix: announce.DefaultTopicPrefix,
			HostPrefix:  announce.DefaultHostPrefix,
		},
		Mode: ModeConfig{
			BlackoutGraceMS: defaultBlackoutGraceMS,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    defaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds one pointer per flag. main.go sets a pointer only when
// the flag was given on the command line.
type FlagOverrides struct {
	AudioSource     *string
	AudioPath       *string
	AudioSampleRate *int
	AudioLoop       *bool

	OutputDriver *string
	OutputChip   *string

	StorePath *string

	SocketPath *string
	HTTPPort   *int

	AnnounceBroker *string

	LogLevel *string
}

// Apply merges the overrides into cfg. A non-nil pointer is applied even if
// it holds a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.AudioSource != nil {
		cfg.Audio.Source = *o.AudioSource
	}
	if o.AudioPath != nil {
		cfg.Audio.Path = *o.AudioPath
	}
	if o.AudioSampleRate != nil {
		cfg.Audio.SampleRate = *o.AudioSampleRate
	}
	if o.AudioLoop != nil {
		cfg.Audio.Loop = *o.AudioLoop
	}

	if o.OutputDriver != nil {
		cfg.Output.Driver = *o.OutputDriver
	}
	if o.OutputChip != nil {
		cfg.Output.Chip = *o.OutputChip
	}

	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}

	if o.SocketPath != nil {
		cfg.Remote.SocketPath = *o.SocketPath
	}
	if o.HTTPPort != nil {
		cfg.Remote.HTTPPort = *o.HTTPPort
	}

	if o.AnnounceBroker != nil {
		// Naming a broker on the command line turns announcing on.
		cfg.Announce.Broker = *o.AnnounceBroker
		cfg.Announce.Enabled = *o.AnnounceBroker != ""
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants after defaults, file and overrides are
// applied.
func (c *Config) Validate() error {
	// Audio
	switch c.Audio.Source {
	case "pcm", "wav":
		if c.Audio.Path == "" {
			return fmt.Errorf("audio.path is required for source %q", c.Audio.Source)
		}
	case "portaudio":
		if !audio.PortAudioAvailable {
			return errors.New("audio.source portaudio needs a binary built with -tags portaudio")
		}
	default:
		return fmt.Errorf("audio.source must be one of pcm, wav, portaudio (got %q)", c.Audio.Source)
	}
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be > 0")
	}
	if c.Audio.BlockSize < 16 || c.Audio.BlockSize&(c.Audio.BlockSize-1) != 0 {
		return errors.New("audio.block_size must be a power of two >= 16")
	}
	if c.Audio.ReadTimeoutMS <= 0 {
		return errors.New("audio.read_timeout_ms must be > 0")
	}
	if c.Audio.IdleIntervalMS <= 0 {
		return errors.New("audio.idle_interval_ms must be > 0")
	}

	// Output
	switch c.Output.Driver {
	case "log":
	case "sysfs":
		if c.Output.Chip == "" {
			return errors.New("output.chip is required for the sysfs driver")
		}
		if len(c.Output.Channels) != 3 {
			return errors.New("output.channels must list exactly 3 channels (red, green, blue)")
		}
	default:
		return fmt.Errorf("output.driver must be log or sysfs (got %q)", c.Output.Driver)
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or memory (got %q)", c.Store.Driver)
	}

	if c.Persist.MinIntervalMS < 0 {
		return errors.New("persist.min_interval_ms must be >= 0")
	}

	// Remote
	if c.Remote.SocketPath == "" && c.Remote.HTTPPort == 0 {
		return errors.New("remote: at least one of socket_path or http_port must be set")
	}
	if c.Remote.HTTPPort < 0 || c.Remote.HTTPPort > 65535 {
		return errors.New("remote.http_port must be between 0 and 65535")
	}

	// Observe
	if c.Observe.Enabled {
		if c.Remote.HTTPPort == 0 {
			return errors.New("observe.enabled needs remote.http_port")
		}
		if !strings.HasPrefix(c.Observe.Path, "/") {
			return errors.New("observe.path must start with /")
		}
		if c.Observe.CoalesceMS < 0 {
			return errors.New("observe.coalesce_ms must be >= 0")
		}
	}

	// Announce
	if c.Announce.Enabled {
		if c.Announce.Broker == "" {
			return errors.New("announce.enabled is true but announce.broker is empty")
		}
		if c.Announce.QoS < 0 || c.Announce.QoS > 2 {
			return errors.New("announce.qos must be 0, 1 or 2")
		}
	}

	if c.Mode.BlackoutGraceMS < 0 {
		return errors.New("mode.blackout_grace_ms must be >= 0")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// AnnouncerConfig converts the file section into the announcer's config.
func (c *Config) AnnouncerConfig() (announce.Config, error) {
	a := c.Announce
	cfg := announce.Config{
		Broker:      a.Broker,
		TopicPrefix: a.TopicPrefix,
		Hostname:    a.Hostname,
		Username:    a.Username,
		QoS:         byte(a.QoS),
	}
	if cfg.Hostname == "" {
		cfg.Hostname = announce.Hostname(a.HostPrefix)
	}
	if a.PasswordFile != "" {
		b, err := os.ReadFile(ExpandPath(a.PasswordFile))
		if err != nil {
			return announce.Config{}, fmt.Errorf("read announce password file: %w", err)
		}
		cfg.Password = strings.TrimSpace(string(b))
	}
	return cfg, nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
