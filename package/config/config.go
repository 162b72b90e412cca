// Package config loads the TOML configuration file and overlays it on the
// built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"binaric/package/container"
	"binaric/package/phy"
	"binaric/package/session"
	"binaric/package/shared"
)

// JACKConfig names the client and the ports the CLI connects to.
type JACKConfig struct {
	Client string
	Input  string
	Output string
}

// Config is everything the CLI needs. It is built once and passed down.
type Config struct {
	Session   session.Config
	Audio     phy.AudioConfig
	Container container.Options
	JACK      JACKConfig
	Journal   string
	LogLevel  string
}

func Default() Config {
	return Config{
		Session:   session.DefaultConfig(),
		Audio:     phy.DefaultAudioConfig(),
		Container: container.DefaultOptions(),
		JACK:      JACKConfig{Client: "binaric", Input: "system:capture_1", Output: "system:playback_1"},
		LogLevel:  "info",
	}
}

// duration accepts Go duration strings such as "800ms".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// binaric.toml key mapping.
type fileConfig struct {
	Journal  string `toml:"journal"`
	LogLevel string `toml:"log_level"`

	Profile struct {
		Schemes []string `toml:"schemes"`
		Levels  []string `toml:"levels"`
		MinRate int      `toml:"min_rate"`
		MaxRate int      `toml:"max_rate"`
	} `toml:"profile"`

	Session struct {
		MaxFrameSize      int      `toml:"max_frame_size"`
		Window            int      `toml:"window"`
		MaxRetries        int      `toml:"max_retries"`
		AckTimeout        duration `toml:"ack_timeout"`
		HeartbeatInterval duration `toml:"heartbeat_interval"`
		StateTimeout      duration `toml:"state_timeout"`
		MaxAttempts       int      `toml:"max_attempts"`
		Adaptive          bool     `toml:"adaptive"`
		AdaptWindow       int      `toml:"adapt_window"`
	} `toml:"session"`

	Audio struct {
		BackoffSlot duration `toml:"backoff_slot"`
		MaxDefer    duration `toml:"max_defer"`
		Client      string   `toml:"client"`
		Input       string   `toml:"input"`
		Output      string   `toml:"output"`
	} `toml:"audio"`

	Container struct {
		Scheme       string `toml:"scheme"`
		Level        string `toml:"level"`
		Parity       int    `toml:"parity"`
		Rate         int    `toml:"rate"`
		MaxFrameSize int    `toml:"max_frame_size"`
	} `toml:"container"`
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return overlay(meta, raw)
}

// Parse is Load for a document held in memory.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(meta, raw)
}

func overlay(meta toml.MetaData, raw fileConfig) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	cfg := Default()

	if meta.IsDefined("journal") {
		cfg.Journal = strings.TrimSpace(raw.Journal)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	p := &cfg.Session.Profile
	if meta.IsDefined("profile", "schemes") {
		var set shared.SchemeSet
		for _, name := range raw.Profile.Schemes {
			s, err := shared.ParseScheme(name)
			if err != nil {
				return Config{}, fmt.Errorf("load config: profile.schemes: %w", err)
			}
			set |= shared.Schemes(s)
		}
		p.Schemes = set
	}
	if meta.IsDefined("profile", "levels") {
		var set shared.LevelSet
		for _, name := range raw.Profile.Levels {
			l, err := shared.ParseLevel(name)
			if err != nil {
				return Config{}, fmt.Errorf("load config: profile.levels: %w", err)
			}
			set |= shared.Levels(l)
		}
		p.Levels = set
	}
	if meta.IsDefined("profile", "min_rate") {
		p.MinRate = raw.Profile.MinRate
	}
	if meta.IsDefined("profile", "max_rate") {
		p.MaxRate = raw.Profile.MaxRate
	}

	s := &cfg.Session
	if meta.IsDefined("session", "max_frame_size") {
		s.MaxFrameSize = raw.Session.MaxFrameSize
	}
	if meta.IsDefined("session", "window") {
		s.Window = raw.Session.Window
	}
	if meta.IsDefined("session", "max_retries") {
		s.MaxRetries = raw.Session.MaxRetries
	}
	if meta.IsDefined("session", "ack_timeout") {
		s.AckTimeout = time.Duration(raw.Session.AckTimeout)
	}
	if meta.IsDefined("session", "heartbeat_interval") {
		s.HeartbeatInterval = time.Duration(raw.Session.HeartbeatInterval)
	}
	if meta.IsDefined("session", "state_timeout") {
		s.StateTimeout = time.Duration(raw.Session.StateTimeout)
	}
	if meta.IsDefined("session", "max_attempts") {
		s.MaxAttempts = raw.Session.MaxAttempts
	}
	if meta.IsDefined("session", "adaptive") {
		s.Adaptive = raw.Session.Adaptive
	}
	if meta.IsDefined("session", "adapt_window") {
		s.AdaptWindow = raw.Session.AdaptWindow
	}

	if meta.IsDefined("audio", "backoff_slot") {
		cfg.Audio.BackoffSlot = time.Duration(raw.Audio.BackoffSlot)
	}
	if meta.IsDefined("audio", "max_defer") {
		cfg.Audio.MaxDefer = time.Duration(raw.Audio.MaxDefer)
	}
	if meta.IsDefined("audio", "client") {
		cfg.JACK.Client = strings.TrimSpace(raw.Audio.Client)
	}
	if meta.IsDefined("audio", "input") {
		cfg.JACK.Input = strings.TrimSpace(raw.Audio.Input)
	}
	if meta.IsDefined("audio", "output") {
		cfg.JACK.Output = strings.TrimSpace(raw.Audio.Output)
	}

	c := cfg.Container.Params
	if meta.IsDefined("container", "scheme") {
		v, err := shared.ParseScheme(raw.Container.Scheme)
		if err != nil {
			return Config{}, fmt.Errorf("load config: container.scheme: %w", err)
		}
		c.Scheme = v
	}
	if meta.IsDefined("container", "level") {
		v, err := shared.ParseLevel(raw.Container.Level)
		if err != nil {
			return Config{}, fmt.Errorf("load config: container.level: %w", err)
		}
		c.Level = v
	}
	if meta.IsDefined("container", "parity") {
		c.Parity = raw.Container.Parity
	}
	if meta.IsDefined("container", "rate") {
		c.Rate = raw.Container.Rate
	}
	cfg.Container.Params = shared.NewParameters(c.Scheme, c.Level, c.Parity, c.Rate)
	if meta.IsDefined("container", "max_frame_size") {
		cfg.Container.MaxFrameSize = raw.Container.MaxFrameSize
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Container.Params.Validate(); err != nil {
		return fmt.Errorf("container: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
