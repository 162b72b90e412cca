package session

import (
	"fmt"
	"time"

	"binaric/package/event"
	"binaric/package/shared"
)

// Config holds everything a Node and its sessions need. Values are copied
// into each session when it opens.
type Config struct {
	Profile shared.CapabilityProfile

	MaxFrameSize      int // payload bytes per DATA frame
	Window            int // DATA frames in flight
	MaxRetries        int // retransmissions per frame before the session fails
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	StateTimeout      time.Duration
	// Tick is the resolution of every session timer.
	Tick time.Duration

	// Backoff spaces handshake retries after a collision or timeout.
	Backoff     shared.BackoffConfig
	MaxAttempts int

	// Adaptive lets a session move its Reed-Solomon parity with the
	// observed correction load.
	Adaptive    bool
	AdaptWindow int
	AdaptHigh   float64
	AdaptLow    float64

	Observer event.Observer
	Seed     int64
}

func DefaultConfig() Config {
	return Config{
		Profile:           shared.DefaultProfile(),
		MaxFrameSize:      shared.DefaultMaxFrameSize,
		Window:            shared.DefaultWindowSize,
		MaxRetries:        shared.DefaultMaxRetries,
		AckTimeout:        shared.DefaultAckTimeout,
		HeartbeatInterval: shared.DefaultHeartbeatInterval,
		StateTimeout:      shared.DefaultStateTimeout,
		Tick:              50 * time.Millisecond,
		Backoff:           shared.DefaultBackoff(),
		MaxAttempts:       5,
		AdaptWindow:       16,
		AdaptHigh:         0.5,
		AdaptLow:          0.05,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Profile == (shared.CapabilityProfile{}) {
		c.Profile = d.Profile
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StateTimeout <= 0 {
		c.StateTimeout = d.StateTimeout
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AdaptWindow <= 0 {
		c.AdaptWindow = d.AdaptWindow
	}
	if c.AdaptHigh <= 0 {
		c.AdaptHigh = d.AdaptHigh
	}
	if c.AdaptLow <= 0 {
		c.AdaptLow = d.AdaptLow
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.MaxFrameSize > 0xff00 {
		return fmt.Errorf("session config: frame size %d too large", c.MaxFrameSize)
	}
	if c.HeartbeatInterval > 0 && c.AckTimeout > 0 && c.AckTimeout >= 2*c.HeartbeatInterval {
		return fmt.Errorf("session config: ack timeout %s outlives the heartbeat deadline", c.AckTimeout)
	}
	if c.AdaptLow >= c.AdaptHigh && c.AdaptHigh > 0 {
		return fmt.Errorf("session config: adapt low water %.2f above high water %.2f", c.AdaptLow, c.AdaptHigh)
	}
	return nil
}
