package phy

import (
	"context"
	"math/rand"
	"sync"

	"binaric/package/shared"
)

// MediumConfig shapes an in-memory shared medium.
type MediumConfig struct {
	LossRate float64 // probability a burst never arrives
	Quality  float64 // reported preamble quality, 1 if zero
	Echo     bool    // endpoints hear their own bursts, like a speaker next to a mic
	Seed     int64
}

// Medium is an in-memory broadcast channel of frame bytes. Every burst one
// endpoint transmits reaches every other endpoint unless it is lost. It
// stands in for the audio path in deterministic tests.
type Medium struct {
	mu   sync.Mutex
	cfg  MediumConfig
	rng  *rand.Rand
	ends []*Endpoint
	sent int
	lost int
}

func NewMedium(cfg MediumConfig) *Medium {
	if cfg.Quality == 0 {
		cfg.Quality = 1
	}
	return &Medium{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// NewPipe is a medium with two endpoints.
func NewPipe(cfg MediumConfig) (*Endpoint, *Endpoint) {
	m := NewMedium(cfg)
	return m.Endpoint(), m.Endpoint()
}

// Endpoint attaches a new listener/transmitter.
func (m *Medium) Endpoint() *Endpoint {
	e := &Endpoint{m: m, bursts: make(chan Burst, 1024)}
	m.mu.Lock()
	m.ends = append(m.ends, e)
	m.mu.Unlock()
	return e
}

// SetLoss changes the loss rate; 1 silences the medium.
func (m *Medium) SetLoss(p float64) {
	m.mu.Lock()
	m.cfg.LossRate = p
	m.mu.Unlock()
}

// Stats returns bursts transmitted and bursts lost.
func (m *Medium) Stats() (sent, lost int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.lost
}

func (m *Medium) deliver(ctx context.Context, from *Endpoint, wire []byte, p shared.Parameters) error {
	m.mu.Lock()
	m.sent++
	var targets []*Endpoint
	for _, e := range m.ends {
		if e == from && !m.cfg.Echo {
			continue
		}
		if m.rng.Float64() < m.cfg.LossRate {
			m.lost++
			continue
		}
		targets = append(targets, e)
	}
	quality := m.cfg.Quality
	m.mu.Unlock()

	for _, e := range targets {
		b := Burst{Data: append([]byte(nil), wire...), Params: p, Quality: quality, Confidence: 1}
		select {
		case e.bursts <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Endpoint is one station on a Medium. It implements Link.
type Endpoint struct {
	m      *Medium
	bursts chan Burst
}

func (e *Endpoint) Transmit(ctx context.Context, wire []byte, p shared.Parameters) error {
	return e.m.deliver(ctx, e, wire, p)
}

func (e *Endpoint) Bursts() <-chan Burst { return e.bursts }
