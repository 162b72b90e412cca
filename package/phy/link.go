package phy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"binaric/package/event"
	"binaric/package/shared"
)

// Link moves frame bytes across the shared medium. Transmit blocks until
// the burst has been handed to the output; Bursts yields decoded bursts.
type Link interface {
	Transmit(ctx context.Context, wire []byte, p shared.Parameters) error
	Bursts() <-chan Burst
}

type AudioConfig struct {
	// BackoffSlot is the carrier-sense backoff unit.
	BackoffSlot time.Duration
	// MaxDefer bounds how long Transmit waits for a quiet medium.
	MaxDefer time.Duration
	Observer event.Observer
	Seed     int64
}

func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		BackoffSlot: 50 * time.Millisecond,
		MaxDefer:    5 * time.Second,
	}
}

// AudioLink runs the modem over channels of sample buffers. Capture buffers
// come in on in; playback buffers go out on out. One transmitter holds the
// output at a time and defers while the medium is busy.
type AudioLink struct {
	in  <-chan []float64
	out chan<- []float64
	cfg AudioConfig

	tx     *Transmitter
	rx     *Receiver
	bursts chan Burst
	emit   event.Emitter

	txLock sync.Mutex
	mu     sync.Mutex // guards busy and rng
	busy   bool
	rng    *rand.Rand
}

func NewAudioLink(in <-chan []float64, out chan<- []float64, cfg AudioConfig) *AudioLink {
	if cfg.BackoffSlot <= 0 {
		cfg.BackoffSlot = DefaultAudioConfig().BackoffSlot
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &AudioLink{
		in:     in,
		out:    out,
		cfg:    cfg,
		tx:     NewTransmitter(),
		rx:     NewReceiver(),
		bursts: make(chan Burst, 32),
		emit:   event.Emitter{Component: "phy", Observer: cfg.Observer},
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (l *AudioLink) Bursts() <-chan Burst { return l.bursts }

// Run feeds capture buffers to the receiver until ctx ends or in closes.
// Decoded bursts are dropped rather than stalling capture when nobody reads.
func (l *AudioLink) Run(ctx context.Context) error {
	defer close(l.bursts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, ok := <-l.in:
			if !ok {
				return nil
			}
			bursts := l.rx.Push(buf)
			l.mu.Lock()
			l.busy = l.rx.Busy()
			l.mu.Unlock()
			for _, b := range bursts {
				if b.Collided {
					l.emit.Emit(event.Event{Kind: event.Collision, Value: b.Quality, Detail: "overlapping preambles"})
				} else {
					l.emit.Emit(event.Event{Kind: event.BurstDetected, Value: b.Quality, Detail: b.Params.String()})
				}
				select {
				case l.bursts <- b:
				default:
					l.emit.Emit(event.Event{Kind: event.BurstDropped, Detail: "burst queue full"})
				}
			}
		}
	}
}

// Busy reports carrier on the medium.
func (l *AudioLink) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// senseSignal waits for a quiet medium with randomized slot backoff.
func (l *AudioLink) senseSignal(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.MaxDefer)
	for attempt := 1; l.Busy(); attempt++ {
		if l.cfg.MaxDefer > 0 && time.Now().After(deadline) {
			// transmit anyway; ARQ recovers a collision
			return nil
		}
		l.mu.Lock()
		d := shared.SlotBackoff(l.cfg.BackoffSlot, attempt, l.rng)
		l.mu.Unlock()
		l.emit.Emit(event.Event{Kind: event.Backoff, Value: d.Seconds()})
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (l *AudioLink) Transmit(ctx context.Context, wire []byte, p shared.Parameters) error {
	samples, err := l.tx.Burst(wire, p)
	if err != nil {
		return err
	}
	l.txLock.Lock()
	defer l.txLock.Unlock()
	if err := l.senseSignal(ctx); err != nil {
		return err
	}
	for off := 0; off < len(samples); off += shared.BufferSize {
		end := off + shared.BufferSize
		if end > len(samples) {
			end = len(samples)
		}
		buf := make([]float64, shared.BufferSize)
		copy(buf, samples[off:end])
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l.out <- buf:
		}
	}
	return nil
}
