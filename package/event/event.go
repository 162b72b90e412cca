// Package event carries structured diagnostics out of the protocol engine.
// Components never log; they hand Events to an Observer.
package event

import (
	"sync"
	"time"
)

type Kind string

const (
	StateChange      Kind = "state_change"
	FrameSent        Kind = "frame_sent"
	FrameReceived    Kind = "frame_received"
	IntegrityFailure Kind = "integrity_failure"
	Retransmission   Kind = "retransmission"
	FrameLost        Kind = "frame_lost"
	BurstDetected    Kind = "burst_detected"
	BurstDropped     Kind = "burst_dropped"
	Backoff          Kind = "backoff"
	Collision        Kind = "collision"
	ParamsChanged    Kind = "params_changed"
	TransferComplete Kind = "transfer_complete"
	SessionClosed    Kind = "session_closed"
)

// Event is one structured record. Unused fields stay zero.
type Event struct {
	Time      time.Time
	Kind      Kind
	Component string
	SessionID uint32
	Seq       uint32
	From, To  string
	Detail    string
	Value     float64
	Err       error
}

type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type discard struct{}

func (discard) Observe(Event) {}

// Discard drops everything.
var Discard Observer = discard{}

// OrDiscard returns o, or Discard when o is nil.
func OrDiscard(o Observer) Observer {
	if o == nil {
		return Discard
	}
	return o
}

// Emitter stamps component and time onto events before passing them on.
type Emitter struct {
	Component string
	Observer  Observer
	Now       func() time.Time
}

func (e Emitter) Emit(ev Event) {
	if e.Observer == nil {
		return
	}
	if ev.Component == "" {
		ev.Component = e.Component
	}
	if ev.Time.IsZero() {
		if e.Now != nil {
			ev.Time = e.Now()
		} else {
			ev.Time = time.Now().UTC()
		}
	}
	e.Observer.Observe(ev)
}

// Recorder keeps every event in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
