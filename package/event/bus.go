package event

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	ch chan Event
}

// Bus fans events out to synchronous observers and to buffered subscribers.
// Slow subscribers are skipped so the publisher never stalls.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[*subscriber]struct{}
	dropped   atomic.Uint64
}

func NewBus(observers ...Observer) *Bus {
	return &Bus{observers: observers, subs: make(map[*subscriber]struct{})}
}

// Attach adds a synchronous observer.
func (b *Bus) Attach(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Subscribe returns a buffered channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

func (b *Bus) Observe(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.Observe(e)
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len is the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts events skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
