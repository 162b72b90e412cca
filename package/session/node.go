package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"binaric/package/event"
	"binaric/package/frame"
	"binaric/package/negotiate"
	"binaric/package/phy"
	"binaric/package/shared"
)

var ErrClosed = errors.New("session: node closed")

// inbound is one parsed burst on its way to a session or the handshake.
type inbound struct {
	frame     frame.Frame
	msg       negotiate.Message
	params    shared.Parameters
	quality   float64
	corrected int
	size      int
	err       error
	collided  bool // preambles overlapped; no frame
}

// Node owns one link and multiplexes sessions over it by session ID. It
// runs at most one handshake at a time.
type Node struct {
	link phy.Link
	cfg  Config
	emit event.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	txMu sync.Mutex

	mu       sync.Mutex
	sessions map[uint32]*Session
	hs       chan inbound
	codecs   map[shared.Parameters]*frame.Codec
	rng      *rand.Rand

	// negotiating is the single handshake slot.
	negotiating chan struct{}
}

func NewNode(link phy.Link, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		link:        link,
		cfg:         cfg,
		emit:        event.Emitter{Component: "session", Observer: cfg.Observer},
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[uint32]*Session),
		codecs:      make(map[shared.Parameters]*frame.Codec),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		negotiating: make(chan struct{}, 1),
	}, nil
}

func (n *Node) Config() Config { return n.cfg }

// Run dispatches inbound bursts until ctx ends or the link closes. Every
// session hosted by the node ends with it.
func (n *Node) Run(ctx context.Context) error {
	defer n.cancel()
	bursts := n.link.Bursts()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return nil
		case b, ok := <-bursts:
			if !ok {
				return nil
			}
			n.dispatch(b)
		}
	}
}

// Close stops the node and every session it hosts.
func (n *Node) Close() { n.cancel() }

// Sessions returns the hosted sessions ordered by ID.
func (n *Node) Sessions() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Node) inUse(id uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[id]
	return ok
}

func (n *Node) remove(id uint32) {
	n.mu.Lock()
	delete(n.sessions, id)
	n.mu.Unlock()
}

func (n *Node) seed() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Int63()
}

func (n *Node) codec(p shared.Parameters) (*frame.Codec, error) {
	p.Epoch = 0
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.codecs[p]; ok {
		return c, nil
	}
	c, err := frame.NewCodec(p)
	if err != nil {
		return nil, err
	}
	n.codecs[p] = c
	return c, nil
}

func (n *Node) dispatch(b phy.Burst) {
	if b.Collided {
		n.mu.Lock()
		hs := n.hs
		n.mu.Unlock()
		if hs != nil {
			select {
			case hs <- inbound{collided: true, quality: b.Quality}:
			default:
			}
		}
		return
	}
	c, err := n.codec(b.Params)
	if err != nil {
		n.emit.Emit(event.Event{Kind: event.BurstDropped, Detail: b.Params.String(), Err: err})
		return
	}
	f, corrected, err := c.Parse(b.Data, b.Erasures)
	in := inbound{frame: f, params: b.Params, quality: b.Quality, corrected: corrected, size: len(b.Data), err: err}
	if err != nil {
		n.emit.Emit(event.Event{Kind: event.IntegrityFailure, SessionID: f.SessionID, Seq: f.Seq, Err: err})
		if !f.Type.Valid() {
			return
		}
	} else if f.Type == frame.TypeControl {
		msg, err := negotiate.Unmarshal(f.Payload)
		if err != nil {
			n.emit.Emit(event.Event{Kind: event.IntegrityFailure, SessionID: f.SessionID, Err: err})
			return
		}
		in.msg = msg
	}

	n.mu.Lock()
	s := n.sessions[f.SessionID]
	hs := n.hs
	n.mu.Unlock()
	switch {
	case s != nil && f.SessionID != 0:
		s.deliver(in)
	case hs != nil && in.err == nil && f.Type == frame.TypeControl:
		select {
		case hs <- in:
		default:
			n.emit.Emit(event.Event{Kind: event.BurstDropped, Detail: "handshake queue full"})
		}
	default:
		n.emit.Emit(event.Event{Kind: event.BurstDropped, SessionID: f.SessionID, Seq: f.Seq, Detail: fmt.Sprintf("no receiver for %s", f.Type)})
	}
}

// transmit encodes f in p and hands it to the link. The node is the only
// writer on its link.
func (n *Node) transmit(ctx context.Context, f frame.Frame, p shared.Parameters) error {
	c, err := n.codec(p)
	if err != nil {
		return err
	}
	wire, err := c.Encode(f)
	if err != nil {
		return err
	}
	n.txMu.Lock()
	defer n.txMu.Unlock()
	if err := n.link.Transmit(ctx, wire, p); err != nil {
		return fmt.Errorf("transmit %s: %w", f, err)
	}
	n.emit.Emit(event.Event{Kind: event.FrameSent, SessionID: f.SessionID, Seq: f.Seq, Detail: f.Type.String()})
	return nil
}

// control sends handshake messages in the base parameters, flagged with the
// sender's role.
func (n *Node) control(ctx context.Context, role negotiate.Role, msgs ...negotiate.Message) error {
	for _, m := range msgs {
		f := frame.NewFrame(m.Marshal(), 0, m.SessionID, frame.TypeControl)
		if role == negotiate.Initiator {
			f.Flags = frame.FlagInitiator
		}
		if err := n.transmit(ctx, f, shared.BaseParameters()); err != nil {
			return err
		}
	}
	return nil
}

// Dial starts a session as initiator. Collisions and unanswered handshakes
// are retried from Idle after a randomized backoff; a NegotiationError ends
// the attempt for good.
func (n *Node) Dial(ctx context.Context) (*Session, error) {
	return n.retry(ctx, negotiate.Initiator)
}

// Accept waits for a peer to start a session.
func (n *Node) Accept(ctx context.Context) (*Session, error) {
	return n.retry(ctx, negotiate.Responder)
}

func retryable(err error) bool {
	return errors.Is(err, shared.ErrCollision) || errors.Is(err, shared.ErrStateTimeout)
}

func (n *Node) retry(ctx context.Context, role negotiate.Role) (*Session, error) {
	select {
	case n.negotiating <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrClosed
	}
	defer func() { <-n.negotiating }()

	rng := rand.New(rand.NewSource(n.seed()))
	for attempt := 1; ; attempt++ {
		s, err := n.handshake(ctx, role)
		if err == nil {
			return s, nil
		}
		if !retryable(err) || (role == negotiate.Initiator && attempt >= n.cfg.MaxAttempts) {
			return nil, err
		}
		d := shared.NextBackoffDelay(n.cfg.Backoff, attempt, rng)
		n.emit.Emit(event.Event{Kind: event.Backoff, Value: d.Seconds(), Detail: role.String(), Err: err})
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-n.ctx.Done():
			t.Stop()
			return nil, ErrClosed
		case <-t.C:
		}
	}
}

// handshake runs one negotiation attempt to completion.
func (n *Node) handshake(ctx context.Context, role negotiate.Role) (*Session, error) {
	m := negotiate.NewMachine(negotiate.Config{
		Profile:      n.cfg.Profile,
		StateTimeout: n.cfg.StateTimeout,
		InUse:        n.inUse,
		Rand:         rand.New(rand.NewSource(n.seed())),
		Observer:     n.cfg.Observer,
	})
	in := make(chan inbound, 16)
	n.mu.Lock()
	n.hs = in
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.hs = nil
		n.mu.Unlock()
	}()

	if role == negotiate.Initiator {
		out, err := m.Start(time.Now())
		if err != nil {
			return nil, err
		}
		if err := n.control(ctx, role, out...); err != nil {
			return nil, err
		}
	} else {
		m.Listen(true)
	}

	tick := time.NewTicker(n.cfg.Tick)
	defer tick.Stop()
	for {
		var out []negotiate.Message
		var err error
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-n.ctx.Done():
			return nil, ErrClosed
		case msg := <-in:
			now := time.Now()
			if msg.collided {
				out, err = m.OnCollision(now)
				break
			}
			m.OnPreamble(msg.quality, now)
			out, err = m.OnMessage(msg.msg, now)
		case now := <-tick.C:
			out, err = m.Tick(now)
		}
		if sendErr := n.control(ctx, role, out...); sendErr != nil && err == nil {
			err = sendErr
		}
		if err != nil {
			return nil, err
		}
		if m.State() == negotiate.Confirmed {
			return n.open(m, time.Now())
		}
	}
}

// open turns a confirmed handshake into a running session.
func (n *Node) open(m *negotiate.Machine, now time.Time) (*Session, error) {
	if err := m.Activate(now); err != nil {
		return nil, err
	}
	s, err := newSession(n, m, now)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.sessions[s.id] = s
	n.mu.Unlock()
	go s.run()
	return s, nil
}
