package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"binaric/package/event"
	"binaric/package/frame"
	"binaric/package/negotiate"
	"binaric/package/shared"
)

// pending is an outbound DATA frame waiting for its ACK.
type pending struct {
	frame   frame.Frame
	sent    time.Time
	retries int
}

type sendRequest struct {
	payload []byte
	result  chan error
}

// Session is one active connection. A single goroutine owns the reassembly
// buffer, the outstanding set and the machine; callers talk to it through
// channels.
type Session struct {
	node *Node
	id   uint32
	cfg  Config
	emit event.Emitter

	inbox    chan inbound
	sends    chan *sendRequest
	recv     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	state  negotiate.State
	params shared.Parameters
	err    error

	// owned by run
	m           *negotiate.Machine
	cur         shared.Parameters
	nextSeq     uint32
	buf         *frame.Buffer
	outstanding map[uint32]*pending
	queue       []frame.Frame
	current     *sendRequest
	ready       [][]byte
	lastHeard   time.Time
	lastSent    time.Time
	load        []float64
	proposed    *shared.Parameters
	proposedAt  time.Time
	proposals   int
}

func newSession(n *Node, m *negotiate.Machine, now time.Time) (*Session, error) {
	if m.State() != negotiate.Active {
		return nil, fmt.Errorf("session: machine in state %s", m.State())
	}
	s := &Session{
		node:        n,
		id:          m.SessionID(),
		cfg:         n.cfg,
		emit:        event.Emitter{Component: "session", Observer: n.cfg.Observer},
		inbox:       make(chan inbound, 256),
		sends:       make(chan *sendRequest),
		recv:        make(chan []byte, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		m:           m,
		cur:         m.Params(),
		buf:         frame.NewBuffer(0),
		outstanding: make(map[uint32]*pending),
		lastHeard:   now,
		lastSent:    now,
	}
	s.publish()
	return s, nil
}

func (s *Session) ID() uint32 { return s.id }

func (s *Session) Role() negotiate.Role { return s.m.Role() }

func (s *Session) State() negotiate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params is the current parameter snapshot.
func (s *Session) Params() shared.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Err is why the session ended; nil while active or after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Receive yields every verified inbound transfer. It is closed when the
// session ends.
func (s *Session) Receive() <-chan []byte { return s.recv }

// Send transfers payload and waits until every frame is acknowledged.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	req := &sendRequest{payload: payload, result: make(chan error, 1)}
	select {
	case s.sends <- req:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return s.closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate tells the peer and ends the session.
func (s *Session) Terminate() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return shared.SessionError(shared.ErrTerminated, nil)
}

func (s *Session) publish() {
	s.mu.Lock()
	s.state = s.m.State()
	s.params = s.cur
	s.err = s.m.Err()
	s.mu.Unlock()
}

func (s *Session) deliver(in inbound) {
	select {
	case s.inbox <- in:
	case <-s.done:
	default:
		s.emit.Emit(event.Event{Kind: event.BurstDropped, SessionID: s.id, Seq: in.frame.Seq, Detail: "session queue full"})
	}
}

func (s *Session) active() bool { return s.m.State() == negotiate.Active }

func (s *Session) run() {
	defer s.finish()
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	for s.active() {
		var sends chan *sendRequest
		if s.current == nil {
			sends = s.sends
		}
		var recv chan []byte
		var next []byte
		if len(s.ready) > 0 {
			recv, next = s.recv, s.ready[0]
		}
		select {
		case <-s.node.ctx.Done():
			s.end(shared.SessionError(shared.ErrTerminated, ErrClosed), time.Now())
		case <-s.stop:
			now := time.Now()
			s.control(negotiate.Message{Kind: negotiate.Terminate}, now)
			s.end(nil, now)
		case req := <-sends:
			s.begin(req)
		case in := <-s.inbox:
			s.onInbound(in, time.Now())
		case now := <-tick.C:
			s.onTick(now)
		case recv <- next:
			s.ready = s.ready[1:]
		}
		s.pump(time.Now())
	}
}

func (s *Session) finish() {
	for _, p := range s.ready {
		select {
		case s.recv <- p:
		default:
		}
	}
	s.node.remove(s.id)
	close(s.recv)
	close(s.done)
	s.emit.Emit(event.Event{Kind: event.SessionClosed, SessionID: s.id, Err: s.m.Err()})
}

// end moves the session to Terminated with err as its cause.
func (s *Session) end(err error, now time.Time) {
	if !s.active() {
		return
	}
	s.m.Terminate(err, now)
	s.publish()
	if s.current != nil {
		if err == nil {
			err = shared.SessionError(shared.ErrTerminated, nil)
		}
		s.current.result <- err
		s.current = nil
	}
}

func (s *Session) begin(req *sendRequest) {
	frames := frame.Fragment(req.payload, s.cfg.MaxFrameSize, s.id, s.nextSeq)
	s.nextSeq += uint32(len(frames))
	s.queue = frames
	s.current = req
}

func (s *Session) transmit(f frame.Frame, now time.Time) bool {
	if s.m.Role() == negotiate.Initiator {
		f.Flags |= frame.FlagInitiator
	}
	if err := s.node.transmit(s.node.ctx, f, s.cur); err != nil {
		s.end(shared.SessionError(shared.ErrTerminated, err), now)
		return false
	}
	s.lastSent = now
	return true
}

func (s *Session) control(msg negotiate.Message, now time.Time) bool {
	msg.Nonce = s.m.Nonce()
	msg.Peer = s.m.Peer()
	msg.SessionID = s.id
	msg.NextSeq = s.nextSeq - uint32(len(s.queue))
	return s.transmit(frame.NewFrame(msg.Marshal(), 0, s.id, frame.TypeControl), now)
}

func (s *Session) reply(typ frame.Type, seq uint32, now time.Time) {
	s.transmit(frame.NewFrame(nil, seq, s.id, typ), now)
}

// pump fills the window from the queue.
func (s *Session) pump(now time.Time) {
	for s.active() && len(s.queue) > 0 && len(s.outstanding) < s.cfg.Window {
		f := s.queue[0]
		s.queue = s.queue[1:]
		if !s.transmit(f, now) {
			return
		}
		s.outstanding[f.Seq] = &pending{frame: f, sent: now}
	}
	if s.current != nil && len(s.queue) == 0 && len(s.outstanding) == 0 {
		s.emit.Emit(event.Event{Kind: event.TransferComplete, SessionID: s.id, Detail: "sent", Value: float64(len(s.current.payload))})
		s.current.result <- nil
		s.current = nil
	}
}

func (s *Session) retransmit(p *pending, now time.Time) {
	if p.retries >= s.cfg.MaxRetries {
		s.end(shared.SessionError(shared.ErrRetryExhausted, fmt.Errorf("seq %d unacknowledged after %d retransmissions", p.frame.Seq, p.retries)), now)
		return
	}
	p.retries++
	p.sent = now
	s.emit.Emit(event.Event{Kind: event.Retransmission, SessionID: s.id, Seq: p.frame.Seq, Value: float64(p.retries)})
	s.transmit(p.frame, now)
}

func (s *Session) onTick(now time.Time) {
	if !s.active() {
		return
	}
	if silent := now.Sub(s.lastHeard); silent >= 2*s.cfg.HeartbeatInterval {
		s.end(shared.SessionError(shared.ErrHeartbeatTimeout, fmt.Errorf("peer silent for %s", silent)), now)
		return
	}
	seqs := make([]uint32, 0, len(s.outstanding))
	for seq, p := range s.outstanding {
		if now.Sub(p.sent) >= s.cfg.AckTimeout {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if !s.active() {
			return
		}
		s.retransmit(s.outstanding[seq], now)
	}
	if s.proposed != nil && now.Sub(s.proposedAt) >= s.cfg.AckTimeout {
		if s.proposals >= s.cfg.MaxRetries {
			s.proposed = nil
		} else {
			s.proposals++
			s.proposedAt = now
			s.control(negotiate.Message{Kind: negotiate.Propose, Params: *s.proposed}, now)
		}
	}
	if s.active() && now.Sub(s.lastSent) >= s.cfg.HeartbeatInterval {
		s.control(negotiate.Message{Kind: negotiate.Heartbeat}, now)
	}
}

func (s *Session) onInbound(in inbound, now time.Time) {
	f := in.frame
	if (f.Flags&frame.FlagInitiator != 0) == (s.m.Role() == negotiate.Initiator) {
		return // our own burst heard back
	}
	s.lastHeard = now
	if in.err != nil {
		if f.Type == frame.TypeData {
			s.reply(frame.TypeNack, f.Seq, now)
		}
		if errors.Is(in.err, shared.ErrUncorrectable) {
			s.observe(1, now)
		}
		return
	}
	switch f.Type {
	case frame.TypeData:
		s.observeCorrections(in, now)
		s.reply(frame.TypeAck, f.Seq, now)
		dup, err := s.buf.Add(f)
		if err != nil {
			s.emit.Emit(event.Event{Kind: event.IntegrityFailure, SessionID: s.id, Seq: f.Seq, Err: err})
			return
		}
		if dup {
			return
		}
		s.emit.Emit(event.Event{Kind: event.FrameReceived, SessionID: s.id, Seq: f.Seq, Value: float64(in.corrected)})
		payloads, err := s.buf.Flush()
		for _, p := range payloads {
			s.emit.Emit(event.Event{Kind: event.TransferComplete, SessionID: s.id, Detail: "received", Value: float64(len(p))})
		}
		s.ready = append(s.ready, payloads...)
		if err != nil {
			s.emit.Emit(event.Event{Kind: event.IntegrityFailure, SessionID: s.id, Err: err})
		}
	case frame.TypeAck:
		delete(s.outstanding, f.Seq)
	case frame.TypeNack:
		if p, ok := s.outstanding[f.Seq]; ok {
			s.retransmit(p, now)
		}
	case frame.TypeControl:
		s.onControl(in.msg, now)
	}
}

func (s *Session) onControl(msg negotiate.Message, now time.Time) {
	switch msg.Kind {
	case negotiate.Terminate:
		s.end(nil, now)
	case negotiate.Heartbeat:
		s.recoverTail(msg.NextSeq, now)
	case negotiate.Abort:
		// the initiator gave up before hearing our ECHO
		if msg.Nonce == s.m.Peer() {
			s.end(msg.Code.Err(msg.Reason), now)
		}
	case negotiate.Confirm:
		// the peer missed our ECHO
		out, _ := s.m.OnMessage(msg, now)
		for _, m := range out {
			if err := s.node.control(s.node.ctx, s.m.Role(), m); err == nil {
				s.lastSent = now
			}
		}
	case negotiate.Propose:
		s.onPropose(msg.Params, now)
	case negotiate.Accept:
		if s.proposed != nil && msg.Params.Same(*s.proposed) && msg.Params.Epoch == s.proposed.Epoch {
			s.apply(*s.proposed, now)
		}
	}
}

// recoverTail NACKs DATA frames below the peer's next unsent sequence number
// that never arrived. Only frames still outstanding at the peer can be
// missing, which bounds the scan by the window.
func (s *Session) recoverTail(nextSeq uint32, now time.Time) {
	limit := s.buf.Expected() + uint32(s.buf.Len()+s.cfg.Window)
	if nextSeq > limit {
		nextSeq = limit
	}
	for _, seq := range s.buf.Missing(nextSeq) {
		s.emit.Emit(event.Event{Kind: event.FrameLost, SessionID: s.id, Seq: seq})
		s.reply(frame.TypeNack, seq, now)
	}
}

func (s *Session) onPropose(p shared.Parameters, now time.Time) {
	if p.Same(s.cur) && p.Epoch == s.cur.Epoch {
		// our ACCEPT was lost
		s.control(negotiate.Message{Kind: negotiate.Accept, Params: p}, now)
		return
	}
	if s.proposed != nil && s.m.Role() == negotiate.Initiator {
		return
	}
	if err := negotiate.Renegotiate(s.m.Profile(), s.m.PeerProfile(), s.cur, p); err != nil {
		s.emit.Emit(event.Event{Kind: event.IntegrityFailure, SessionID: s.id, Detail: "rejected proposal", Err: err})
		return
	}
	if !s.control(negotiate.Message{Kind: negotiate.Accept, Params: p}, now) {
		return
	}
	s.apply(p, now)
}

func (s *Session) apply(p shared.Parameters, now time.Time) {
	s.emit.Emit(event.Event{Kind: event.ParamsChanged, SessionID: s.id, From: s.cur.String(), To: p.String(), Time: now})
	s.cur = p
	s.proposed = nil
	s.proposals = 0
	s.load = s.load[:0]
	s.publish()
}

// observeCorrections feeds the share of block-code capacity a frame used
// into the adaptive window.
func (s *Session) observeCorrections(in inbound, now time.Time) {
	p := in.params
	if p.Level != shared.LevelECC || p.Parity == 0 {
		return
	}
	body := in.size - frame.HeaderLen
	blocks := (body + 254) / 255
	if blocks == 0 {
		return
	}
	capacity := float64(blocks * p.Parity / 2)
	s.observe(min(float64(in.corrected)/capacity, 1), now)
}

func (s *Session) observe(load float64, now time.Time) {
	if !s.cfg.Adaptive || s.cur.Level != shared.LevelECC || s.proposed != nil {
		return
	}
	s.load = append(s.load, load)
	if len(s.load) > s.cfg.AdaptWindow {
		s.load = s.load[len(s.load)-s.cfg.AdaptWindow:]
	}
	if len(s.load) < s.cfg.AdaptWindow {
		return
	}
	var sum float64
	for _, v := range s.load {
		sum += v
	}
	avg := sum / float64(len(s.load))
	parity := s.cur.Parity
	switch {
	case avg >= s.cfg.AdaptHigh && parity < 32:
		parity *= 2
	case avg <= s.cfg.AdaptLow && parity > 8:
		parity /= 2
	default:
		return
	}
	next := shared.NewParameters(s.cur.Scheme, s.cur.Level, parity, s.cur.Rate)
	next.Epoch = s.cur.Epoch + 1
	s.proposed = &next
	s.proposedAt = now
	s.proposals = 0
	s.load = s.load[:0]
	s.control(negotiate.Message{Kind: negotiate.Propose, Params: next}, now)
}
