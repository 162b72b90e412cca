package negotiate

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"binaric/package/event"
	"binaric/package/shared"
)

type State uint8

const (
	Idle State = iota
	PreambleSent
	AwaitingCapability
	Negotiating
	Confirmed
	Active
	Terminated
	Failed
)

var stateNames = [...]string{"Idle", "PreambleSent", "AwaitingCapability", "Negotiating", "Confirmed", "Active", "Terminated", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type Role uint8

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return "none"
}

type Config struct {
	Profile shared.CapabilityProfile
	Nonce   uint64
	// StateTimeout bounds every waiting state.
	StateTimeout time.Duration
	// MaxConfirm bounds CONFIRM retransmissions.
	MaxConfirm int
	// InUse reports session IDs already hosted locally.
	InUse    func(uint32) bool
	Rand     *rand.Rand
	Observer event.Observer
}

// Machine is the handshake state machine. It performs no I/O: every input
// returns the control messages to transmit.
type Machine struct {
	cfg  Config
	emit event.Emitter

	state   State
	role    Role
	entered time.Time
	err     error

	listening bool
	quality   float64 // last preamble quality heard
	helloQ    float64 // responder: quality of the initiator's HELLO

	peer        uint64
	peerProfile shared.CapabilityProfile
	sessionID   uint32
	params      shared.Parameters
	confirm     Message
	confirms    int
}

func NewMachine(cfg Config) *Machine {
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = shared.DefaultStateTimeout
	}
	if cfg.MaxConfirm <= 0 {
		cfg.MaxConfirm = 3
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Nonce == 0 {
		cfg.Nonce = cfg.Rand.Uint64() | 1
	}
	return &Machine{cfg: cfg, emit: event.Emitter{Component: "negotiate", Observer: cfg.Observer}}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Role() Role { return m.role }
func (m *Machine) Nonce() uint64 { return m.cfg.Nonce }
func (m *Machine) Peer() uint64 { return m.peer }
func (m *Machine) SessionID() uint32 { return m.sessionID }
func (m *Machine) Params() shared.Parameters { return m.params }
func (m *Machine) Err() error { return m.err }
func (m *Machine) Profile() shared.CapabilityProfile { return m.cfg.Profile }

// PeerProfile is the profile the peer advertised during the handshake.
func (m *Machine) PeerProfile() shared.CapabilityProfile { return m.peerProfile }

// Listen makes an idle machine answer HELLOs as responder.
func (m *Machine) Listen(on bool) { m.listening = on }

func (m *Machine) set(s State, now time.Time) {
	if s == m.state {
		return
	}
	m.emit.Emit(event.Event{Kind: event.StateChange, SessionID: m.sessionID, From: m.state.String(), To: s.String(), Time: now})
	m.state = s
	m.entered = now
}

func (m *Machine) fail(err error, now time.Time) error {
	m.err = err
	m.set(Failed, now)
	return err
}

// Reset returns a failed or terminated machine to Idle for another attempt.
func (m *Machine) Reset() {
	listening := m.listening
	*m = Machine{cfg: m.cfg, emit: m.emit, listening: listening}
}

// Start begins a handshake as initiator by sending HELLO.
func (m *Machine) Start(now time.Time) ([]Message, error) {
	if m.state != Idle {
		return nil, fmt.Errorf("negotiate: start in state %s", m.state)
	}
	m.role = Initiator
	m.set(PreambleSent, now)
	return []Message{{Kind: Hello, Nonce: m.cfg.Nonce, Profile: m.cfg.Profile}}, nil
}

// OnPreamble records the quality of a detected preamble.
func (m *Machine) OnPreamble(quality float64, now time.Time) {
	m.quality = quality
	if m.state == PreambleSent {
		m.set(AwaitingCapability, now)
	}
}

// OnCollision handles two preambles heard on top of each other. A handshake
// in flight is aborted so both sides back off; an idle or active machine
// ignores it.
func (m *Machine) OnCollision(now time.Time) ([]Message, error) {
	switch m.state {
	case PreambleSent, AwaitingCapability, Negotiating:
		return m.abort(m.peer, AbortCollision, shared.SessionError(shared.ErrCollision, errors.New("overlapping preambles")), now)
	}
	return nil, nil
}

// OnMessage handles a control message heard on the medium.
func (m *Machine) OnMessage(msg Message, now time.Time) ([]Message, error) {
	if msg.Nonce == m.cfg.Nonce {
		return nil, nil // our own echo
	}
	if msg.Peer != 0 && msg.Peer != m.cfg.Nonce {
		return nil, nil
	}
	switch msg.Kind {
	case Hello:
		return m.onHello(msg, now)
	case Caps:
		return m.onCaps(msg, now)
	case Confirm:
		return m.onConfirm(msg, now)
	case Echo:
		return m.onEcho(msg, now)
	case Abort:
		if msg.Nonce != m.peer && m.peer != 0 {
			return nil, nil
		}
		switch m.state {
		case PreambleSent, AwaitingCapability, Negotiating:
			return nil, m.fail(msg.Code.Err(msg.Reason), now)
		}
	}
	return nil, nil
}

func (m *Machine) abort(peer uint64, code AbortCode, err error, now time.Time) ([]Message, error) {
	out := []Message{{Kind: Abort, Nonce: m.cfg.Nonce, Peer: peer, Code: code, Reason: err.Error()}}
	if code == AbortCollision {
		m.emit.Emit(event.Event{Kind: event.Collision, Err: err, Time: now})
	}
	return out, m.fail(err, now)
}

func (m *Machine) onHello(msg Message, now time.Time) ([]Message, error) {
	switch {
	case m.role == Initiator && (m.state == PreambleSent || m.state == AwaitingCapability):
		// two initiators on the medium
		return m.abort(msg.Nonce, AbortCollision, shared.SessionError(shared.ErrCollision, fmt.Errorf("HELLO from %016x while ours is outstanding", msg.Nonce)), now)
	case m.state == Idle && m.listening:
		m.role = Responder
		m.peer = msg.Nonce
		m.peerProfile = msg.Profile
		m.helloQ = m.quality
		if _, err := Negotiate(msg.Profile, m.cfg.Profile, m.helloQ); err != nil {
			return m.abort(msg.Nonce, AbortEmpty, err, now)
		}
		m.set(PreambleSent, now)
		return []Message{{Kind: Caps, Nonce: m.cfg.Nonce, Peer: msg.Nonce, Profile: m.cfg.Profile, Quality: m.helloQ}}, nil
	}
	return nil, nil
}

func (m *Machine) onCaps(msg Message, now time.Time) ([]Message, error) {
	if m.role != Initiator || (m.state != PreambleSent && m.state != AwaitingCapability) {
		return nil, nil
	}
	m.peer = msg.Nonce
	m.peerProfile = msg.Profile
	q := min(m.quality, msg.Quality)
	m.set(Negotiating, now)
	params, err := Negotiate(m.cfg.Profile, msg.Profile, q)
	if err != nil {
		return m.abort(msg.Nonce, AbortEmpty, err, now)
	}
	m.params = params
	m.sessionID = m.newSessionID()
	m.confirm = Message{Kind: Confirm, Nonce: m.cfg.Nonce, Peer: msg.Nonce, SessionID: m.sessionID, Params: params, Quality: q}
	m.confirms = 1
	return []Message{m.confirm}, nil
}

func (m *Machine) newSessionID() uint32 {
	for {
		id := m.cfg.Rand.Uint32()
		if id == 0 {
			continue
		}
		if m.cfg.InUse != nil && m.cfg.InUse(id) {
			continue
		}
		return id
	}
}

func (m *Machine) onConfirm(msg Message, now time.Time) ([]Message, error) {
	if m.role != Responder || msg.Nonce != m.peer {
		return nil, nil
	}
	switch m.state {
	case Confirmed, Active:
		if msg.SessionID == m.sessionID {
			// our ECHO was lost
			return []Message{m.echo()}, nil
		}
		return nil, nil
	case PreambleSent, AwaitingCapability:
	default:
		return nil, nil
	}
	m.sessionID = msg.SessionID
	m.set(Negotiating, now)
	if msg.SessionID == 0 || (m.cfg.InUse != nil && m.cfg.InUse(msg.SessionID)) {
		return m.abort(msg.Nonce, AbortCollision, shared.SessionError(shared.ErrCollision, fmt.Errorf("session %08x already in use", msg.SessionID)), now)
	}
	if msg.Quality > m.helloQ+1e-9 {
		return m.abort(msg.Nonce, AbortMismatch, shared.NegotiationError(shared.ErrConfirmMismatch, "quality %.3f exceeds measured %.3f", msg.Quality, m.helloQ), now)
	}
	want, err := Negotiate(m.peerProfile, m.cfg.Profile, msg.Quality)
	if err != nil {
		return m.abort(msg.Nonce, AbortEmpty, err, now)
	}
	if !want.Same(msg.Params) {
		return m.abort(msg.Nonce, AbortMismatch, shared.NegotiationError(shared.ErrConfirmMismatch, "peer confirmed %s, computed %s", msg.Params, want), now)
	}
	m.params = want
	m.set(Confirmed, now)
	return []Message{m.echo()}, nil
}

func (m *Machine) echo() Message {
	return Message{Kind: Echo, Nonce: m.cfg.Nonce, Peer: m.peer, SessionID: m.sessionID, Params: m.params}
}

func (m *Machine) onEcho(msg Message, now time.Time) ([]Message, error) {
	if m.role != Initiator || m.state != Negotiating || msg.Nonce != m.peer {
		return nil, nil
	}
	if msg.SessionID != m.sessionID || !msg.Params.Same(m.params) {
		return m.abort(msg.Nonce, AbortMismatch, shared.NegotiationError(shared.ErrConfirmMismatch, "echo %08x %s, confirmed %08x %s", msg.SessionID, msg.Params, m.sessionID, m.params), now)
	}
	m.set(Confirmed, now)
	return nil, nil
}

// Tick enforces the per-state timeout and retransmits CONFIRM.
func (m *Machine) Tick(now time.Time) ([]Message, error) {
	switch m.state {
	case PreambleSent, AwaitingCapability, Negotiating:
	default:
		return nil, nil
	}
	if now.Sub(m.entered) < m.cfg.StateTimeout {
		return nil, nil
	}
	if m.state == Negotiating && m.role == Initiator && m.confirms < m.cfg.MaxConfirm {
		m.confirms++
		m.entered = now
		return []Message{m.confirm}, nil
	}
	err := shared.SessionError(shared.ErrStateTimeout, fmt.Errorf("%s for %s", m.state, m.cfg.StateTimeout))
	if m.state == Negotiating && m.role == Initiator {
		// the responder is already active if only its ECHOs were lost
		out, failed := m.abort(m.peer, AbortTimeout, err, now)
		out[0].SessionID = m.sessionID
		return out, failed
	}
	return nil, m.fail(err, now)
}

// Activate moves a confirmed handshake into the active session.
func (m *Machine) Activate(now time.Time) error {
	if m.state != Confirmed {
		return fmt.Errorf("negotiate: activate in state %s", m.state)
	}
	m.set(Active, now)
	return nil
}

// Terminate ends the session.
func (m *Machine) Terminate(err error, now time.Time) {
	if m.state == Terminated || m.state == Failed {
		return
	}
	m.err = err
	m.set(Terminated, now)
}

// Renegotiate validates a parameter change proposed mid-session. The new
// value keeps the scheme and rate but must still fit both profiles.
func Renegotiate(local, peer shared.CapabilityProfile, current, proposed shared.Parameters) error {
	if proposed.Epoch != current.Epoch+1 {
		return shared.NegotiationError(shared.ErrConfirmMismatch, "epoch %d after %d", proposed.Epoch, current.Epoch)
	}
	if err := proposed.Validate(); err != nil {
		return shared.NegotiationError(shared.ErrConfirmMismatch, "%v", err)
	}
	for _, p := range []shared.CapabilityProfile{local, peer} {
		if !p.Schemes.Has(proposed.Scheme) || !p.Levels.Has(proposed.Level) || proposed.Rate < p.MinRate || proposed.Rate > p.MaxRate {
			return shared.NegotiationError(shared.ErrConfirmMismatch, "%s outside %s", proposed, p)
		}
	}
	return nil
}
