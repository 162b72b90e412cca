package session

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"binaric/package/event"
	"binaric/package/frame"
	"binaric/package/negotiate"
	"binaric/package/phy"
	"binaric/package/shared"
)

func testConfig(seed int64, obs event.Observer) Config {
	cfg := DefaultConfig()
	cfg.Profile.Levels = shared.Levels(shared.LevelCRC, shared.LevelECC)
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.Tick = 10 * time.Millisecond
	cfg.StateTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	cfg.Backoff = shared.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 200 * time.Millisecond, Jitter: true}
	cfg.Seed = seed
	cfg.Observer = obs
	return cfg
}

// runPair starts two nodes on one medium and stops them when the test ends.
func runPair(t *testing.T, m *phy.Medium, ca, cb Config) (*Node, *Node) {
	t.Helper()
	na, err := NewNode(m.Endpoint(), ca)
	require.NoError(t, err)
	nb, err := NewNode(m.Endpoint(), cb)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go na.Run(ctx)
	go nb.Run(ctx)
	return na, nb
}

// connect dials from a while b accepts.
func connect(t *testing.T, na, nb *Node) (*Session, *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	type result struct {
		s   *Session
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := nb.Accept(ctx)
		accepted <- result{s, err}
	}()
	sa, err := na.Dial(ctx)
	require.NoError(t, err)
	r := <-accepted
	require.NoError(t, r.err)
	return sa, r.s
}

func waitDone(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(d):
		t.Fatalf("session %08x still %s after %s", s.ID(), s.State(), d)
	}
}

func TestHandshakeOverMedium(t *testing.T) {
	rec := &event.Recorder{}
	m := phy.NewMedium(phy.MediumConfig{Seed: 1})
	na, nb := runPair(t, m, testConfig(1, rec), testConfig(2, nil))
	sa, sb := connect(t, na, nb)

	require.Equal(t, sa.ID(), sb.ID())
	require.NotZero(t, sa.ID())
	require.Equal(t, negotiate.Initiator, sa.Role())
	require.Equal(t, negotiate.Responder, sb.Role())
	require.Equal(t, negotiate.Active, sa.State())
	require.True(t, sa.Params().Same(sb.Params()))
	require.Equal(t, shared.QAM, sa.Params().Scheme)
	require.Equal(t, shared.LevelCRC, sa.Params().Level)
	require.Len(t, na.Sessions(), 1)

	sa.Terminate()
	require.Equal(t, negotiate.Terminated, sa.State())
	require.NoError(t, sa.Err())
	waitDone(t, sb, 2*time.Second)
	require.Equal(t, negotiate.Terminated, sb.State())
	require.NoError(t, sb.Err())
	require.Empty(t, na.Sessions())
	require.Empty(t, nb.Sessions())
	require.GreaterOrEqual(t, rec.Count(event.SessionClosed), 1)

	require.ErrorIs(t, sa.Send(context.Background(), []byte("late")), shared.ErrTerminated)
}

func TestDialEmptyIntersection(t *testing.T) {
	ca, cb := testConfig(1, nil), testConfig(2, nil)
	ca.Profile.Schemes = shared.Schemes(shared.FSK)
	cb.Profile.Schemes = shared.Schemes(shared.QAM)
	m := phy.NewMedium(phy.MediumConfig{Seed: 1})
	na, nb := runPair(t, m, ca, cb)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted := make(chan error, 1)
	go func() {
		_, err := nb.Accept(ctx)
		accepted <- err
	}()
	_, err := na.Dial(ctx)
	require.ErrorIs(t, err, shared.ErrNegotiation)
	require.ErrorIs(t, err, shared.ErrEmptyIntersection)
	err = <-accepted
	require.ErrorIs(t, err, shared.ErrEmptyIntersection)
}

func TestDialGivesUpWithoutPeer(t *testing.T) {
	cfg := testConfig(1, nil)
	cfg.MaxAttempts = 2
	rec := &event.Recorder{}
	cfg.Observer = rec
	a, _ := phy.NewPipe(phy.MediumConfig{Seed: 1})
	n, err := NewNode(a, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go n.Run(ctx)

	_, err = n.Dial(ctx)
	require.ErrorIs(t, err, shared.ErrSession)
	require.ErrorIs(t, err, shared.ErrStateTimeout)
	require.Equal(t, 1, rec.Count(event.Backoff))
}

func TestOverlappingPreamblesAbortHandshake(t *testing.T) {
	cfg := testConfig(1, nil)
	cfg.MaxAttempts = 1
	cfg.StateTimeout = 5 * time.Second
	ea, eb := phy.NewPipe(phy.MediumConfig{Seed: 1})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go n.Run(ctx)

	dialed := make(chan error, 1)
	go func() {
		_, err := n.Dial(ctx)
		dialed <- err
	}()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.hs != nil
	}, 2*time.Second, time.Millisecond)

	n.dispatch(phy.Burst{Collided: true, Quality: 0.8})
	err = <-dialed
	require.ErrorIs(t, err, shared.ErrSession)
	require.ErrorIs(t, err, shared.ErrCollision)
	require.Len(t, eb.Bursts(), 2, "HELLO then ABORT")
}

func TestTransferUnderLoss(t *testing.T) {
	rec := &event.Recorder{}
	ca, cb := testConfig(1, rec), testConfig(2, nil)
	ca.MaxFrameSize, cb.MaxFrameSize = 100, 100
	m := phy.NewMedium(phy.MediumConfig{Seed: 7})
	na, nb := runPair(t, m, ca, cb)
	sa, sb := connect(t, na, nb)
	m.SetLoss(0.05)

	payload := make([]byte, 10000)
	rand.New(rand.NewSource(9)).Read(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sent := make(chan error, 1)
	go func() { sent <- sa.Send(ctx, payload) }()

	select {
	case got := <-sb.Receive():
		require.True(t, bytes.Equal(payload, got))
	case <-ctx.Done():
		t.Fatal("transfer not delivered")
	}
	require.NoError(t, <-sent)
	require.LessOrEqual(t, rec.Count(event.Retransmission), ca.MaxRetries*100)

	// and back the other way on the same session
	go func() { sent <- sb.Send(ctx, []byte("ack from b")) }()
	select {
	case got := <-sa.Receive():
		require.Equal(t, "ack from b", string(got))
	case <-ctx.Done():
		t.Fatal("reply not delivered")
	}
	require.NoError(t, <-sent)

	require.Equal(t, negotiate.Active, sa.State())
	require.Equal(t, negotiate.Active, sb.State())
	require.GreaterOrEqual(t, rec.Count(event.TransferComplete), 2)
}

func TestDefaultProfileAcknowledgesEveryLevel(t *testing.T) {
	ca, cb := testConfig(1, nil), testConfig(2, nil)
	ca.Profile, cb.Profile = shared.DefaultProfile(), shared.DefaultProfile()
	m := phy.NewMedium(phy.MediumConfig{Seed: 11})
	na, nb := runPair(t, m, ca, cb)
	sa, sb := connect(t, na, nb)
	// a clean channel picks the cheapest level
	require.Equal(t, shared.LevelNone, sa.Params().Level)
	m.SetLoss(0.05)

	payload := make([]byte, 10000)
	rand.New(rand.NewSource(4)).Read(payload)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sent := make(chan error, 1)
	go func() { sent <- sa.Send(ctx, payload) }()

	select {
	case got := <-sb.Receive():
		require.True(t, bytes.Equal(payload, got))
	case <-ctx.Done():
		t.Fatal("transfer not delivered")
	}
	require.NoError(t, <-sent)
	_, lost := m.Stats()
	require.NotZero(t, lost)
}

func TestHeartbeatRecoversLostTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile.Levels = shared.Levels(shared.LevelCRC)
	rec := &event.Recorder{}
	cfg.Observer = rec
	ea, eb := phy.NewPipe(phy.MediumConfig{})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	_, mb := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	s, err := newSession(n, mb, start)
	require.NoError(t, err)

	frames := frame.Fragment([]byte("three frames of data"), 8, s.id, 0)
	require.Len(t, frames, 3)
	for i := range frames {
		frames[i].Flags = frame.FlagInitiator
	}
	heartbeat := inbound{
		frame: frame.Frame{SessionID: s.id, Type: frame.TypeControl, Flags: frame.FlagInitiator},
		msg:   negotiate.Message{Kind: negotiate.Heartbeat, SessionID: s.id, NextSeq: 3},
	}
	s.onInbound(inbound{frame: frames[0]}, start)
	require.Len(t, eb.Bursts(), 1, "ACK for seq 0")
	<-eb.Bursts()

	// seq 1 and 2 never arrive; the sender goes idle and heartbeats
	s.onInbound(heartbeat, start)
	require.Len(t, eb.Bursts(), 2)
	require.Equal(t, 2, rec.Count(event.FrameLost))

	// nothing missing, nothing sent
	s.onInbound(inbound{frame: frames[1]}, start)
	s.onInbound(inbound{frame: frames[2]}, start)
	for len(eb.Bursts()) > 0 {
		<-eb.Bursts()
	}
	s.onInbound(heartbeat, start)
	require.Empty(t, eb.Bursts())
	require.Equal(t, 2, rec.Count(event.FrameLost))
	require.Len(t, s.ready, 1)
}

func TestAbandonedHandshakeEndsResponder(t *testing.T) {
	cfg := DefaultConfig()
	ea, eb := phy.NewPipe(phy.MediumConfig{})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	ma, mb := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	s, err := newSession(n, mb, start)
	require.NoError(t, err)

	abort := negotiate.Message{Kind: negotiate.Abort, Nonce: ma.Nonce(), Peer: mb.Nonce(), SessionID: s.id, Code: negotiate.AbortTimeout, Reason: "no ECHO"}

	// our own bursts heard back are ignored
	echo := inbound{frame: frame.Frame{SessionID: s.id, Type: frame.TypeControl}, msg: abort}
	s.onInbound(echo, start.Add(time.Second))
	require.Equal(t, negotiate.Active, s.State())
	require.Equal(t, start, s.lastHeard)

	from := echo
	from.frame.Flags = frame.FlagInitiator
	s.onInbound(from, start.Add(time.Second))
	require.Equal(t, negotiate.Terminated, s.State())
	require.ErrorIs(t, s.Err(), shared.ErrStateTimeout)
	require.Empty(t, eb.Bursts())
}

func TestTransferWithEcho(t *testing.T) {
	m := phy.NewMedium(phy.MediumConfig{Seed: 5, Echo: true})
	na, nb := runPair(t, m, testConfig(1, nil), testConfig(2, nil))
	sa, sb := connect(t, na, nb)

	payload := bytes.Repeat([]byte("echo "), 500)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := make(chan error, 1)
	go func() { sent <- sa.Send(ctx, payload) }()
	select {
	case got := <-sb.Receive():
		require.True(t, bytes.Equal(payload, got))
	case <-ctx.Done():
		t.Fatal("transfer not delivered")
	}
	require.NoError(t, <-sent)
	select {
	case got := <-sa.Receive():
		t.Fatalf("sender received its own transfer (%d bytes)", len(got))
	default:
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	ca, cb := testConfig(1, nil), testConfig(2, nil)
	for _, c := range []*Config{&ca, &cb} {
		c.HeartbeatInterval = 60 * time.Millisecond
		c.AckTimeout = 20 * time.Millisecond
	}
	m := phy.NewMedium(phy.MediumConfig{Seed: 3})
	na, nb := runPair(t, m, ca, cb)
	sa, sb := connect(t, na, nb)

	// heartbeats keep an idle session up
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, negotiate.Active, sa.State())
	require.Equal(t, negotiate.Active, sb.State())

	m.SetLoss(1)
	waitDone(t, sa, 2*time.Second)
	waitDone(t, sb, 2*time.Second)
	require.ErrorIs(t, sa.Err(), shared.ErrHeartbeatTimeout)
	require.ErrorIs(t, sb.Err(), shared.ErrSession)
	require.Equal(t, negotiate.Terminated, sb.State())
}

// activeMachines drives two machines through the handshake by hand.
func activeMachines(t *testing.T, profile shared.CapabilityProfile) (*negotiate.Machine, *negotiate.Machine) {
	t.Helper()
	now := time.Unix(1700000000, 0)
	a := negotiate.NewMachine(negotiate.Config{Profile: profile, Rand: rand.New(rand.NewSource(1))})
	b := negotiate.NewMachine(negotiate.Config{Profile: profile, Rand: rand.New(rand.NewSource(2))})
	b.Listen(true)

	hello, err := a.Start(now)
	require.NoError(t, err)
	b.OnPreamble(1, now)
	caps, err := b.OnMessage(hello[0], now)
	require.NoError(t, err)
	a.OnPreamble(1, now)
	confirm, err := a.OnMessage(caps[0], now)
	require.NoError(t, err)
	echo, err := b.OnMessage(confirm[0], now)
	require.NoError(t, err)
	_, err = a.OnMessage(echo[0], now)
	require.NoError(t, err)
	require.NoError(t, a.Activate(now))
	require.NoError(t, b.Activate(now))
	return a, b
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := DefaultConfig()
	ea, eb := phy.NewPipe(phy.MediumConfig{})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	ma, _ := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	s, err := newSession(n, ma, start)
	require.NoError(t, err)

	s.onTick(start.Add(2 * time.Second))
	require.Equal(t, negotiate.Active, s.State())
	require.Len(t, eb.Bursts(), 1, "one heartbeat")

	s.onTick(start.Add(4*time.Second - time.Millisecond))
	require.Equal(t, negotiate.Active, s.State())

	s.onTick(start.Add(4 * time.Second))
	require.Equal(t, negotiate.Terminated, s.State())
	require.ErrorIs(t, s.Err(), shared.ErrSession)
	require.ErrorIs(t, s.Err(), shared.ErrHeartbeatTimeout)
}

func TestRetryBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile.Levels = shared.Levels(shared.LevelECC)
	cfg.HeartbeatInterval = time.Hour
	cfg.MaxRetries = 3
	rec := &event.Recorder{}
	cfg.Observer = rec
	ea, _ := phy.NewPipe(phy.MediumConfig{LossRate: 1})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	ma, _ := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	s, err := newSession(n, ma, start)
	require.NoError(t, err)

	req := &sendRequest{payload: []byte("into the void"), result: make(chan error, 1)}
	s.begin(req)
	s.pump(start)
	require.Len(t, s.outstanding, 1)

	now := start
	for i := 0; i < cfg.MaxRetries; i++ {
		now = now.Add(cfg.AckTimeout)
		s.onTick(now)
		require.Equal(t, negotiate.Active, s.State())
	}
	require.Equal(t, cfg.MaxRetries, rec.Count(event.Retransmission))

	s.onTick(now.Add(cfg.AckTimeout))
	require.Equal(t, negotiate.Terminated, s.State())
	require.ErrorIs(t, s.Err(), shared.ErrRetryExhausted)
	require.ErrorIs(t, <-req.result, shared.ErrRetryExhausted)
}

func TestNackTriggersRetransmit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile.Levels = shared.Levels(shared.LevelCRC)
	ea, eb := phy.NewPipe(phy.MediumConfig{})
	n, err := NewNode(ea, cfg)
	require.NoError(t, err)
	ma, _ := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	s, err := newSession(n, ma, start)
	require.NoError(t, err)

	s.begin(&sendRequest{payload: []byte("hello"), result: make(chan error, 1)})
	s.pump(start)
	require.Len(t, eb.Bursts(), 1)
	<-eb.Bursts()

	nack := inbound{frame: s.outstanding[0].frame}
	nack.frame.Type = frame.TypeNack
	nack.frame.Payload = nil
	nack.frame.Footer = nil
	s.onInbound(nack, start.Add(time.Millisecond))
	require.Len(t, eb.Bursts(), 1)
	require.Equal(t, 1, s.outstanding[0].retries)

	ack := nack
	ack.frame.Type = frame.TypeAck
	s.onInbound(ack, start.Add(2*time.Millisecond))
	require.Empty(t, s.outstanding)
	s.pump(start.Add(2 * time.Millisecond))
	require.Nil(t, s.current)
}

func TestAdaptiveParity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile.Levels = shared.Levels(shared.LevelECC)
	cfg.Adaptive = true
	cfg.AdaptWindow = 4
	rec := &event.Recorder{}
	cfg.Observer = rec

	m := phy.NewMedium(phy.MediumConfig{})
	ea, eb := m.Endpoint(), m.Endpoint()
	na, err := NewNode(ea, cfg)
	require.NoError(t, err)
	nb, err := NewNode(eb, cfg)
	require.NoError(t, err)
	ma, mb := activeMachines(t, cfg.Profile)
	start := time.Unix(1700000000, 0)
	a, err := newSession(na, ma, start)
	require.NoError(t, err)
	b, err := newSession(nb, mb, start)
	require.NoError(t, err)
	na.sessions[a.id] = a
	nb.sessions[b.id] = b
	require.Equal(t, 8, a.Params().Parity)

	// b sees heavy correction load and proposes more parity
	for i := 0; i < cfg.AdaptWindow; i++ {
		b.observe(0.9, start)
	}
	require.NotNil(t, b.proposed)
	require.Equal(t, 16, b.proposed.Parity)
	require.Equal(t, uint32(1), b.proposed.Epoch)

	na.dispatch(<-ea.Bursts())
	a.onInbound(<-a.inbox, start)
	require.Equal(t, 16, a.Params().Parity)
	require.Equal(t, uint32(1), a.Params().Epoch)

	nb.dispatch(<-eb.Bursts())
	b.onInbound(<-b.inbox, start)
	require.Nil(t, b.proposed)
	require.True(t, a.Params().Same(b.Params()))
	require.Equal(t, b.Params().Epoch, a.Params().Epoch)
	require.Equal(t, 2, rec.Count(event.ParamsChanged))

	// a stale proposal for an older epoch is refused
	stale := shared.NewParameters(a.cur.Scheme, a.cur.Level, 32, a.cur.Rate)
	stale.Epoch = 1
	a.onPropose(stale, start)
	require.Equal(t, 16, a.Params().Parity)

	// a quiet channel walks parity back down
	for i := 0; i < cfg.AdaptWindow; i++ {
		a.observe(0, start)
	}
	require.NotNil(t, a.proposed)
	require.Equal(t, 8, a.proposed.Parity)
	require.Equal(t, uint32(2), a.proposed.Epoch)
}
