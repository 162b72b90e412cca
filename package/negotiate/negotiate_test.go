package negotiate

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"binaric/package/event"
	"binaric/package/shared"
)

func profile(s shared.SchemeSet, l shared.LevelSet, lo, hi int) shared.CapabilityProfile {
	return shared.CapabilityProfile{Schemes: s, Levels: l, MinRate: lo, MaxRate: hi}
}

func TestNegotiateScenario(t *testing.T) {
	a := profile(shared.Schemes(shared.FSK, shared.PSK), shared.Levels(shared.LevelCRC, shared.LevelECC), 300, 1200)
	b := profile(shared.Schemes(shared.PSK, shared.QAM), shared.Levels(shared.LevelECC), 600, 2400)
	p, err := Negotiate(a, b, 1)
	require.NoError(t, err)
	require.Equal(t, shared.PSK, p.Scheme)
	require.Equal(t, shared.LevelECC, p.Level)
	require.Equal(t, 1200, p.Rate)
	require.NoError(t, p.Validate())
}

func TestNegotiateTable(t *testing.T) {
	all := shared.DefaultProfile()
	tests := []struct {
		name    string
		a, b    shared.CapabilityProfile
		quality float64
		scheme  shared.Scheme
		level   shared.Level
		rate    int
		parity  int
	}{
		{"clean channel takes everything", all, all, 1, shared.QAM, shared.LevelNone, 2400, 0},
		{"rate scales with quality", all, all, 0.45, shared.FSK, shared.LevelECC, RateFor(300, 2400, 0.45), 32},
		{"qam needs 0.8, fsk wins the tie", all, all, 0.79, shared.FSK, shared.LevelCRC, RateFor(300, 2400, 0.79), 0},
		{"crc-only from 0.7", all, all, 0.92, shared.QAM, shared.LevelCRC, 2400, 0},
		{"poor channel falls back", all, all, 0.3, shared.FSK, shared.LevelECC, RateFor(300, 2400, 0.3), 32},
		{"fallback with no fsk", profile(shared.Schemes(shared.QAM, shared.PSK), shared.Levels(shared.LevelCRC), 300, 600), all, 0.1,
			shared.PSK, shared.LevelCRC, RateFor(300, 600, 0.1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Negotiate(tt.a, tt.b, tt.quality)
			require.NoError(t, err)
			require.Equal(t, tt.scheme, p.Scheme, p.String())
			require.Equal(t, tt.level, p.Level, p.String())
			require.Equal(t, tt.rate, p.Rate, p.String())
			require.Equal(t, tt.parity, p.Parity, p.String())
		})
	}
}

func TestNegotiateSymmetric(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	randomProfile := func() shared.CapabilityProfile {
		lo := 300 * (1 + r.Intn(4))
		return shared.CapabilityProfile{
			Schemes: shared.SchemeSet(1 + r.Intn(7)),
			Levels:  shared.LevelSet(1 + r.Intn(7)),
			MinRate: lo,
			MaxRate: lo + 300*r.Intn(6),
		}
	}
	for i := 0; i < 500; i++ {
		a, b := randomProfile(), randomProfile()
		q := r.Float64()
		pa, erra := Negotiate(a, b, q)
		pb, errb := Negotiate(b, a, q)
		require.Equal(t, erra == nil, errb == nil)
		require.Equal(t, pa, pb)
	}
}

func TestNegotiateEmpty(t *testing.T) {
	tests := []struct {
		name string
		a, b shared.CapabilityProfile
	}{
		{"schemes", profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelECC), 300, 600), profile(shared.Schemes(shared.QAM), shared.Levels(shared.LevelECC), 300, 600)},
		{"levels", profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelNone), 300, 600), profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelECC), 300, 600)},
		{"rates", profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelECC), 300, 600), profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelECC), 1200, 2400)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Negotiate(tt.a, tt.b, 1)
			require.ErrorIs(t, err, shared.ErrNegotiation)
			require.ErrorIs(t, err, shared.ErrEmptyIntersection)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	p := shared.NewParameters(shared.FSK, shared.LevelNone, 0, 300)
	p.Epoch = 4
	msgs := []Message{
		{Kind: Hello, Nonce: 0x1122334455667788, Profile: shared.DefaultProfile()},
		{Kind: Caps, Nonce: 3, Peer: 9, Profile: profile(shared.Schemes(shared.PSK), shared.Levels(shared.LevelECC), 600, 2400), Quality: 0.875},
		{Kind: Confirm, Nonce: 3, Peer: 9, SessionID: 0xcafe, Params: shared.NewParameters(shared.PSK, shared.LevelECC, 16, 1200), Quality: 0.5},
		{Kind: Propose, Nonce: 3, SessionID: 1, Params: p, NextSeq: 77},
		{Kind: Abort, Nonce: 3, Code: AbortCollision, Reason: "collision"},
		{Kind: Terminate, Nonce: 1},
	}
	for _, m := range msgs {
		got, err := Unmarshal(m.Marshal())
		require.NoError(t, err, m.String())
		require.Equal(t, m, got)
	}
	_, err := Unmarshal([]byte{0xff})
	require.Error(t, err)
	_, err = Unmarshal(nil)
	require.Error(t, err)
}

// exchange delivers messages between machines until both go quiet,
// simulating the preamble that precedes every burst.
func exchange(t *testing.T, now time.Time, out []Message, from *Machine, to *Machine, quality float64) {
	t.Helper()
	for len(out) > 0 {
		var next []Message
		for _, m := range out {
			to.OnPreamble(quality, now)
			reply, _ := to.OnMessage(m, now)
			next = append(next, reply...)
		}
		out = next
		from, to = to, from
	}
}

func TestHandshake(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := &event.Recorder{}
	a := NewMachine(Config{Profile: profile(shared.Schemes(shared.FSK, shared.PSK), shared.Levels(shared.LevelCRC, shared.LevelECC), 300, 1200), Rand: rand.New(rand.NewSource(1)), Observer: rec})
	b := NewMachine(Config{Profile: profile(shared.Schemes(shared.PSK, shared.QAM), shared.Levels(shared.LevelECC), 600, 2400), Rand: rand.New(rand.NewSource(2))})
	b.Listen(true)

	hello, err := a.Start(now)
	require.NoError(t, err)
	require.Equal(t, PreambleSent, a.State())
	exchange(t, now, hello, a, b, 0.95)

	require.Equal(t, Confirmed, a.State())
	require.Equal(t, Confirmed, b.State())
	require.Equal(t, a.SessionID(), b.SessionID())
	require.NotZero(t, a.SessionID())
	require.Equal(t, a.Params(), b.Params())
	require.Equal(t, shared.PSK, a.Params().Scheme)
	require.Equal(t, 1200, a.Params().Rate)
	require.Equal(t, Initiator, a.Role())
	require.Equal(t, Responder, b.Role())

	require.NoError(t, a.Activate(now))
	require.Equal(t, Active, a.State())

	var path []string
	for _, e := range rec.Events() {
		if e.Kind == event.StateChange {
			path = append(path, e.To)
		}
	}
	require.Equal(t, []string{"PreambleSent", "AwaitingCapability", "Negotiating", "Confirmed", "Active"}, path)
}

func TestHandshakeSameResultEitherDirection(t *testing.T) {
	pa := profile(shared.Schemes(shared.FSK, shared.PSK, shared.QAM), shared.Levels(shared.LevelCRC, shared.LevelECC), 300, 2400)
	pb := profile(shared.Schemes(shared.PSK, shared.QAM), shared.Levels(shared.LevelNone, shared.LevelECC), 600, 1800)
	run := func(init, resp shared.CapabilityProfile) shared.Parameters {
		now := time.Unix(0, 0)
		a := NewMachine(Config{Profile: init})
		b := NewMachine(Config{Profile: resp})
		b.Listen(true)
		hello, _ := a.Start(now)
		exchange(t, now, hello, a, b, 0.85)
		require.Equal(t, Confirmed, a.State())
		return a.Params()
	}
	require.Equal(t, run(pa, pb), run(pb, pa))
}

func TestHandshakeEmptyIntersection(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: profile(shared.Schemes(shared.FSK), shared.Levels(shared.LevelECC), 300, 600)})
	b := NewMachine(Config{Profile: profile(shared.Schemes(shared.QAM), shared.Levels(shared.LevelECC), 300, 600)})
	b.Listen(true)
	hello, _ := a.Start(now)
	exchange(t, now, hello, a, b, 1)
	require.Equal(t, Failed, a.State())
	require.Equal(t, Failed, b.State())
	require.ErrorIs(t, a.Err(), shared.ErrNegotiation)
	require.ErrorIs(t, b.Err(), shared.ErrEmptyIntersection)
}

func TestCollision(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile()})
	b := NewMachine(Config{Profile: shared.DefaultProfile()})
	ha, _ := a.Start(now)
	hb, _ := b.Start(now)

	out, err := a.OnMessage(hb[0], now)
	require.ErrorIs(t, err, shared.ErrSession)
	require.ErrorIs(t, err, shared.ErrCollision)
	require.Len(t, out, 1)
	require.Equal(t, Abort, out[0].Kind)
	_, err = b.OnMessage(ha[0], now)
	require.True(t, errors.Is(err, shared.ErrCollision))

	// retry from Idle
	a.Reset()
	require.Equal(t, Idle, a.State())
	_, err = a.Start(now)
	require.NoError(t, err)
}

func TestOverlappingPreambles(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile()})
	out, err := a.OnCollision(now)
	require.NoError(t, err)
	require.Empty(t, out, "idle machine has nothing to abort")

	_, err = a.Start(now)
	require.NoError(t, err)
	out, err = a.OnCollision(now)
	require.ErrorIs(t, err, shared.ErrCollision)
	require.Equal(t, Failed, a.State())
	require.Len(t, out, 1)
	require.Equal(t, Abort, out[0].Kind)
	require.Equal(t, AbortCollision, out[0].Code)
}

func TestSessionIDInUse(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile(), Rand: rand.New(rand.NewSource(5))})
	b := NewMachine(Config{Profile: shared.DefaultProfile(), InUse: func(uint32) bool { return true }})
	b.Listen(true)
	hello, _ := a.Start(now)
	exchange(t, now, hello, a, b, 1)
	require.ErrorIs(t, b.Err(), shared.ErrCollision)
	require.ErrorIs(t, a.Err(), shared.ErrCollision)
}

func TestSelfEchoIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile()})
	a.Listen(true)
	hello, _ := a.Start(now)
	out, err := a.OnMessage(hello[0], now)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, PreambleSent, a.State())
}

func TestTimeouts(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile(), StateTimeout: time.Second, MaxConfirm: 2})
	b := NewMachine(Config{Profile: shared.DefaultProfile()})
	b.Listen(true)
	hello, _ := a.Start(now)

	out, err := a.Tick(now.Add(500 * time.Millisecond))
	require.NoError(t, err)
	require.Empty(t, out)

	caps, _ := b.OnMessage(hello[0], now)
	confirm, _ := a.OnMessage(caps[0], now)
	require.Len(t, confirm, 1)
	require.Equal(t, Negotiating, a.State())

	// ECHO never arrives: one retransmission, then failure
	out, err = a.Tick(now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, confirm, out)
	out, err = a.Tick(now.Add(2 * time.Second))
	require.ErrorIs(t, err, shared.ErrStateTimeout)
	require.Equal(t, Failed, a.State())
	// the responder may be active already, so the abort names the session
	require.Len(t, out, 1)
	require.Equal(t, Abort, out[0].Kind)
	require.Equal(t, AbortTimeout, out[0].Code)
	require.Equal(t, confirm[0].SessionID, out[0].SessionID)
	require.Equal(t, b.Nonce(), out[0].Peer)
	require.ErrorIs(t, out[0].Code.Err(out[0].Reason), shared.ErrStateTimeout)

	// a lost ECHO is repeated when CONFIRM comes again
	echo, err := b.OnMessage(confirm[0], now)
	require.NoError(t, err)
	again, _ := b.OnMessage(confirm[0], now)
	require.Equal(t, echo, again)
}

func TestConfirmMismatch(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewMachine(Config{Profile: shared.DefaultProfile()})
	b := NewMachine(Config{Profile: shared.DefaultProfile()})
	b.Listen(true)
	b.OnPreamble(0.6, now)
	hello, _ := a.Start(now)
	caps, _ := b.OnMessage(hello[0], now)
	a.OnPreamble(1, now)
	confirm, _ := a.OnMessage(caps[0], now)
	forged := confirm[0]
	forged.Params = shared.NewParameters(shared.QAM, shared.LevelNone, 0, 2400)
	out, err := b.OnMessage(forged, now)
	require.ErrorIs(t, err, shared.ErrConfirmMismatch)
	require.Equal(t, Abort, out[0].Kind)

	_, err = a.OnMessage(out[0], now)
	require.ErrorIs(t, err, shared.ErrConfirmMismatch)
}

func TestRenegotiate(t *testing.T) {
	all := shared.DefaultProfile()
	cur := shared.NewParameters(shared.PSK, shared.LevelECC, 16, 1200)
	next := shared.NewParameters(shared.PSK, shared.LevelECC, 32, 1200)
	next.Epoch = 1
	require.NoError(t, Renegotiate(all, all, cur, next))
	next.Epoch = 3
	require.ErrorIs(t, Renegotiate(all, all, cur, next), shared.ErrConfirmMismatch)
	next.Epoch = 1
	narrow := profile(shared.Schemes(shared.PSK), shared.Levels(shared.LevelCRC), 300, 2400)
	require.Error(t, Renegotiate(all, narrow, cur, next))
}

func TestRateFor(t *testing.T) {
	require.Equal(t, 2400, RateFor(300, 2400, GoodQuality))
	require.Equal(t, 300, RateFor(300, 2400, 0))
	require.Equal(t, 300, RateFor(300, 2400, -1))
	r := RateFor(300, 2400, 0.45)
	require.InDelta(t, 1350, r, 1)
}
