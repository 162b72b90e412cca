package negotiate

import (
	"binaric/package/shared"
)

// GoodQuality is the channel quality at which the top of the shared rate
// range is used. Below it the rate scales down linearly.
const GoodQuality = 0.9

// ParityFor maps channel quality to Reed-Solomon check symbols per block.
func ParityFor(quality float64) int {
	switch {
	case quality >= 0.8:
		return 8
	case quality >= 0.5:
		return 16
	}
	return 32
}

// RateFor picks a symbol rate inside [lo, hi].
func RateFor(lo, hi int, quality float64) int {
	if quality >= GoodQuality {
		return hi
	}
	if quality < 0 {
		quality = 0
	}
	return lo + int(float64(hi-lo)*quality/GoodQuality)
}

// Negotiate computes the session parameters two profiles agree on for a
// channel of the given quality. It only depends on the intersection of the
// profiles, so both sides reach the same answer whichever one initiates.
func Negotiate(a, b shared.CapabilityProfile, quality float64) (shared.Parameters, error) {
	schemes := a.Schemes.Intersect(b.Schemes)
	if schemes.Empty() {
		return shared.Parameters{}, shared.NegotiationError(shared.ErrEmptyIntersection, "schemes %s and %s", a.Schemes, b.Schemes)
	}
	levels := a.Levels.Intersect(b.Levels)
	if levels.Empty() {
		return shared.Parameters{}, shared.NegotiationError(shared.ErrEmptyIntersection, "levels %s and %s", a.Levels, b.Levels)
	}
	lo, hi := max(a.MinRate, b.MinRate), min(a.MaxRate, b.MaxRate)
	if lo > hi || hi <= 0 {
		return shared.Parameters{}, shared.NegotiationError(shared.ErrEmptyIntersection, "rates [%d,%d] and [%d,%d]", a.MinRate, a.MaxRate, b.MinRate, b.MaxRate)
	}
	rate := RateFor(lo, hi, quality)
	parity := ParityFor(quality)

	var best shared.Parameters
	found := false
	for _, s := range schemes.List() {
		if quality < s.MinQuality() {
			continue
		}
		for _, l := range levels.List() {
			if quality < l.MinQuality() {
				continue
			}
			p := shared.NewParameters(s, l, parity, rate)
			if !found || better(p, best) {
				best, found = p, true
			}
		}
	}
	if found {
		return best, nil
	}
	// nothing qualifies: fall back to the most robust combination on offer
	ss, ls := schemes.List(), levels.List()
	s := ss[0]
	for _, c := range ss[1:] {
		if c.MinQuality() < s.MinQuality() {
			s = c
		}
	}
	return shared.NewParameters(s, ls[len(ls)-1], parity, rate), nil
}

// better ranks by effective bit rate, then lower error-control overhead,
// then scheme order.
func better(p, q shared.Parameters) bool {
	if p.BitRate() != q.BitRate() {
		return p.BitRate() > q.BitRate()
	}
	if p.Level.Overhead() != q.Level.Overhead() {
		return p.Level.Overhead() < q.Level.Overhead()
	}
	return p.Scheme < q.Scheme
}
