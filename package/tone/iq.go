package tone

import (
	"math"
	"math/cmplx"
)

// Gray-coded DQPSK: symbol value to quarter-turn phase step and back.
var dpskStep = [4]int{0, 1, 3, 2}

// Gray-coded 16-QAM axis levels indexed by the 2-bit value.
var qamAxis = [4]float64{-3, -1, 3, 1}

var qamScale = 1 / (3 * math.Sqrt2)

// qamReference is a constellation corner, unit magnitude.
var qamReference = complex(3*qamScale, 3*qamScale)

func qamPoint(s int) complex128 {
	return complex(qamAxis[s>>2]*qamScale, qamAxis[s&3]*qamScale)
}

func dpskPoints(symbols []int) []complex128 {
	points := make([]complex128, 0, len(symbols)+1)
	points = append(points, 1)
	phase := 0
	for _, s := range symbols {
		phase = (phase + dpskStep[s]) % 4
		points = append(points, cmplx.Rect(1, float64(phase)*math.Pi/2))
	}
	return points
}

func qamPoints(symbols []int) []complex128 {
	points := make([]complex128, 0, len(symbols)+1)
	points = append(points, qamReference)
	for _, s := range symbols {
		points = append(points, qamPoint(s))
	}
	return points
}

// modulateIQ puts each point on the carrier for one symbol window.
func (m *Modem) modulateIQ(points []complex128) []float64 {
	out := make([]float64, len(points)*m.Samples)
	w := 2 * math.Pi * m.Carrier / float64(m.SampleRate)
	for i, p := range points {
		base := i * m.Samples
		for n := 0; n < m.Samples; n++ {
			t := w * float64(base+n)
			out[base+n] = m.Amplitude * (real(p)*math.Cos(t) - imag(p)*math.Sin(t))
		}
	}
	return out
}

// fitIQ solves the least-squares fit x = a*cos + b*sin per window and
// returns the normalized complex amplitude of each window.
func (m *Modem) fitIQ(samples []float64, windows int) []complex128 {
	out := make([]complex128, windows)
	w := 2 * math.Pi * m.Carrier / float64(m.SampleRate)
	for k := 0; k < windows; k++ {
		var scc, sss, scs, sxc, sxs float64
		base := k * m.Samples
		for n := 0; n < m.Samples; n++ {
			t := w * float64(base+n)
			c, s := math.Cos(t), math.Sin(t)
			x := samples[base+n]
			scc += c * c
			sss += s * s
			scs += c * s
			sxc += x * c
			sxs += x * s
		}
		det := scc*sss - scs*scs
		if math.Abs(det) < 1e-12 {
			continue
		}
		a := (sxc*sss - sxs*scs) / det
		b := (sxs*scc - sxc*scs) / det
		out[k] = complex(a, -b) / complex(m.Amplitude, 0)
	}
	return out
}

func demodulateDPSK(z []complex128) ([]int, []float64) {
	if len(z) < 2 {
		return nil, nil
	}
	symbols := make([]int, len(z)-1)
	conf := make([]float64, len(z)-1)
	for k := 1; k < len(z); k++ {
		d := z[k] * cmplx.Conj(z[k-1])
		theta := cmplx.Phase(d)
		if theta < 0 {
			theta += 2 * math.Pi
		}
		r := math.Round(theta / (math.Pi / 2))
		symbols[k-1] = dpskStep[int(r)%4]
		if cmplx.Abs(z[k]) < 0.1 || cmplx.Abs(z[k-1]) < 0.1 {
			continue
		}
		miss := math.Abs(theta - r*math.Pi/2)
		// runner-up is a quarter turn minus the miss away
		conf[k-1] = separation(math.Pi/2-miss, miss)
	}
	return symbols, conf
}

func demodulateQAM(z []complex128) ([]int, []float64) {
	if len(z) < 2 {
		return nil, nil
	}
	symbols := make([]int, len(z)-1)
	conf := make([]float64, len(z)-1)
	h := z[0] / qamReference
	if cmplx.Abs(h) < 1e-3 {
		return symbols, conf
	}
	for k := 1; k < len(z); k++ {
		u := z[k] / h
		best, d1, d2 := 0, math.Inf(1), math.Inf(1)
		for s := 0; s < 16; s++ {
			d := cmplx.Abs(u - qamPoint(s))
			if d < d1 {
				d2 = d1
				d1, best = d, s
			} else if d < d2 {
				d2 = d
			}
		}
		symbols[k-1] = best
		conf[k-1] = separation(d2, d1)
	}
	return symbols, conf
}
