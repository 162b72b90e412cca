package tone

import "math"

func (m *Modem) modulateFSK(symbols []int) []float64 {
	out := make([]float64, len(symbols)*m.Samples)
	fs := float64(m.SampleRate)
	for i, s := range symbols {
		f := m.Tones[s]
		base := i * m.Samples
		for n := 0; n < m.Samples; n++ {
			out[base+n] = m.Amplitude * math.Sin(2*math.Pi*f*float64(base+n)/fs)
		}
	}
	return out
}

func (m *Modem) demodulateFSK(samples []float64, windows int) ([]int, []float64) {
	symbols := make([]int, windows)
	conf := make([]float64, windows)
	energy := make([]float64, len(m.Tones))
	for w := 0; w < windows; w++ {
		win := samples[w*m.Samples : (w+1)*m.Samples]
		for k, f := range m.Tones {
			energy[k] = Goertzel(win, f, m.SampleRate)
		}
		best, next := 0, -1
		for k := 1; k < len(energy); k++ {
			if energy[k] > energy[best] {
				next, best = best, k
			} else if next < 0 || energy[k] > energy[next] {
				next = k
			}
		}
		symbols[w] = best
		if next < 0 {
			conf[w] = 1
			continue
		}
		conf[w] = separation(energy[best], energy[next])
	}
	return symbols, conf
}

// Goertzel returns the signal power at frequency f over the window.
func Goertzel(win []float64, f float64, fs int) float64 {
	coeff := 2 * math.Cos(2*math.Pi*f/float64(fs))
	var s1, s2 float64
	for _, x := range win {
		s := x + coeff*s1 - s2
		s2, s1 = s1, s
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}
