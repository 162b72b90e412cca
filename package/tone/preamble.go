package tone

import (
	"math"

	"binaric/package/shared"
)

// GenerateChirpPreamble builds an up/down chirp: the frequency rises linearly
// from fstart to fend over the first half and falls back over the second.
func GenerateChirpPreamble(fstart, fend float64, fs, length int) []float64 {
	preamble := make([]float64, length)
	if length == 0 {
		return preamble
	}
	half := length / 2
	dt := 1.0 / float64(fs)
	// frequency profile
	fp := make([]float64, length)
	for i := 0; i < half; i++ {
		f := fstart + (fend-fstart)*float64(i)/float64(half)
		fp[i] = f
		fp[length-1-i] = f
	}
	if length%2 == 1 {
		fp[half] = fend
	}
	// cumulative phase, trapezoidal rule
	omega := 0.0
	for i := range preamble {
		if i > 0 {
			omega += 0.5 * (fp[i] + fp[i-1]) * 2 * math.Pi * dt
		}
		preamble[i] = shared.AMPLITUDE * math.Sin(omega)
	}
	return preamble
}

// Preamble is the fixed scheme-independent preamble every burst starts with.
func Preamble() []float64 {
	return GenerateChirpPreamble(shared.ChirpStartFreq, shared.ChirpEndFreq, shared.FS, shared.PreambleLength)
}
