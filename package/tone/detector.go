package tone

import "math"

// Detection marks the last sample of a matched preamble.
type Detection struct {
	At         int64   // index of the last preamble sample in the stream
	Confidence float64 // normalized correlation peak in [0,1]
}

// Detector finds the preamble in a continuous stream with a sliding-window
// normalized correlation. It reports the local maximum above Threshold once
// Holdoff samples have passed without a higher peak.
type Detector struct {
	Threshold float64
	Holdoff   int

	preamble []float64
	pnorm    float64
	window   []float64
	pos      int
	filled   int
	energy   float64
	n        int64

	best   float64
	bestAt int64
}

func NewDetector(preamble []float64, threshold float64, holdoff int) *Detector {
	var e float64
	for _, v := range preamble {
		e += v * v
	}
	return &Detector{
		Threshold: threshold,
		Holdoff:   holdoff,
		preamble:  preamble,
		pnorm:     math.Sqrt(e),
		window:    make([]float64, len(preamble)),
	}
}

// Correlation returns the normalized correlation of the current window.
func (d *Detector) Correlation() float64 {
	if d.filled < len(d.window) || d.energy <= 1e-12 || d.pnorm == 0 {
		return 0
	}
	L := len(d.window)
	var dot float64
	for k := 0; k < L; k++ {
		dot += d.window[(d.pos+k)%L] * d.preamble[k]
	}
	return dot / (math.Sqrt(d.energy) * d.pnorm)
}

// Push feeds one sample and reports a detection when one is committed.
func (d *Detector) Push(x float64) (Detection, bool) {
	L := len(d.window)
	old := d.window[d.pos]
	d.window[d.pos] = x
	d.pos = (d.pos + 1) % L
	if d.filled < L {
		d.filled++
	}
	d.energy += x*x - old*old
	if d.energy < 0 {
		d.energy = 0
	}
	idx := d.n
	d.n++
	// refresh the running sum once per window to bound drift
	if idx%int64(L) == 0 {
		d.energy = 0
		for _, v := range d.window {
			d.energy += v * v
		}
	}

	c := d.Correlation()
	if c > d.Threshold && c > d.best {
		d.best = c
		d.bestAt = idx
		return Detection{}, false
	}
	if d.best > 0 && idx-d.bestAt >= int64(d.Holdoff) {
		det := Detection{At: d.bestAt, Confidence: math.Min(d.best, 1)}
		d.best = 0
		return det, true
	}
	return Detection{}, false
}

// Reset forgets the window and any pending peak but keeps the sample count.
func (d *Detector) Reset() {
	for i := range d.window {
		d.window[i] = 0
	}
	d.filled = 0
	d.energy = 0
	d.best = 0
}

// Samples is the number of samples pushed so far.
func (d *Detector) Samples() int64 { return d.n }
