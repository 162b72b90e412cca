package tone

import (
	"fmt"
	"math"
	"sort"
	"time"

	"binaric/package/shared"
)

// Modem turns bits into samples and back for one set of parameters.
// Samples are indexed from the first sample of the modulated body, so the
// carrier phase seen by Demodulate matches Modulate as long as the caller
// aligns the body start.
type Modem struct {
	Scheme     shared.Scheme
	SampleRate int
	Samples    int       // samples per symbol
	Tones      []float64 // FSK tone table
	Carrier    float64   // PSK/QAM carrier
	Amplitude  float64
}

// New builds a modem with the default tone table and carrier.
func New(p shared.Parameters) (*Modem, error) {
	if !p.Scheme.Valid() {
		return nil, fmt.Errorf("tone: invalid scheme %d", p.Scheme)
	}
	sps := p.SamplesPerSymbol()
	if sps < 4 {
		return nil, fmt.Errorf("tone: %d samples per symbol is too short", sps)
	}
	m := &Modem{
		Scheme:     p.Scheme,
		SampleRate: shared.FS,
		Samples:    sps,
		Carrier:    shared.FC,
		Amplitude:  shared.AMPLITUDE,
	}
	if p.Scheme == shared.FSK {
		m.Tones = DefaultTones(shared.FS, sps, p.Scheme.BitsPerSymbol())
	}
	return m, nil
}

// DefaultTones places 2^bits tones on consecutive integer multiples of the
// window frequency so every symbol window holds whole cycles of each tone.
// The lowest tone sits at or above 1 kHz.
func DefaultTones(fs, sps, bits int) []float64 {
	bin := float64(fs) / float64(sps)
	m0 := int(math.Ceil(1000 / bin))
	tones := make([]float64, 1<<bits)
	for i := range tones {
		tones[i] = float64(m0+i) * bin
	}
	return tones
}

// BitsPerSymbol is a convenience over Scheme.BitsPerSymbol.
func BitsPerSymbol(s shared.Scheme) int { return s.BitsPerSymbol() }

// SamplesPerSymbol is fixed by the sample rate and the symbol duration.
func SamplesPerSymbol(sampleRate int, d time.Duration) int {
	return shared.SamplesPerSymbol(sampleRate, d)
}

// reference reports whether the scheme opens a burst with a reference symbol.
func (m *Modem) reference() int {
	if m.Scheme == shared.FSK {
		return 0
	}
	return 1
}

// SymbolCount is the number of symbol windows needed for nbits, reference included.
func (m *Modem) SymbolCount(nbits int) int {
	bps := m.Scheme.BitsPerSymbol()
	return (nbits+bps-1)/bps + m.reference()
}

// SampleCount is the number of samples Modulate produces for nbits.
func (m *Modem) SampleCount(nbits int) int {
	return m.SymbolCount(nbits) * m.Samples
}

// Modulate pads bits with zeros to a whole symbol.
func (m *Modem) Modulate(bits []byte) []float64 {
	bps := m.Scheme.BitsPerSymbol()
	nsym := (len(bits) + bps - 1) / bps
	symbols := make([]int, nsym)
	for i := range symbols {
		v := 0
		for j := 0; j < bps; j++ {
			v <<= 1
			if k := i*bps + j; k < len(bits) {
				v |= int(bits[k] & 1)
			}
		}
		symbols[i] = v
	}
	switch m.Scheme {
	case shared.FSK:
		return m.modulateFSK(symbols)
	case shared.PSK:
		return m.modulateIQ(dpskPoints(symbols))
	default:
		return m.modulateIQ(qamPoints(symbols))
	}
}

// Demodulate decodes every whole symbol window in samples. It returns the
// bits and one confidence value per symbol (reference excluded).
func (m *Modem) Demodulate(samples []float64) ([]byte, []float64, error) {
	windows := len(samples) / m.Samples
	if windows < m.reference() {
		return nil, nil, shared.SignalError(shared.ErrLowConfidence, "%d samples hold no reference symbol", len(samples))
	}
	var symbols []int
	var conf []float64
	switch m.Scheme {
	case shared.FSK:
		symbols, conf = m.demodulateFSK(samples, windows)
	case shared.PSK:
		symbols, conf = demodulateDPSK(m.fitIQ(samples, windows))
	default:
		symbols, conf = demodulateQAM(m.fitIQ(samples, windows))
	}
	bps := m.Scheme.BitsPerSymbol()
	bits := make([]byte, 0, len(symbols)*bps)
	for _, s := range symbols {
		bits = append(bits, shared.IntToBits(s, bps)...)
	}
	return bits, conf, nil
}

// Modulate is the stateless form of Modem.Modulate.
func Modulate(bits []byte, p shared.Parameters) ([]float64, error) {
	m, err := New(p)
	if err != nil {
		return nil, err
	}
	return m.Modulate(bits), nil
}

// Demodulate is the stateless form of Modem.Demodulate.
func Demodulate(samples []float64, p shared.Parameters) ([]byte, []float64, error) {
	m, err := New(p)
	if err != nil {
		return nil, nil, err
	}
	return m.Demodulate(samples)
}

// ErasedBytes maps low-confidence symbols to the byte positions they touch.
// Bits are packed MSB first from the first data symbol.
func ErasedBytes(conf []float64, bitsPerSymbol int, threshold float64) []int {
	seen := make(map[int]bool)
	for i, c := range conf {
		if c >= threshold {
			continue
		}
		first := i * bitsPerSymbol / 8
		last := ((i+1)*bitsPerSymbol - 1) / 8
		for b := first; b <= last; b++ {
			seen[b] = true
		}
	}
	out := make([]int, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// MeanConfidence averages symbol confidence; 0 for no symbols.
func MeanConfidence(conf []float64) float64 {
	if len(conf) == 0 {
		return 0
	}
	var sum float64
	for _, c := range conf {
		sum += c
	}
	return sum / float64(len(conf))
}

func separation(best, next float64) float64 {
	if best+next <= 1e-12 {
		return 0
	}
	c := (best - next) / (best + next)
	return math.Max(0, math.Min(1, c))
}
