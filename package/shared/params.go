package shared

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Scheme is the modulation scheme. It is a closed set.
type Scheme uint8

const (
	FSK Scheme = iota
	PSK
	QAM
	numSchemes
)

var schemeNames = [...]string{"FSK", "PSK", "QAM"}

func (s Scheme) String() string {
	if s < numSchemes {
		return schemeNames[s]
	}
	return fmt.Sprintf("Scheme(%d)", uint8(s))
}

func (s Scheme) Valid() bool { return s < numSchemes }

// BitsPerSymbol is fixed per scheme: 4-tone FSK, DQPSK, 16-QAM.
func (s Scheme) BitsPerSymbol() int {
	switch s {
	case FSK:
		return 2
	case PSK:
		return 2
	case QAM:
		return 4
	}
	return 0
}

// MinQuality is the channel quality a scheme needs before negotiation picks it.
func (s Scheme) MinQuality() float64 {
	switch s {
	case PSK:
		return 0.5
	case QAM:
		return 0.8
	}
	return 0
}

// ParseScheme accepts the names used in config files.
func ParseScheme(raw string) (Scheme, error) {
	for i, name := range schemeNames {
		if strings.EqualFold(strings.TrimSpace(raw), name) {
			return Scheme(i), nil
		}
	}
	return 0, fmt.Errorf("unknown modulation scheme %q", raw)
}

// Level is the error-control level.
type Level uint8

const (
	LevelNone Level = iota
	LevelCRC
	LevelECC
	numLevels
)

var levelNames = [...]string{"none", "crc", "crc+ecc"}

func (l Level) String() string {
	if l < numLevels {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

func (l Level) Valid() bool { return l < numLevels }

// Overhead orders levels for tie-breaking; lower is cheaper.
func (l Level) Overhead() int { return int(l) }

// MinQuality is the channel quality needed before negotiation drops to this level.
func (l Level) MinQuality() float64 {
	switch l {
	case LevelNone:
		return 0.95
	case LevelCRC:
		return 0.7
	}
	return 0
}

func ParseLevel(raw string) (Level, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "none":
		return LevelNone, nil
	case "crc", "crc-only":
		return LevelCRC, nil
	case "crc+ecc", "ecc", "crc+blockecc":
		return LevelECC, nil
	}
	return 0, fmt.Errorf("unknown error-control level %q", raw)
}

// SchemeSet is a set of schemes.
type SchemeSet uint8

func Schemes(s ...Scheme) SchemeSet {
	var set SchemeSet
	for _, v := range s {
		set |= 1 << v
	}
	return set
}

func (set SchemeSet) Has(s Scheme) bool { return s.Valid() && set&(1<<s) != 0 }

func (set SchemeSet) Intersect(o SchemeSet) SchemeSet { return set & o }

func (set SchemeSet) Empty() bool { return set&(1<<numSchemes-1) == 0 }

// List returns members in enum order.
func (set SchemeSet) List() []Scheme {
	var out []Scheme
	for s := Scheme(0); s < numSchemes; s++ {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (set SchemeSet) String() string {
	parts := make([]string, 0, numSchemes)
	for _, s := range set.List() {
		parts = append(parts, s.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// LevelSet is a set of error-control levels.
type LevelSet uint8

func Levels(l ...Level) LevelSet {
	var set LevelSet
	for _, v := range l {
		set |= 1 << v
	}
	return set
}

func (set LevelSet) Has(l Level) bool { return l.Valid() && set&(1<<l) != 0 }

func (set LevelSet) Intersect(o LevelSet) LevelSet { return set & o }

func (set LevelSet) Empty() bool { return set&(1<<numLevels-1) == 0 }

func (set LevelSet) List() []Level {
	var out []Level
	for l := Level(0); l < numLevels; l++ {
		if set.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

func (set LevelSet) String() string {
	parts := make([]string, 0, numLevels)
	for _, l := range set.List() {
		parts = append(parts, l.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// CapabilityProfile is what a device advertises during the handshake.
type CapabilityProfile struct {
	Schemes SchemeSet
	Levels  LevelSet
	MinRate int // symbols/sec
	MaxRate int // symbols/sec
}

func (p CapabilityProfile) Validate() error {
	if p.Schemes.Empty() {
		return fmt.Errorf("capability profile: no modulation schemes")
	}
	if p.Levels.Empty() {
		return fmt.Errorf("capability profile: no error-control levels")
	}
	if p.MinRate <= 0 || p.MaxRate < p.MinRate {
		return fmt.Errorf("capability profile: invalid rate range [%d,%d]", p.MinRate, p.MaxRate)
	}
	if p.MaxRate > FS/4 {
		return fmt.Errorf("capability profile: rate %d exceeds %d", p.MaxRate, FS/4)
	}
	return nil
}

func (p CapabilityProfile) String() string {
	return fmt.Sprintf("%s x %s [%d,%d]", p.Schemes, p.Levels, p.MinRate, p.MaxRate)
}

// DefaultProfile supports everything the engine implements.
func DefaultProfile() CapabilityProfile {
	return CapabilityProfile{
		Schemes: Schemes(FSK, PSK, QAM),
		Levels:  Levels(LevelNone, LevelCRC, LevelECC),
		MinRate: 300,
		MaxRate: 2400,
	}
}

// Parameters is the agreed SessionParameters snapshot. Values are never
// mutated; a change produces a new value with a higher Epoch.
type Parameters struct {
	Scheme         Scheme
	Level          Level
	Parity         int // Reed-Solomon check symbols per block, 0 unless Level is LevelECC
	Rate           int // symbols/sec
	SymbolDuration time.Duration
	Epoch          uint32
}

// NewParameters fills SymbolDuration from the rate.
func NewParameters(s Scheme, l Level, parity, rate int) Parameters {
	if l != LevelECC {
		parity = 0
	}
	return Parameters{
		Scheme:         s,
		Level:          l,
		Parity:         parity,
		Rate:           rate,
		SymbolDuration: SymbolDuration(rate),
	}
}

// BaseParameters describe the fixed negotiation channel.
func BaseParameters() Parameters {
	return NewParameters(BaseScheme, LevelECC, BaseParity, BaseRate)
}

// SymbolDuration rounds to a whole number of samples at FS.
func SymbolDuration(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	sps := int(math.Round(float64(FS) / float64(rate)))
	return time.Duration(sps) * time.Second / FS
}

// SamplesPerSymbol is the window length for one symbol.
func (p Parameters) SamplesPerSymbol() int {
	return SamplesPerSymbol(FS, p.SymbolDuration)
}

func SamplesPerSymbol(sampleRate int, d time.Duration) int {
	return int(math.Round(float64(sampleRate) * d.Seconds()))
}

// CodeRate is data symbols over transmitted symbols for one full block.
func (p Parameters) CodeRate() float64 {
	if p.Level != LevelECC || p.Parity == 0 {
		return 1
	}
	return float64(255-p.Parity) / 255
}

// BitRate is the effective payload bit rate used to rank candidates.
func (p Parameters) BitRate() float64 {
	return float64(p.Rate) * float64(p.Scheme.BitsPerSymbol()) * p.CodeRate()
}

func (p Parameters) Validate() error {
	if !p.Scheme.Valid() {
		return fmt.Errorf("parameters: invalid scheme %d", p.Scheme)
	}
	if !p.Level.Valid() {
		return fmt.Errorf("parameters: invalid level %d", p.Level)
	}
	if p.Level == LevelECC && (p.Parity < 2 || p.Parity%2 != 0 || p.Parity > 64) {
		return fmt.Errorf("parameters: invalid parity %d", p.Parity)
	}
	if p.Rate <= 0 || p.Rate > FS/4 {
		return fmt.Errorf("parameters: invalid rate %d", p.Rate)
	}
	return nil
}

// Same compares the negotiated fields, ignoring Epoch.
func (p Parameters) Same(o Parameters) bool {
	return p.Scheme == o.Scheme && p.Level == o.Level && p.Parity == o.Parity && p.Rate == o.Rate
}

func (p Parameters) String() string {
	return fmt.Sprintf("%s/%s/p%d/%dBd#%d", p.Scheme, p.Level, p.Parity, p.Rate, p.Epoch)
}
