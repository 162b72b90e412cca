package shared

import "time"

// Host constants. These do not change with negotiation.
const (
	BufferSize     = 1024  // samples per audio buffer
	FS             = 48000 // Sample Frequency
	ChirpStartFreq = 2000
	ChirpEndFreq   = 10000
	PreambleLength = 480  // Length of preamble signal in samples
	FC             = 2400 // Carrier frequency for PSK and QAM
	SYNC_PARA      = 0.55 // normalized correlation needed to report a preamble
	SYNC_HOLDOFF   = 24   // samples to wait after a correlation peak before committing
	POWER_SIGNAL   = 0.04 // >powersignal means signal
	AMPLITUDE      = 0.8
	GUARD_SAMPLES  = 240 // silence appended after every burst

	// ErasureThreshold is the symbol confidence below which the symbol is an erasure.
	ErasureThreshold = 0.2
)

// Base channel used for negotiation and for burst descriptors. Every device
// understands it without prior agreement.
const (
	BaseScheme = FSK
	BaseRate   = 300
	BaseParity = 16
)

// Defaults for a session once it is active.
const (
	DefaultMaxFrameSize      = 200 // raw payload bytes per DATA frame
	DefaultWindowSize        = 8   // sliding window size
	DefaultMaxRetries        = 8   // Max resend times before link error
	DefaultAckTimeout        = 800 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultStateTimeout      = 3 * time.Second
)
