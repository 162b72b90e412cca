package frame

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/gopacket"

	"binaric/package/fec"
	"binaric/package/shared"
)

// Footer sits at the tail of the raw body as [end:1][signature:n][n:1].
type Footer struct {
	End       bool
	Signature []byte
}

func (f Footer) bytes() []byte {
	out := make([]byte, 0, len(f.Signature)+2)
	if f.End {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, f.Signature...)
	return append(out, byte(len(f.Signature)))
}

// Frame is the logical unit exchanged between peers.
type Frame struct {
	SessionID uint32
	Seq       uint32
	Type      Type
	Flags     Flags
	Payload   []byte
	Footer    *Footer
	CRC       uint32
}

// NewFrame builds a frame without a CRC; the CRC covers the encoded length,
// so only a Codec can attach it.
func NewFrame(payload []byte, seq, sessionID uint32, typ Type) Frame {
	return Frame{SessionID: sessionID, Seq: seq, Type: typ, Payload: payload}
}

// EOS reports whether the frame closes a transfer.
func (f Frame) EOS() bool { return f.Footer != nil && f.Footer.End }

// raw is the body before redundancy: payload then footer.
func (f Frame) raw() []byte {
	out := append([]byte(nil), f.Payload...)
	if f.Footer != nil {
		out = append(out, f.Footer.bytes()...)
	}
	return out
}

func (f Frame) flags() Flags {
	fl := f.Flags &^ FlagFooter
	if f.Footer != nil {
		fl |= FlagFooter
	}
	return fl
}

func (f Frame) String() string {
	s := fmt.Sprintf("%s sid=%08x seq=%d len=%d", f.Type, f.SessionID, f.Seq, len(f.Payload))
	if f.EOS() {
		s += " eos"
	}
	return s
}

// Equal compares everything that travels on the wire.
func (f Frame) Equal(o Frame) bool {
	return f.SessionID == o.SessionID && f.Seq == o.Seq && f.Type == o.Type &&
		f.flags() == o.flags() && string(f.raw()) == string(o.raw())
}

// Signature is the end-of-stream signature over a whole transfer.
func Signature(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// Codec frames and parses at one parameter set.
type Codec struct {
	Params shared.Parameters
	fec    fec.Codec
}

func NewCodec(p shared.Parameters) (*Codec, error) {
	c, err := fec.NewCodec(p)
	if err != nil {
		return nil, err
	}
	return &Codec{Params: p, fec: c}, nil
}

// Frame builds a frame with its CRC attached for the codec's parameters.
func (c *Codec) Frame(payload []byte, seq, sessionID uint32, typ Type) Frame {
	f := NewFrame(payload, seq, sessionID, typ)
	f.CRC = c.header(f).CRC
	return f
}

// header fills the wire header for f, CRC included.
func (c *Codec) header(f Frame) *Wire {
	raw := f.raw()
	w := &Wire{
		SessionID: f.SessionID,
		Seq:       f.Seq,
		Type:      f.Type,
		Flags:     f.flags(),
		Length:    uint16(c.fec.EncodedLen(len(raw))),
	}
	w.CRC = fec.ComputeCRCParts(w.crcPrefix(), raw)
	return w
}

// EncodedLen is the wire length of a frame carrying n raw body bytes.
func (c *Codec) EncodedLen(n int) int {
	return HeaderLen + c.fec.EncodedLen(n)
}

// Encode serializes f: header, then the body with redundancy appended.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	raw := f.raw()
	if n := c.fec.EncodedLen(len(raw)); n > 0xffff {
		return nil, fmt.Errorf("frame: body of %d bytes too large", n)
	}
	w := c.header(f)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, w, gopacket.Payload(c.fec.Encode(raw))); err != nil {
		return nil, fmt.Errorf("frame: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseHeader decodes and checks only the fixed header.
func ParseHeader(data []byte) (*Wire, error) {
	w := &Wire{}
	if err := w.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, shared.IntegrityError(shared.ErrMalformed, "%v", err)
	}
	return w, nil
}

// Parse decodes one frame. Erasures are byte offsets into data. It returns
// the number of symbols the block code repaired. When the header is intact
// but the body fails, the returned Frame still carries the header fields so
// the caller can name the frame in a NACK.
func (c *Codec) Parse(data []byte, erasures []int) (Frame, int, error) {
	w, err := ParseHeader(data)
	if err != nil {
		return Frame{}, 0, err
	}
	f := Frame{SessionID: w.SessionID, Seq: w.Seq, Type: w.Type, Flags: w.Flags, CRC: w.CRC}
	body := w.LayerPayload()
	if len(body) < int(w.Length) {
		return f, 0, shared.IntegrityError(shared.ErrMalformed, "body truncated at %d of %d bytes", len(body), w.Length)
	}
	var local []int
	for _, e := range erasures {
		if e -= HeaderLen; e >= 0 && e < len(body) {
			local = append(local, e)
		}
	}
	raw, corrected, err := c.fec.CorrectErrors(body, local)
	if err != nil {
		return f, 0, err
	}
	if got := fec.ComputeCRCParts(w.crcPrefix(), raw); got != w.CRC {
		return f, corrected, shared.IntegrityError(shared.ErrCRCMismatch, "seq %d: crc %08x, computed %08x", w.Seq, w.CRC, got)
	}
	f.Payload = raw
	if w.Flags&FlagFooter != 0 {
		n := len(raw)
		if n < 2 || int(raw[n-1])+2 > n {
			return f, corrected, shared.IntegrityError(shared.ErrMalformed, "seq %d: footer does not fit", w.Seq)
		}
		sig := int(raw[n-1])
		start := n - 2 - sig
		f.Footer = &Footer{End: raw[start] == 1, Signature: append([]byte(nil), raw[start+1:n-1]...)}
		f.Payload = raw[:start]
	}
	return f, corrected, nil
}
