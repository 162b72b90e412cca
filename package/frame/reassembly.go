package frame

import (
	"bytes"
	"sort"

	"binaric/package/shared"
)

// Fragment splits payload into DATA frames of at most maxFrameSize payload
// bytes numbered from firstSeq. The last frame carries the end-of-stream
// footer with the transfer signature; an empty payload yields one such frame.
func Fragment(payload []byte, maxFrameSize int, sessionID, firstSeq uint32) []Frame {
	if maxFrameSize <= 0 {
		maxFrameSize = shared.DefaultMaxFrameSize
	}
	n := (len(payload) + maxFrameSize - 1) / maxFrameSize
	if n == 0 {
		n = 1
	}
	frames := make([]Frame, n)
	for i := range frames {
		start := i * maxFrameSize
		end := start + maxFrameSize
		if end > len(payload) {
			end = len(payload)
		}
		frames[i] = NewFrame(payload[start:end], firstSeq+uint32(i), sessionID, TypeData)
	}
	frames[n-1].Footer = &Footer{End: true, Signature: Signature(payload)}
	return frames
}

// assemble joins a contiguous run of DATA frames ending in EOS and checks
// the transfer signature.
func assemble(run []Frame) ([]byte, error) {
	var out []byte
	for _, f := range run {
		out = append(out, f.Payload...)
	}
	last := run[len(run)-1]
	if !bytes.Equal(last.Footer.Signature, Signature(out)) {
		return nil, shared.IntegrityError(shared.ErrSignature, "transfer ending at seq %d", last.Seq)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Reassemble rebuilds one transfer from its DATA frames in any order.
// Duplicates are tolerated when identical. With expectedCount > 0 the
// transfer is the expectedCount frames ending at the EOS frame; otherwise it
// runs from the lowest sequence number seen.
func Reassemble(frames []Frame, expectedCount int) ([]byte, error) {
	bySeq := make(map[uint32]Frame)
	var eos *Frame
	for _, f := range frames {
		if f.Type != TypeData {
			continue
		}
		if prev, ok := bySeq[f.Seq]; ok {
			if !prev.Equal(f) {
				return nil, shared.IntegrityError(shared.ErrDuplicateMismatch, "seq %d", f.Seq)
			}
			continue
		}
		bySeq[f.Seq] = f
		if f.EOS() {
			if eos != nil && eos.Seq != f.Seq {
				return nil, shared.IntegrityError(shared.ErrMalformed, "two end-of-stream frames: %d and %d", eos.Seq, f.Seq)
			}
			ff := f
			eos = &ff
		}
	}
	if eos == nil {
		return nil, shared.IntegrityError(shared.ErrIncomplete, "no end-of-stream frame among %d", len(bySeq))
	}
	var first uint32
	if expectedCount > 0 {
		if uint32(expectedCount-1) > eos.Seq {
			return nil, shared.IntegrityError(shared.ErrIncomplete, "%d frames cannot end at seq %d", expectedCount, eos.Seq)
		}
		first = eos.Seq - uint32(expectedCount-1)
	} else {
		first = eos.Seq
		for seq := range bySeq {
			if seq < first {
				first = seq
			}
		}
	}
	if span := uint64(eos.Seq-first) + 1; span > uint64(len(bySeq)) {
		return nil, shared.IntegrityError(shared.ErrIncomplete, "%d frames span seq %d..%d, only %d present", span, first, eos.Seq, len(bySeq))
	}
	var missing []uint32
	run := make([]Frame, 0, eos.Seq-first+1)
	for seq := first; ; seq++ {
		f, ok := bySeq[seq]
		if !ok {
			missing = append(missing, seq)
		} else {
			run = append(run, f)
		}
		if seq == eos.Seq {
			break
		}
	}
	if len(missing) > 0 {
		return nil, shared.IntegrityError(shared.ErrIncomplete, "missing %d frames, first %d", len(missing), missing[0])
	}
	return assemble(run)
}

// DeliveredWindow is how many delivered frames a Buffer keeps to check late
// duplicates against.
const DeliveredWindow = 256

// Buffer is the per-session reassembly buffer. It accepts DATA frames in any
// order and yields each transfer once the contiguous run from the last
// delivered sequence number through an EOS frame is present.
type Buffer struct {
	next      uint32
	frames    map[uint32]Frame
	delivered map[uint32]Frame // the last DeliveredWindow delivered frames
}

func NewBuffer(start uint32) *Buffer {
	return &Buffer{next: start, frames: make(map[uint32]Frame), delivered: make(map[uint32]Frame)}
}

// Add stores a frame. Frames already buffered or delivered report dup=true.
// A duplicate that differs from the stored copy is an integrity error; late
// duplicates older than DeliveredWindow are accepted unchecked.
func (b *Buffer) Add(f Frame) (dup bool, err error) {
	if f.Seq < b.next {
		if prev, ok := b.delivered[f.Seq]; ok && !prev.Equal(f) {
			return true, shared.IntegrityError(shared.ErrDuplicateMismatch, "seq %d differs from delivered copy", f.Seq)
		}
		return true, nil
	}
	if prev, ok := b.frames[f.Seq]; ok {
		if !prev.Equal(f) {
			return true, shared.IntegrityError(shared.ErrDuplicateMismatch, "seq %d", f.Seq)
		}
		return true, nil
	}
	b.frames[f.Seq] = f
	return false, nil
}

// Next returns the next complete transfer, if any. A transfer whose
// signature fails is dropped and reported.
func (b *Buffer) Next() ([]byte, bool, error) {
	var run []Frame
	for seq := b.next; ; seq++ {
		f, ok := b.frames[seq]
		if !ok {
			return nil, false, nil
		}
		run = append(run, f)
		if f.EOS() {
			break
		}
	}
	for _, f := range run {
		delete(b.frames, f.Seq)
		b.delivered[f.Seq] = f
	}
	b.next += uint32(len(run))
	if b.next > DeliveredWindow {
		oldest := b.next - DeliveredWindow
		for seq := range b.delivered {
			if seq < oldest {
				delete(b.delivered, seq)
			}
		}
	}
	payload, err := assemble(run)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Flush drains every complete transfer in order.
func (b *Buffer) Flush() ([][]byte, error) {
	var out [][]byte
	for {
		p, ok, err := b.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}

// Missing lists the sequence numbers in [next, upTo) not yet buffered.
func (b *Buffer) Missing(upTo uint32) []uint32 {
	var out []uint32
	for seq := b.next; seq < upTo; seq++ {
		if _, ok := b.frames[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// Buffered lists buffered sequence numbers in order.
func (b *Buffer) Buffered() []uint32 {
	out := make([]uint32, 0, len(b.frames))
	for seq := range b.frames {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Expected is the next sequence number to deliver.
func (b *Buffer) Expected() uint32 { return b.next }

func (b *Buffer) Len() int { return len(b.frames) }

// Reset drops everything and restarts at start.
func (b *Buffer) Reset(start uint32) {
	b.next = start
	b.frames = make(map[uint32]Frame)
	b.delivered = make(map[uint32]Frame)
}
