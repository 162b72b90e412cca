package main

import (
	"fmt"
	"sync/atomic"

	"github.com/xthexder/go-jack"

	"binaric/package/config"
	"binaric/package/shared"
)

// jackHost bridges JACK ports to the sample-buffer channels the modem uses.
// The process callback never blocks: capture buffers that find the channel
// full are dropped and counted.
type jackHost struct {
	client  *jack.Client
	inPort  *jack.Port
	outPort *jack.Port

	capture  chan []float64
	playback chan []float64
	pending  []float64 // playback samples not yet written, owned by process

	// capture buffers are reused round robin; the ring outlasts everything
	// the channel can hold plus the one the reader is working on
	ring [][]float64
	next int

	dropped atomic.Uint64
	left    atomic.Int64 // len(pending) after the last callback
}

const captureDepth = 256

func newJackHost() *jackHost {
	h := &jackHost{
		capture:  make(chan []float64, captureDepth),
		playback: make(chan []float64, 64),
		ring:     make([][]float64, captureDepth+2),
	}
	for i := range h.ring {
		h.ring[i] = make([]float64, shared.BufferSize)
	}
	return h
}

func openJACK(cfg config.JACKConfig) (*jackHost, error) {
	client, code := jack.ClientOpen(cfg.Client, jack.NoStartServer)
	if client == nil {
		return nil, fmt.Errorf("could not connect to jack server (status %d)", code)
	}
	if rate := client.GetSampleRate(); rate != shared.FS {
		client.Close()
		return nil, fmt.Errorf("jack runs at %d Hz, modem needs %d", rate, shared.FS)
	}
	h := newJackHost()
	h.client = client
	h.inPort = client.PortRegister("input", jack.DEFAULT_AUDIO_TYPE, jack.PortIsInput, 0)
	h.outPort = client.PortRegister("output", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if code := client.SetProcessCallback(h.process); code != 0 {
		client.Close()
		return nil, fmt.Errorf("failed to set process callback (%d)", code)
	}
	if code := client.Activate(); code != 0 {
		client.Close()
		return nil, fmt.Errorf("failed to activate client (%d)", code)
	}
	if cfg.Input != "" {
		if code := client.ConnectPorts(client.GetPortByName(cfg.Input), h.inPort); code != 0 {
			client.Close()
			return nil, fmt.Errorf("connect %s: %d", cfg.Input, code)
		}
	}
	if cfg.Output != "" {
		if code := client.ConnectPorts(h.outPort, client.GetPortByName(cfg.Output)); code != 0 {
			client.Close()
			return nil, fmt.Errorf("connect %s: %d", cfg.Output, code)
		}
	}
	return h, nil
}

func (h *jackHost) process(nframes uint32) int {
	in := h.inPort.GetBuffer(nframes)
	out := h.outPort.GetBuffer(nframes)

	for i := range out {
		if len(h.pending) == 0 {
			select {
			case buf := <-h.playback:
				h.pending = buf
			default:
			}
		}
		if len(h.pending) == 0 {
			out[i] = 0
			continue
		}
		out[i] = jack.AudioSample(h.pending[0])
		h.pending = h.pending[1:]
	}

	h.left.Store(int64(len(h.pending)))
	h.push(in)
	return 0
}

// push hands one period of input to the reader without allocating, unless
// the JACK period outgrows the preallocated buffers.
func (h *jackHost) push(in []jack.AudioSample) {
	buf := h.ring[h.next]
	if cap(buf) < len(in) {
		buf = make([]float64, len(in))
		h.ring[h.next] = buf
	}
	buf = buf[:len(in)]
	for i, s := range in {
		buf[i] = float64(s)
	}
	select {
	case h.capture <- buf:
		h.next = (h.next + 1) % len(h.ring)
	default:
		h.dropped.Add(1)
	}
}

// drained reports whether every queued playback sample has been written.
func (h *jackHost) drained() bool {
	return len(h.playback) == 0 && h.left.Load() == 0
}

func (h *jackHost) Close() {
	h.client.Close()
}
