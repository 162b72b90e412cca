package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"binaric/package/config"
	"binaric/package/container"
	"binaric/package/event"
	"binaric/package/journal"
	"binaric/package/phy"
	"binaric/package/session"
	"binaric/package/shared"
)

const usage = `binaric moves files over sound.

Usage:
  binaric send [flags] FILE        negotiate a session and send FILE
  binaric receive [flags]          accept a session and write what arrives
  binaric encode [flags] FILE      write FILE as a pre-recorded .wav
  binaric decode [flags] WAV       recover the file from a pre-recorded .wav

Run "binaric COMMAND --help" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "send":
		err = runSend(args)
	case "receive":
		err = runReceive(args)
	case "encode":
		err = runEncode(args)
	case "decode":
		err = runDecode(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "binaric:", err)
		os.Exit(1)
	}
}

// common holds the flags every command takes.
type common struct {
	config   *string
	logLevel *string
	journal  *string
}

func addCommon(fs *pflag.FlagSet) common {
	return common{
		config:   fs.StringP("config", "c", "", "TOML configuration file."),
		logLevel: fs.StringP("log-level", "l", "", "Log level: debug, info, warn or error."),
		journal:  fs.StringP("journal", "j", "", "SQLite journal of events and transfers."),
	}
}

// env is what a command runs with once flags and config are resolved.
type env struct {
	cfg       config.Config
	log       *zap.Logger
	bus       *event.Bus
	journal   *journal.Journal
	unjournal func()
}

func setup(fs *pflag.FlagSet, c common) (*env, error) {
	cfg := config.Default()
	if *c.config != "" {
		var err error
		if cfg, err = config.Load(*c.config); err != nil {
			return nil, err
		}
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(*c.logLevel)
	}
	if fs.Changed("journal") {
		cfg.Journal = *c.journal
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log, bus: event.NewBus(event.NewZapObserver(log))}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			log.Sync()
			return nil, err
		}
		e.journal = j
		e.unjournal = j.Follow(e.bus, 1024)
	}
	e.cfg.Session.Observer = e.bus
	e.cfg.Audio.Observer = e.bus
	return e, nil
}

func (e *env) Close() {
	if e.journal != nil {
		e.unjournal()
		if n := e.bus.Dropped(); n > 0 {
			e.log.Warn("journal fell behind, events dropped", zap.Uint64("count", n))
		}
		if n := e.journal.Failed(); n > 0 {
			e.log.Warn("journal writes failed", zap.Uint64("count", n))
		}
		e.journal.Close()
	}
	e.log.Sync()
}

// live wires JACK, the audio link and a session node together.
func (e *env) live(ctx context.Context) (*jackHost, *session.Node, error) {
	host, err := openJACK(e.cfg.JACK)
	if err != nil {
		return nil, nil, err
	}
	link := phy.NewAudioLink(host.capture, host.playback, e.cfg.Audio)
	node, err := session.NewNode(link, e.cfg.Session)
	if err != nil {
		host.Close()
		return nil, nil, err
	}
	go func() {
		if err := link.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("audio link stopped", zap.Error(err))
		}
	}()
	go node.Run(ctx)
	return host, node, nil
}

func runSend(args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	c := addCommon(fs)
	offline := fs.BoolP("offline", "O", false, "Play a pre-recorded container instead of negotiating a session.")
	timeout := fs.DurationP("timeout", "t", 5*time.Minute, "Give up after this long.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("send: need exactly one FILE")
	}
	path := fs.Arg(0)
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e, err := setup(fs, c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *offline {
		host, err := openJACK(e.cfg.JACK)
		if err != nil {
			return err
		}
		defer host.Close()
		h, samples, err := container.Render(filepath.Base(path), payload, e.cfg.Container)
		if err != nil {
			return err
		}
		e.log.Info("playing container",
			zap.String("id", h.ID.String()),
			zap.String("name", h.Name),
			zap.Int("frames", h.Frames),
			zap.Stringer("params", h.Params),
			zap.Duration("length", time.Duration(len(samples))*time.Second/shared.FS))
		return play(ctx, host, samples)
	}

	host, node, err := e.live(ctx)
	if err != nil {
		return err
	}
	defer host.Close()
	s, err := node.Dial(ctx)
	if err != nil {
		return err
	}
	e.log.Info("session active", zap.String("session", fmt.Sprintf("%08x", s.ID())), zap.Stringer("params", s.Params()))
	start := time.Now()
	if err := s.Send(ctx, payload); err != nil {
		return err
	}
	e.log.Info("sent", zap.String("file", path), zap.Int("bytes", len(payload)), zap.Duration("took", time.Since(start)))
	s.Terminate()
	return drain(ctx, host)
}

func runReceive(args []string) error {
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	c := addCommon(fs)
	out := fs.StringP("out", "o", ".", "Directory to write received files to.")
	count := fs.IntP("count", "n", 1, "Transfers to receive before exiting; 0 keeps going.")
	offline := fs.BoolP("offline", "O", false, "Record a pre-recorded container instead of accepting a session.")
	duration := fs.DurationP("duration", "d", time.Minute, "Recording length with --offline.")
	timeout := fs.DurationP("timeout", "t", 0, "Give up after this long; 0 waits forever.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(fs, c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if *offline {
		host, err := openJACK(e.cfg.JACK)
		if err != nil {
			return err
		}
		defer host.Close()
		samples := record(ctx, host, *duration)
		if n := host.dropped.Load(); n > 0 {
			e.log.Warn("capture buffers dropped", zap.Uint64("count", n))
		}
		h, data, err := container.Recover(samples)
		if err != nil {
			return err
		}
		return e.write(*out, h.Name, data)
	}

	host, node, err := e.live(ctx)
	if err != nil {
		return err
	}
	defer host.Close()
	for got := 0; *count == 0 || got < *count; {
		s, err := node.Accept(ctx)
		if err != nil {
			return err
		}
		e.log.Info("session active", zap.String("session", fmt.Sprintf("%08x", s.ID())), zap.Stringer("params", s.Params()))
		for data := range s.Receive() {
			got++
			name := fmt.Sprintf("%08x-%d.bin", s.ID(), got)
			if err := e.write(*out, name, data); err != nil {
				s.Terminate()
				return err
			}
			if *count != 0 && got >= *count {
				s.Terminate()
				break
			}
		}
		if err := s.Err(); err != nil {
			e.log.Warn("session ended", zap.String("session", fmt.Sprintf("%08x", s.ID())), zap.Error(err))
		}
	}
	return nil
}

func runEncode(args []string) error {
	fs := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	c := addCommon(fs)
	out := fs.StringP("out", "o", "", "Output .wav file; defaults to FILE.wav.")
	scheme := fs.String("scheme", "", "Modulation scheme: FSK, PSK or QAM.")
	level := fs.String("level", "", "Error control: none, crc or crc+ecc.")
	rate := fs.Int("rate", 0, "Symbol rate.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("encode: need exactly one FILE")
	}
	path := fs.Arg(0)
	e, err := setup(fs, c)
	if err != nil {
		return err
	}
	defer e.Close()

	opts := e.cfg.Container
	p := opts.Params
	if *scheme != "" {
		if p.Scheme, err = shared.ParseScheme(*scheme); err != nil {
			return err
		}
	}
	if *level != "" {
		if p.Level, err = shared.ParseLevel(*level); err != nil {
			return err
		}
		if p.Level == shared.LevelECC && p.Parity == 0 {
			p.Parity = shared.BaseParity
		}
	}
	if *rate > 0 {
		p.Rate = *rate
	}
	opts.Params = shared.NewParameters(p.Scheme, p.Level, p.Parity, p.Rate)

	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if *out == "" {
		*out = path + ".wav"
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	h, err := container.Encode(f, filepath.Base(path), payload, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	e.log.Info("encoded",
		zap.String("id", h.ID.String()),
		zap.String("file", *out),
		zap.Int("bytes", h.Size),
		zap.Int("frames", h.Frames),
		zap.Stringer("params", h.Params))
	return nil
}

func runDecode(args []string) error {
	fs := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	c := addCommon(fs)
	out := fs.StringP("out", "o", ".", "Directory to write the recovered file to.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("decode: need exactly one WAV")
	}
	e, err := setup(fs, c)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	h, data, err := container.Decode(f)
	if err != nil {
		return err
	}
	e.log.Info("decoded", zap.String("id", h.ID.String()), zap.Stringer("params", h.Params), zap.Int("frames", h.Frames))
	return e.write(*out, h.Name, data)
}

// write stores data under dir. Only the base of name is used.
func (e *env) write(dir, name string, data []byte) error {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "transfer.bin"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	e.log.Info("wrote", zap.String("file", path), zap.Int("bytes", len(data)))
	return nil
}

// play queues samples for playback and waits until they are out.
func play(ctx context.Context, host *jackHost, samples []float64) error {
	for off := 0; off < len(samples); off += shared.BufferSize {
		end := min(off+shared.BufferSize, len(samples))
		select {
		case host.playback <- samples[off:end]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return drain(ctx, host)
}

func drain(ctx context.Context, host *jackHost) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !host.drained() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// record captures d of audio, or less if ctx ends first.
func record(ctx context.Context, host *jackHost, d time.Duration) []float64 {
	var out []float64
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case buf := <-host.capture:
			out = append(out, buf...)
		case <-deadline.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
}
