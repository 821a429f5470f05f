// Package capture turns microphone input into fixed-size encoded frames for
// the conversation transport.
//
// The device callback only frames samples, measures their level, and hands
// complete frames to a bounded queue; encoding and sending happen on a
// pipeline goroutine so the audio thread never blocks on the network. A
// [Gate] decides whether captured audio may leave the process at all: when it
// is closed every sample is discarded and the reported level is exactly 0.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/chatterbox/internal/observe"
	"github.com/MrWong99/chatterbox/pkg/audio"
)

const (
	// DefaultFrameSize is the number of samples per sent frame (256 ms at 16 kHz).
	DefaultFrameSize = 4096

	// DefaultQueueSize is the number of frames buffered between the device
	// callback and the sender.
	DefaultQueueSize = 8

	// levelGain scales RMS into the [0,1] activity level.
	levelGain = 10
)

// Compile-time interface assertions.
var (
	_ Gate   = GateFunc(nil)
	_ Sender = SenderFunc(nil)
)

// Gate reports whether captured audio may currently be sent.
type Gate interface {
	Open() bool
}

// GateFunc adapts a plain function to [Gate].
type GateFunc func() bool

// Open calls f().
func (f GateFunc) Open() bool { return f() }

// Sender delivers one encoded frame to the remote service.
type Sender interface {
	SendAudio(p audio.Payload) error
}

// SenderFunc adapts a plain function to [Sender].
type SenderFunc func(p audio.Payload) error

// SendAudio calls f(p).
func (f SenderFunc) SendAudio(p audio.Payload) error { return f(p) }

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithDeviceFormat sets the format the microphone is opened with. When its
// rate differs from [audio.CaptureFormat] the input is resampled. Only mono
// input is supported.
func WithDeviceFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		p.deviceFormat = f
	}
}

// WithFrameSize sets the number of samples per sent frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithQueueSize sets how many frames may wait for the sender before new
// frames are dropped.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithOnLevel registers a callback receiving the activity level of every
// framed block (or 0 while gated). It runs on the audio thread and must not
// block.
func WithOnLevel(fn func(level float64)) Option {
	return func(p *Pipeline) {
		p.onLevel = fn
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is the microphone capture pipeline. Start and Stop are safe for
// concurrent use; a stopped pipeline may be started again.
type Pipeline struct {
	dev          audio.Device
	gate         Gate
	sender       Sender
	deviceFormat audio.Format
	frameSize    int
	queueSize    int
	onLevel      func(float64)
	metrics      *observe.Metrics

	life  sync.Mutex
	mic   audio.Microphone
	queue chan audio.Block
	wg    sync.WaitGroup

	// mu guards the callback state below against a concurrent Stop.
	mu        sync.Mutex
	running   bool
	resampler *audio.Resampler
	pending   []float32

	level atomic.Uint64 // math.Float64bits of the last level
}

// New creates a Pipeline reading from dev. Frames are sent through sender
// while gate is open.
func New(dev audio.Device, gate Gate, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:          dev,
		gate:         gate,
		sender:       sender,
		deviceFormat: audio.CaptureFormat,
		frameSize:    DefaultFrameSize,
		queueSize:    DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the microphone and begins capturing. Calling Start on a
// running pipeline is a no-op. On failure nothing stays acquired.
func (p *Pipeline) Start(ctx context.Context) error {
	p.life.Lock()
	defer p.life.Unlock()
	if p.mic != nil {
		return nil
	}
	if p.deviceFormat.Channels != 1 {
		return fmt.Errorf("capture: only mono input is supported, got %s", p.deviceFormat)
	}
	rs, err := audio.NewResampler(p.deviceFormat, audio.CaptureFormat)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	queue := make(chan audio.Block, p.queueSize)
	p.mu.Lock()
	p.running = true
	p.resampler = rs
	p.pending = make([]float32, 0, p.frameSize*2)
	p.queue = queue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.sendLoop(ctx, queue)

	mic, err := p.dev.OpenMicrophone(p.deviceFormat, p.onSamples)
	if err != nil {
		p.shutdown()
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	p.mic = mic
	observe.Logger(ctx).Debug("capture started",
		"device_format", p.deviceFormat.String(),
		"frame_size", p.frameSize,
	)
	return nil
}

// Stop releases the microphone and waits for queued frames to be handed to
// the sender. Idempotent.
func (p *Pipeline) Stop() error {
	p.life.Lock()
	defer p.life.Unlock()

	var err error
	if p.mic != nil {
		if cerr := p.mic.Close(); cerr != nil {
			err = fmt.Errorf("capture: close microphone: %w", cerr)
		}
		p.mic = nil
	}
	p.shutdown()
	p.setLevel(0)
	return err
}

// Level returns the most recent activity level in [0,1].
func (p *Pipeline) Level() float64 {
	return math.Float64frombits(p.level.Load())
}

// shutdown stops accepting samples, closes the queue, and waits for the send
// loop. The caller holds p.life.
func (p *Pipeline) shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.queue)
	p.queue = nil
	p.pending = nil
	p.mu.Unlock()
	p.wg.Wait()
}

// onSamples is the device callback.
func (p *Pipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if !p.gate.Open() {
		p.pending = p.pending[:0]
		p.setLevel(0)
		return
	}

	p.pending = append(p.pending, p.resampler.Process(samples)...)
	for len(p.pending) >= p.frameSize {
		frame := make([]float32, p.frameSize)
		copy(frame, p.pending)
		n := copy(p.pending, p.pending[p.frameSize:])
		p.pending = p.pending[:n]

		p.setLevel(Level(frame))
		select {
		case p.queue <- audio.Block{Samples: frame, Format: audio.CaptureFormat}:
		default:
			p.metrics.RecordFrameDropped(context.Background(), "queue_full")
		}
	}
}

func (p *Pipeline) setLevel(v float64) {
	p.level.Store(math.Float64bits(v))
	if p.onLevel != nil {
		p.onLevel(v)
	}
}

// sendLoop encodes and sends queued frames until the queue is closed. The
// gate is checked again because it may have closed while the frame waited.
func (p *Pipeline) sendLoop(ctx context.Context, queue <-chan audio.Block) {
	defer p.wg.Done()
	log := observe.Logger(ctx)
	for block := range queue {
		if !p.gate.Open() {
			p.metrics.RecordFrameDropped(ctx, "gated")
			continue
		}
		if err := p.sender.SendAudio(audio.EncodeBlock(block)); err != nil {
			p.metrics.RecordFrameDropped(ctx, "send_error")
			if !errors.Is(err, ErrSkip) {
				log.Debug("capture: send frame failed", "err", err)
			}
			continue
		}
		p.metrics.FramesSent.Add(ctx, 1)
	}
}

// ErrSkip may be returned (or wrapped) by a [Sender] to drop a frame without
// logging, e.g. when the transport is not open.
var ErrSkip = errors.New("capture: frame skipped")

// Level returns the activity level of a block: its RMS scaled by 10 and
// clamped to 1. An empty block has level 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return min(rms*levelGain, 1)
}
