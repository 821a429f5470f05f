// Package playback schedules decoded speech chunks on a continuous output
// timeline so that consecutive chunks play back to back with no gap and no
// overlap.
//
// The [Scheduler] is a pull renderer: the output device calls
// [Scheduler.Render] whenever it needs samples, and the output clock is the
// number of frames rendered so far. Each chunk is placed at
// max(nextStart, clock) and nextStart advances by the chunk length, so a
// chunk that arrives while the previous one is still playing starts exactly
// where it ends. A barge-in calls [Scheduler.Interrupt], which removes every
// scheduled chunk under the same lock Render holds; a cleared chunk can
// never produce another sample.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chatterbox/internal/observe"
	"github.com/MrWong99/chatterbox/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Renderer = (*Scheduler)(nil)

// ErrDecode is returned by [Scheduler.Enqueue] when a chunk cannot be decoded.
// The timeline is left untouched.
var ErrDecode = errors.New("playback: decode chunk")

// Reason identifies why the timeline was flushed.
type Reason int

const (
	// BargeIn indicates the service reported that the user started
	// speaking over the reply.
	BargeIn Reason = iota

	// Teardown indicates the session is stopping, pausing, or failing.
	Teardown
)

// String returns the metric label for the reason.
func (r Reason) String() string {
	switch r {
	case BargeIn:
		return "barge_in"
	case Teardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// SourceID identifies one scheduled chunk. IDs increase monotonically for
// the lifetime of a Scheduler and are never reused.
type SourceID uint64

// Span is the scheduled placement of one chunk on the output timeline, in
// frames of the output clock. End is exclusive.
type Span struct {
	ID    SourceID
	Start int64
	End   int64
}

// source is one scheduled chunk in the active set.
type source struct {
	id      SourceID
	start   int64
	samples []float32
}

func (s *source) end(channels int) int64 {
	return s.start + int64(len(s.samples)/channels)
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithFormat sets the output format. Default: [audio.PlaybackFormat].
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) {
		s.format = f
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithOnSpeaking registers a callback invoked whenever the active set goes
// from empty to non-empty (true) or back (false). It runs on whichever
// goroutine caused the change, possibly the audio thread, and must not block.
func WithOnSpeaking(fn func(speaking bool)) Option {
	return func(s *Scheduler) {
		s.onSpeaking = fn
	}
}

// Scheduler is the gapless playback timeline. All exported methods are safe
// for concurrent use.
type Scheduler struct {
	dev        audio.Device
	format     audio.Format
	metrics    *observe.Metrics
	onSpeaking func(bool)

	// life serialises Start and Stop so the device is never opened twice.
	life    sync.Mutex
	speaker audio.Speaker

	// notifyMu orders speaking callbacks; notified is the last value sent.
	notifyMu sync.Mutex
	notified bool

	mu        sync.Mutex
	clock     int64 // frames rendered so far
	nextStart int64 // 0 means "as soon as possible"
	seq       SourceID
	active    []*source // ordered by id, which is also start order
	speaking  bool
}

// New creates a Scheduler that renders to dev once started.
func New(dev audio.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:    dev,
		format: audio.PlaybackFormat,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Start acquires the output device and attaches the scheduler as its
// renderer. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.speaker != nil {
		return nil
	}
	spk, err := s.dev.OpenSpeaker(s.format, s)
	if err != nil {
		return fmt.Errorf("playback: open speaker: %w", err)
	}
	s.speaker = spk
	observe.Logger(ctx).Debug("playback started", "format", s.format.String())
	return nil
}

// Stop flushes the timeline and releases the output device. Idempotent.
func (s *Scheduler) Stop() error {
	s.Interrupt(Teardown)

	s.life.Lock()
	spk := s.speaker
	s.speaker = nil
	s.life.Unlock()

	if spk == nil {
		return nil
	}
	if err := spk.Close(); err != nil {
		return fmt.Errorf("playback: close speaker: %w", err)
	}
	return nil
}

// Enqueue decodes one transport chunk and schedules it immediately after the
// previously scheduled chunk, or now if the timeline has run dry. Chunks are
// decoded synchronously, so callers that enqueue in arrival order get
// playback in arrival order.
func (s *Scheduler) Enqueue(ctx context.Context, p audio.Payload) (SourceID, error) {
	block, err := s.decode(p)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s.Schedule(ctx, block)
}

// decode reads p in the format named by its MIME tag. An untagged payload
// is taken to be in the output format; any other rate is rejected.
func (s *Scheduler) decode(p audio.Payload) (audio.Block, error) {
	f := s.format
	if p.MIMEType != "" {
		var err error
		if f, err = audio.ParseMIMEType(p.MIMEType, s.format); err != nil {
			return audio.Block{}, err
		}
		if f != s.format {
			return audio.Block{}, fmt.Errorf("chunk format %s does not match output %s", f, s.format)
		}
	}
	return audio.DecodePayload(p, f)
}

// Schedule places an already decoded block on the timeline. Empty blocks are
// ignored and return ID 0.
func (s *Scheduler) Schedule(ctx context.Context, block audio.Block) (SourceID, error) {
	if block.Format != s.format {
		return 0, fmt.Errorf("%w: block format %s does not match output %s", ErrDecode, block.Format, s.format)
	}
	if block.Frames() == 0 {
		return 0, nil
	}

	s.mu.Lock()
	start := max(s.nextStart, s.clock)
	var gap int64
	if s.nextStart > 0 && s.clock > s.nextStart {
		gap = s.clock - s.nextStart
	}
	s.seq++
	src := &source{id: s.seq, start: start, samples: block.Samples}
	s.active = append(s.active, src)
	s.nextStart = start + int64(block.Frames())
	startSpeaking := !s.speaking
	s.speaking = true
	s.mu.Unlock()

	s.metrics.ChunksScheduled.Add(ctx, 1)
	if gap > 0 {
		s.metrics.PlaybackGaps.Record(ctx, s.format.Duration(int(gap)).Seconds())
	}
	if startSpeaking {
		s.notify()
	}
	return src.id, nil
}

// Render implements [audio.Renderer]. It mixes every active chunk that
// overlaps the next len(out) samples, advances the output clock, and retires
// chunks that have finished.
func (s *Scheduler) Render(out []float32) {
	clear(out)
	ch := s.format.Channels
	frames := int64(len(out) / ch)

	s.mu.Lock()
	from, to := s.clock, s.clock+frames
	for _, src := range s.active {
		end := src.end(ch)
		if src.start >= to || end <= from {
			continue
		}
		lo := max(src.start, from)
		hi := min(end, to)
		dst := out[(lo-from)*int64(ch) : (hi-from)*int64(ch)]
		in := src.samples[(lo-src.start)*int64(ch) : (hi-src.start)*int64(ch)]
		for i, v := range in {
			dst[i] += v
		}
	}
	s.clock = to

	kept := s.active[:0]
	for _, src := range s.active {
		if src.end(ch) > s.clock {
			kept = append(kept, src)
		}
	}
	clear(s.active[len(kept):])
	s.active = kept

	stopSpeaking := s.speaking && len(s.active) == 0
	if stopSpeaking {
		s.speaking = false
	}
	s.mu.Unlock()

	if stopSpeaking {
		s.notify()
	}
}

// Interrupt stops every scheduled chunk immediately and resets the cursor so
// the next chunk starts at the current clock.
func (s *Scheduler) Interrupt(reason Reason) {
	s.mu.Lock()
	n := len(s.active)
	clear(s.active)
	s.active = s.active[:0]
	s.nextStart = 0
	stopSpeaking := s.speaking
	s.speaking = false
	s.mu.Unlock()

	if n > 0 {
		slog.Debug("playback flushed", "reason", reason.String(), "sources", n)
		s.metrics.RecordInterrupt(context.Background(), reason.String())
	}
	if stopSpeaking {
		s.notify()
	}
}

// Speaking reports whether any chunk is scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Now returns the output clock: how much audio has been rendered.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(int(s.clock))
}

// NextStart returns the cursor position at which the next chunk will be
// placed if it arrives before the clock reaches it. Zero after an interrupt.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(int(s.nextStart))
}

// Buffered returns how much scheduled audio has not yet been rendered.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextStart <= s.clock {
		return 0
	}
	return s.format.Duration(int(s.nextStart - s.clock))
}

// Timeline returns the placement of every chunk still in the active set.
func (s *Scheduler) Timeline() []Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	spans := make([]Span, len(s.active))
	for i, src := range s.active {
		spans[i] = Span{ID: src.id, Start: src.start, End: src.end(s.format.Channels)}
	}
	return spans
}

// notify reports the current speaking state if it differs from the last one
// reported. Reading the state under notifyMu keeps callbacks in order even
// when Schedule and Render race.
func (s *Scheduler) notify() {
	if s.onSpeaking == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	speaking := s.speaking
	s.mu.Unlock()
	if speaking == s.notified {
		return
	}
	s.notified = speaking
	s.onSpeaking(speaking)
}
