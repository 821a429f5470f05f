// Package mock provides in-memory implementations of [audio.Device],
// [audio.Microphone], and [audio.Speaker] for use in unit tests.
//
// The mocks never touch hardware. Tests push microphone samples with
// [Microphone.Push] and advance the output clock by pulling samples through
// [Speaker.Pull]. The [Device] keeps an acquire/release counter so tests can
// assert that every opened stream was released.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	mic, _ := dev.OpenMicrophone(audio.CaptureFormat, onSamples)
//	dev.Microphone().Push(make([]float32, 4096))
//	_ = mic.Close()
//	if dev.Held() != 0 { ... }
package mock

import (
	"fmt"
	"sync"

	"github.com/MrWong99/chatterbox/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported error fields before use; inspect the counters after.
type Device struct {
	mu sync.Mutex

	// MicrophoneErr, if non-nil, is returned by OpenMicrophone.
	MicrophoneErr error

	// SpeakerErr, if non-nil, is returned by OpenSpeaker.
	SpeakerErr error

	// Acquired counts successful opens of either direction.
	Acquired int

	// Released counts Close calls that released a held stream.
	Released int

	// MicrophoneOpens records the formats passed to OpenMicrophone.
	MicrophoneOpens []audio.Format

	// SpeakerOpens records the formats passed to OpenSpeaker.
	SpeakerOpens []audio.Format

	mic     *Microphone
	speaker *Speaker
}

// OpenMicrophone implements [audio.Device].
func (d *Device) OpenMicrophone(f audio.Format, onSamples func([]float32)) (audio.Microphone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MicrophoneOpens = append(d.MicrophoneOpens, f)
	if d.MicrophoneErr != nil {
		return nil, d.MicrophoneErr
	}
	if d.mic != nil {
		return nil, fmt.Errorf("mock microphone: %w", audio.ErrDeviceBusy)
	}
	d.mic = &Microphone{dev: d, format: f, onSamples: onSamples}
	d.Acquired++
	return d.mic, nil
}

// OpenSpeaker implements [audio.Device].
func (d *Device) OpenSpeaker(f audio.Format, r audio.Renderer) (audio.Speaker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SpeakerOpens = append(d.SpeakerOpens, f)
	if d.SpeakerErr != nil {
		return nil, d.SpeakerErr
	}
	if d.speaker != nil {
		return nil, fmt.Errorf("mock speaker: %w", audio.ErrDeviceBusy)
	}
	d.speaker = &Speaker{dev: d, format: f, renderer: r}
	d.Acquired++
	return d.speaker, nil
}

// Held returns the number of streams currently open. Zero means every
// acquired stream was released.
func (d *Device) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Acquired - d.Released
}

// Microphone returns the currently open microphone, or nil.
func (d *Device) Microphone() *Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mic
}

// Speaker returns the currently open speaker, or nil.
func (d *Device) Speaker() *Speaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaker
}

func (d *Device) release(mic *Microphone, spk *Speaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mic != nil && d.mic == mic {
		d.mic = nil
		d.Released++
	}
	if spk != nil && d.speaker == spk {
		d.speaker = nil
		d.Released++
	}
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	dev       *Device
	format    audio.Format
	onSamples func([]float32)

	mu     sync.Mutex
	closed bool
}

// Format returns the format the microphone was opened with.
func (m *Microphone) Format() audio.Format { return m.format }

// Push delivers samples to the capture callback as if the hardware had
// produced them. Pushes after Close are ignored.
func (m *Microphone) Push(samples []float32) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.onSamples == nil {
		return
	}
	m.onSamples(samples)
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.dev.release(m, nil)
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. Output is only pulled
// when the test calls [Speaker.Pull], so the output clock is fully controlled
// by the test.
type Speaker struct {
	dev      *Device
	format   audio.Format
	renderer audio.Renderer

	mu     sync.Mutex
	closed bool
	pulled int
}

// Format returns the format the speaker was opened with.
func (s *Speaker) Format() audio.Format { return s.format }

// Pull asks the renderer for the next n samples and returns them. After Close
// it returns nil.
func (s *Speaker) Pull(n int) []float32 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.pulled += n
	s.mu.Unlock()
	out := make([]float32, n)
	s.renderer.Render(out)
	return out
}

// Pulled returns the total number of samples pulled so far.
func (s *Speaker) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulled
}

// Close implements [audio.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.dev.release(nil, s)
	return nil
}
