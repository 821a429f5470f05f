// Package oto implements playback for [audio.Device] on top of
// github.com/ebitengine/oto/v3.
//
// oto only provides output, so a Device delegates OpenMicrophone to another
// capture-capable [audio.Device] (normally the miniaudio backend). oto allows
// a single context per process; it is created lazily on the first
// OpenSpeaker call and reused afterwards, which means every speaker opened
// through this package must use the same format.
package oto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/chatterbox/pkg/audio"
)

// Compile-time assertion that Device satisfies audio.Device.
var _ audio.Device = (*Device)(nil)

// ErrNoCapture is returned by OpenMicrophone when no capture device was
// configured.
var ErrNoCapture = errors.New("oto: no capture device configured")

const defaultBuffer = 100 * time.Millisecond

var (
	ctxOnce   sync.Once
	ctxShared *otov3.Context
	ctxFormat audio.Format
	ctxErr    error
)

func sharedContext(f audio.Format, buffer time.Duration) (*otov3.Context, error) {
	ctxOnce.Do(func() {
		c, ready, err := otov3.NewContext(&otov3.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       otov3.FormatFloat32LE,
			BufferSize:   buffer,
		})
		if err != nil {
			ctxErr = fmt.Errorf("oto: new context: %w", err)
			return
		}
		<-ready
		ctxShared, ctxFormat = c, f
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctxFormat != f {
		return nil, fmt.Errorf("oto: context already initialised for %s, cannot open %s", ctxFormat, f)
	}
	return ctxShared, nil
}

// Device plays through oto and captures through Capture.
type Device struct {
	// Capture opens microphones. May be nil if the device is output-only.
	Capture audio.Device

	// Buffer is the oto hardware buffer length. Zero selects 100ms. Only the
	// first speaker opened in the process determines the value.
	Buffer time.Duration

	mu      sync.Mutex
	speaker *speaker
}

// OpenMicrophone implements [audio.Device] by delegating to d.Capture.
func (d *Device) OpenMicrophone(f audio.Format, onSamples func([]float32)) (audio.Microphone, error) {
	if d.Capture == nil {
		return nil, ErrNoCapture
	}
	return d.Capture.OpenMicrophone(f, onSamples)
}

// OpenSpeaker implements [audio.Device].
func (d *Device) OpenSpeaker(f audio.Format, r audio.Renderer) (audio.Speaker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaker != nil {
		return nil, fmt.Errorf("oto: speaker: %w", audio.ErrDeviceBusy)
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	c, err := sharedContext(f, buffer)
	if err != nil {
		return nil, err
	}
	s := &speaker{dev: d, src: &renderReader{r: r}}
	s.player = c.NewPlayer(s.src)
	s.player.Play()
	d.speaker = s
	slog.Debug("oto speaker opened", "format", f.String(), "buffer", buffer)
	return s, nil
}

func (d *Device) release(s *speaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaker == s {
		d.speaker = nil
	}
}

// speaker is an open oto player.
type speaker struct {
	dev    *Device
	src    *renderReader
	player *otov3.Player
	once   sync.Once
}

// Close implements [audio.Speaker].
func (s *speaker) Close() error {
	var err error
	s.once.Do(func() {
		s.src.stop()
		s.player.Pause()
		err = s.player.Close()
		s.dev.release(s)
	})
	if err != nil {
		return fmt.Errorf("oto: close player: %w", err)
	}
	return nil
}

// renderReader adapts a [audio.Renderer] to the io.Reader oto pulls from.
// It never blocks and never reports EOF: when nothing is scheduled the
// renderer yields silence.
type renderReader struct {
	r audio.Renderer

	mu      sync.Mutex
	stopped bool
	buf     []float32
}

func (rr *renderReader) stop() {
	rr.mu.Lock()
	rr.stopped = true
	rr.mu.Unlock()
}

// Read implements io.Reader.
func (rr *renderReader) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if cap(rr.buf) < n {
		rr.buf = make([]float32, n)
	}
	buf := rr.buf[:n]
	if rr.stopped {
		clear(buf)
	} else {
		rr.r.Render(buf)
	}
	for i, s := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return n * 4, nil
}
