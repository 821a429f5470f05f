// Package miniaudio implements [audio.Device] on top of miniaudio through the
// github.com/gen2brain/malgo bindings.
//
// Streams are opened in 32-bit float format at the requested rate; miniaudio
// performs any conversion needed to reach the hardware's native format. The
// capture callback and the playback renderer both run on miniaudio's device
// thread and must return quickly.
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/chatterbox/pkg/audio"
)

// Compile-time assertion that Device satisfies audio.Device.
var _ audio.Device = (*Device)(nil)

const defaultPeriod = 20 // milliseconds

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithPeriod sets the hardware period size in milliseconds. Smaller periods
// lower latency at the cost of more callbacks.
func WithPeriod(ms int) Option {
	return func(d *Device) {
		if ms > 0 {
			d.periodMs = uint32(ms)
		}
	}
}

// DeviceInfo describes one hardware endpoint reported by miniaudio.
type DeviceInfo struct {
	Name      string
	IsDefault bool
	Capture   bool
}

// Device implements [audio.Device] using the default capture and playback
// endpoints.
type Device struct {
	periodMs uint32

	ctx *ma.AllocatedContext

	mu      sync.Mutex
	mic     *stream
	speaker *stream
}

// New initialises a miniaudio context. Call Close when the device is no
// longer needed.
func New(opts ...Option) (*Device, error) {
	d := &Device{periodMs: defaultPeriod}
	for _, o := range opts {
		o(d)
	}
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.ctx = ctx
	return d, nil
}

// Devices lists the capture and playback endpoints known to miniaudio.
func (d *Device) Devices() ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, kind := range []ma.DeviceType{ma.Capture, ma.Playback} {
		infos, err := d.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("miniaudio: list devices: %w", err)
		}
		for _, info := range infos {
			out = append(out, DeviceInfo{
				Name:      info.Name(),
				IsDefault: info.IsDefault != 0,
				Capture:   kind == ma.Capture,
			})
		}
	}
	return out, nil
}

// OpenMicrophone implements [audio.Device].
func (d *Device) OpenMicrophone(f audio.Format, onSamples func([]float32)) (audio.Microphone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mic != nil {
		return nil, fmt.Errorf("miniaudio: microphone: %w", audio.ErrDeviceBusy)
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatF32
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.periodMs

	var buf []float32
	callbacks := ma.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			buf = decodeF32(input, buf)
			onSamples(buf)
		},
	}

	s, err := d.start(cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open microphone %s: %w", f, err)
	}
	s.release = func() { d.drop(s) }
	d.mic = s
	slog.Debug("microphone opened", "format", f.String(), "period_ms", d.periodMs)
	return s, nil
}

// OpenSpeaker implements [audio.Device].
func (d *Device) OpenSpeaker(f audio.Format, r audio.Renderer) (audio.Speaker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaker != nil {
		return nil, fmt.Errorf("miniaudio: speaker: %w", audio.ErrDeviceBusy)
	}

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatF32
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.periodMs

	var buf []float32
	callbacks := ma.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			n := len(output) / 4
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			buf = buf[:n]
			r.Render(buf)
			encodeF32(output, buf)
		},
	}

	s, err := d.start(cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open speaker %s: %w", f, err)
	}
	s.release = func() { d.drop(s) }
	d.speaker = s
	slog.Debug("speaker opened", "format", f.String(), "period_ms", d.periodMs)
	return s, nil
}

// Close releases the miniaudio context. Streams still open are closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	mic, spk := d.mic, d.speaker
	d.mu.Unlock()
	if mic != nil {
		_ = mic.Close()
	}
	if spk != nil {
		_ = spk.Close()
	}
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

func (d *Device) start(cfg ma.DeviceConfig, callbacks ma.DeviceCallbacks) (*stream, error) {
	dev, err := ma.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start device: %w", err)
	}
	return &stream{dev: dev}, nil
}

func (d *Device) drop(s *stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mic == s {
		d.mic = nil
	}
	if d.speaker == s {
		d.speaker = nil
	}
}

// stream is an open miniaudio device in one direction.
type stream struct {
	dev     *ma.Device
	release func()
	once    sync.Once
}

// Close stops and uninitialises the device. Idempotent.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.dev.Stop()
		s.dev.Uninit()
		if s.release != nil {
			s.release()
		}
	})
	if err != nil {
		return fmt.Errorf("miniaudio: stop device: %w", err)
	}
	return nil
}

// decodeF32 interprets b as little-endian float32 samples, reusing dst.
func decodeF32(b []byte, dst []float32) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}

// encodeF32 writes samples into b as little-endian float32.
func encodeF32(b []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
}
