// Package audio defines the sample formats, PCM codec, and hardware device
// abstractions used by the chatterbox voice pipeline.
//
// The two device abstractions are:
//
//   - [Microphone]: an open capture stream that pushes float samples to a
//     callback as the hardware delivers them.
//   - [Speaker]: an open playback stream that pulls float samples from a
//     [Renderer] whenever the hardware needs more output.
//
// Both are obtained from a [Device]. Implementations live in backend packages
// (audio/miniaudio, audio/oto). The capture pipeline and playback scheduler
// only see these interfaces and are driven by the doubles in audio/mock in
// tests.
//
// This package lives under pkg/ because third-party backends are expected to
// implement [Device].
package audio

import "errors"

// ErrDeviceBusy is returned by a [Device] when the requested stream is already
// held by another owner.
var ErrDeviceBusy = errors.New("audio: device already in use")

// Renderer produces output samples on demand. Render must fill every element
// of out (writing silence where nothing is scheduled) and must return quickly:
// it runs on the audio hardware thread.
type Renderer interface {
	Render(out []float32)
}

// RendererFunc adapts a plain function to [Renderer].
type RendererFunc func(out []float32)

// Render calls f(out).
func (f RendererFunc) Render(out []float32) { f(out) }

// Microphone is an open capture stream. Samples are delivered to the callback
// passed to [Device.OpenMicrophone] until Close is called.
type Microphone interface {
	// Close stops the stream and releases the hardware. Safe to call more
	// than once.
	Close() error
}

// Speaker is an open playback stream that pulls from a [Renderer].
type Speaker interface {
	// Close stops the stream and releases the hardware. Safe to call more
	// than once.
	Close() error
}

// Device opens capture and playback streams.
//
// Implementations must be safe for concurrent use. Each stream is owned
// exclusively by its opener; a second open of the same direction while one is
// held returns an error wrapping [ErrDeviceBusy].
type Device interface {
	// OpenMicrophone acquires the input device in format f and starts
	// delivering samples to onSamples. The slice passed to onSamples is only
	// valid for the duration of the call.
	OpenMicrophone(f Format, onSamples func(samples []float32)) (Microphone, error)

	// OpenSpeaker acquires the output device in format f and starts pulling
	// samples from r.
	OpenSpeaker(f Format, r Renderer) (Speaker, error)
}
