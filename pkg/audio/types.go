package audio

import (
	"fmt"
	"mime"
	"strconv"
	"time"
)

// Standard formats used by the conversation pipeline.
var (
	// CaptureFormat is the format streamed to the inference service.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format of synthesised speech returned by the service.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Duration returns how long frames sample frames last in this format.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// MIMEType returns the transport MIME tag for 16-bit PCM in this format,
// e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Block is a fixed run of normalised float samples tagged with its format.
// Samples are interleaved when Channels > 1. A Block is never modified after
// it is produced; consumers that need to alter samples must copy them.
type Block struct {
	Samples []float32
	Format  Format
}

// Frames returns the number of sample frames (samples per channel) in b.
func (b Block) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the playback duration of b.
func (b Block) Duration() time.Duration {
	return b.Format.Duration(b.Frames())
}

// Payload is the transport-safe envelope for one encoded block of 16-bit PCM.
type Payload struct {
	// Data is the base64 text encoding of little-endian int16 PCM.
	Data string `json:"data"`

	// MIMEType identifies the PCM format, e.g. "audio/pcm;rate=16000".
	MIMEType string `json:"mimeType"`
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

// ParseMIMEType reads the format from a PCM MIME tag such as
// "audio/pcm;rate=16000". A missing rate yields def's rate; the channel
// count is always def's.
func ParseMIMEType(s string, def Format) (Format, error) {
	mediaType, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Format{}, fmt.Errorf("audio: parse mime type %q: %w", s, err)
	}
	// audio/L16 is big-endian and is not accepted.
	if mediaType != "audio/pcm" {
		return Format{}, fmt.Errorf("audio: unsupported mime type %q", mediaType)
	}
	f := def
	if r, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(r)
		if err != nil || rate <= 0 {
			return Format{}, fmt.Errorf("audio: invalid rate in mime type %q", s)
		}
		f.SampleRate = rate
	}
	return f, nil
}
