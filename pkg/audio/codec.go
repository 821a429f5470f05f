package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMisaligned is returned when a PCM buffer is not a whole number of
// 16-bit sample frames for the requested channel count.
var ErrMisaligned = errors.New("audio: pcm buffer is not frame aligned")

// pcmScale maps normalised float samples onto the int16 range.
const pcmScale = 32768.0

// FloatToPCM16 converts normalised float samples to little-endian int16 PCM.
// Samples outside [-1, 1] are clamped, never wrapped. The positive full-scale
// value saturates at 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	v := float64(s) * pcmScale
	if v >= 32767 {
		return 32767
	}
	return int16(v)
}

// PCM16ToFloat reinterprets pcm as interleaved little-endian int16 samples and
// returns one slice of normalised samples per channel.
func PCM16ToFloat(pcm []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channel(s)", ErrMisaligned, len(pcm), channels)
	}
	frames := len(pcm) / frameBytes
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(pcm[off:]))
			out[ch][i] = float32(v) / pcmScale
		}
	}
	return out, nil
}

// EncodeTransportSafe returns the base64 text form of b.
func EncodeTransportSafe(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransportSafe reverses [EncodeTransportSafe].
func DecodeTransportSafe(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport payload: %w", err)
	}
	return b, nil
}

// EncodeBlock converts b to 16-bit PCM and wraps it in a transport [Payload].
func EncodeBlock(b Block) Payload {
	return Payload{
		Data:     EncodeTransportSafe(FloatToPCM16(b.Samples)),
		MIMEType: b.Format.MIMEType(),
	}
}

// DecodePayload decodes a transport payload of 16-bit PCM in format f into a
// mono [Block]. Multi-channel input keeps its interleaving.
func DecodePayload(p Payload, f Format) (Block, error) {
	raw, err := DecodeTransportSafe(p.Data)
	if err != nil {
		return Block{}, err
	}
	return DecodePCM(raw, f)
}

// DecodePCM converts raw little-endian int16 PCM in format f into a [Block]
// whose samples stay interleaved.
func DecodePCM(raw []byte, f Format) (Block, error) {
	channels, err := PCM16ToFloat(raw, f.Channels)
	if err != nil {
		return Block{}, err
	}
	if f.Channels == 1 {
		return Block{Samples: channels[0], Format: f}, nil
	}
	frames := len(channels[0])
	samples := make([]float32, frames*f.Channels)
	for i := range frames {
		for ch := range f.Channels {
			samples[i*f.Channels+ch] = channels[ch][i]
		}
	}
	return Block{Samples: samples, Format: f}, nil
}
