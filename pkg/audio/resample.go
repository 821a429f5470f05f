package audio

import (
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a stream of float samples from one rate to another. It
// keeps filter state between calls, so one Resampler must be used per stream.
// Not safe for concurrent use.
type Resampler struct {
	from, to Format
	rs       resampling.Resampler
	in       []float64
	warned   sync.Once
}

// NewResampler creates a streaming resampler between two formats with the
// same channel count. When the rates match, Process is a pass-through.
func NewResampler(from, to Format) (*Resampler, error) {
	if from.Channels != to.Channels {
		return nil, fmt.Errorf("audio: resampler cannot change channels (%d -> %d)", from.Channels, to.Channels)
	}
	r := &Resampler{from: from, to: to}
	if from.SampleRate == to.SampleRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from.SampleRate),
		OutputRate: float64(to.SampleRate),
		Channels:   from.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %s -> %s: %w", from, to, err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples samples and returns the output produced so far. The
// output length varies from call to call because of filter delay.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.rs == nil {
		return samples
	}
	if cap(r.in) < len(samples) {
		r.in = make([]float64, len(samples))
	}
	in := r.in[:len(samples)]
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := r.rs.Process(in)
	if err != nil {
		r.warned.Do(func() {
			slog.Warn("audio resampler failed, dropping samples",
				"from", r.from.String(),
				"to", r.to.String(),
				"err", err,
			)
		})
		return nil
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res
}
