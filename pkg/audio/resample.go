package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ResampledLen is the sample count n input samples at from Hz span at to Hz.
func ResampledLen(n, from, to int) int {
	return int(math.Round(float64(n) * float64(to) / float64(from)))
}

// Resample converts w to rate. Audio already at rate is returned unchanged.
func Resample(w *Waveform, rate int) (*Waveform, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("resample: invalid target rate %d", rate)
	}
	if w.SampleRate == rate || len(w.Samples) == 0 {
		return &Waveform{SampleRate: rate, Samples: w.Samples}, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(w.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler %d->%d: %w", w.SampleRate, rate, err)
	}
	in := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		in[i] = float64(s)
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", w.SampleRate, rate, err)
	}
	// The filter delay holds back the last samples until Flush.
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler %d->%d: %w", w.SampleRate, rate, err)
	}
	out = append(out, tail...)
	// Output always spans the input duration; a short filter tail is
	// completed with silence.
	samples := make([]float32, ResampledLen(len(w.Samples), w.SampleRate, rate))
	for i := range min(len(samples), len(out)) {
		samples[i] = float32(out[i])
	}
	return &Waveform{SampleRate: rate, Samples: samples}, nil
}
