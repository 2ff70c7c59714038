// Package audio reads waveforms and turns them into the log-mel frames the
// acoustic models consume.
package audio

import (
	"fmt"
	"math"
)

// FeatureConfig controls log-mel extraction. Window and hop are in seconds.
type FeatureConfig struct {
	SampleRate  int
	WindowSize  float64
	WindowShift float64
	NumMels     int
	FFTSize     int
	LowFreq     float64
	HighFreq    float64
	PreEmphasis float64
	CMVN        bool
}

// DefaultFeatureConfig matches 8 kHz telephone speech: 20 ms windows every 10 ms.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		SampleRate:  8000,
		WindowSize:  0.02,
		WindowShift: 0.01,
		NumMels:     40,
		FFTSize:     256,
		LowFreq:     20,
		PreEmphasis: 0.97,
		CMVN:        true,
	}
}

// Samples converts a duration in seconds to the nearest whole sample count.
// Window and hop lengths are always derived through it.
func Samples(seconds float64, rate int) int { return int(math.Round(seconds * float64(rate))) }

func (c FeatureConfig) windowSamples() int { return Samples(c.WindowSize, c.SampleRate) }
func (c FeatureConfig) hopSamples() int    { return Samples(c.WindowShift, c.SampleRate) }

// NumFrames is the frame count produced for numSamples samples at SampleRate.
func (c FeatureConfig) NumFrames(numSamples int) int {
	win, hop := c.windowSamples(), c.hopSamples()
	if hop <= 0 || numSamples < win {
		return 0
	}
	return (numSamples-win)/hop + 1
}

// Extractor computes log-mel filterbank frames.
type Extractor struct {
	cfg     FeatureConfig
	win     int
	hop     int
	window  []float64
	melBank [][]float64
}

func NewExtractor(cfg FeatureConfig) (*Extractor, error) {
	if cfg.HighFreq <= 0 {
		cfg.HighFreq = float64(cfg.SampleRate) / 2
	}
	win, hop := cfg.windowSamples(), cfg.hopSamples()
	switch {
	case cfg.SampleRate <= 0 || cfg.NumMels <= 0:
		return nil, fmt.Errorf("features: sample rate and mel count must be positive")
	case win <= 1 || hop <= 0:
		return nil, fmt.Errorf("features: window %d and hop %d samples are too small", win, hop)
	case cfg.FFTSize < win || cfg.FFTSize&(cfg.FFTSize-1) != 0:
		return nil, fmt.Errorf("features: fft size %d must be a power of two >= %d", cfg.FFTSize, win)
	case cfg.LowFreq >= cfg.HighFreq:
		return nil, fmt.Errorf("features: low frequency %.0f must be below high %.0f", cfg.LowFreq, cfg.HighFreq)
	}
	return &Extractor{
		cfg:     cfg,
		win:     win,
		hop:     hop,
		window:  hamming(win),
		melBank: melFilters(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
	}, nil
}

func (e *Extractor) Config() FeatureConfig { return e.cfg }

// Extract returns frames x NumMels log-mel energies, CMVN-normalized when
// configured. Audio shorter than one window yields no frames.
func (e *Extractor) Extract(pcm []float32) [][]float32 {
	frames := e.cfg.NumFrames(len(pcm))
	if frames == 0 {
		return nil
	}
	nfft := e.cfg.FFTSize
	half := nfft/2 + 1
	re := make([]float64, nfft)
	im := make([]float64, nfft)
	power := make([]float64, half)
	out := make([][]float32, frames)

	for t := 0; t < frames; t++ {
		start := t * e.hop
		for i := 0; i < e.win; i++ {
			s := float64(pcm[start+i])
			if i > 0 {
				s -= e.cfg.PreEmphasis * float64(pcm[start+i-1])
			}
			re[i] = s * e.window[i]
			im[i] = 0
		}
		for i := e.win; i < nfft; i++ {
			re[i], im[i] = 0, 0
		}
		fft(re, im)
		for k := 0; k < half; k++ {
			power[k] = re[k]*re[k] + im[k]*im[k]
		}
		row := make([]float32, e.cfg.NumMels)
		for m, filter := range e.melBank {
			var sum float64
			for k, w := range filter {
				sum += w * power[k]
			}
			row[m] = float32(math.Log(math.Max(sum, 1e-10)))
		}
		out[t] = row
	}
	if e.cfg.CMVN {
		CMVN(out)
	}
	return out
}

// FromWaveform resamples w to the configured rate and extracts its frames.
func (e *Extractor) FromWaveform(w *Waveform) ([][]float32, error) {
	rs, err := Resample(w, e.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	return e.Extract(rs.Samples), nil
}

// CMVN normalizes each dimension to zero mean and unit variance in place.
func CMVN(frames [][]float32) {
	if len(frames) == 0 {
		return
	}
	n := float64(len(frames))
	for d := range frames[0] {
		var sum, sq float64
		for _, f := range frames {
			v := float64(f[d])
			sum += v
			sq += v * v
		}
		mean := sum / n
		std := math.Sqrt(math.Max(sq/n-mean*mean, 0))
		if std < 1e-10 {
			std = 1e-10
		}
		for _, f := range frames {
			f[d] = float32((float64(f[d]) - mean) / std)
		}
	}
}
