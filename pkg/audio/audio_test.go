package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/harunnryd/asrkit/pkg/model"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	w := &Waveform{SampleRate: 8000, Samples: sine(440, 8000, 800)}
	path := filepath.Join(t.TempDir(), "a.wav")
	if err := WriteWAVFile(path, w); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SampleRate != 8000 || len(got.Samples) != 800 {
		t.Fatalf("unexpected waveform rate=%d n=%d", got.SampleRate, len(got.Samples))
	}
	for i := range w.Samples {
		if math.Abs(float64(w.Samples[i]-got.Samples[i])) > 1e-3 {
			t.Fatalf("sample %d differs: %f vs %f", i, w.Samples[i], got.Samples[i])
		}
	}
	if got.Duration() != 0.1 {
		t.Fatalf("unexpected duration %f", got.Duration())
	}
}

func TestReadWAVStereoDownmixAndExtraChunks(t *testing.T) {
	var data bytes.Buffer
	for _, pair := range [][2]int16{{16384, 0}, {-16384, -16384}} {
		_ = binary.Write(&data, binary.LittleEndian, pair)
	}
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{1, 2, 3, 0})
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, fmtChunk{Format: formatPCM, Channels: 2, SampleRate: 16000, ByteRate: 64000, BlockAlign: 4, BitsPerSample: 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())

	w, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if w.SampleRate != 16000 || len(w.Samples) != 2 {
		t.Fatalf("unexpected waveform %+v", w)
	}
	if w.Samples[0] != 0.25 || w.Samples[1] != -0.5 {
		t.Fatalf("unexpected downmix %v", w.Samples)
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("hello world, not audio"))); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestExtractFrameCountAndPeak(t *testing.T) {
	cfg := DefaultFeatureConfig()
	cfg.CMVN = false
	ext, err := NewExtractor(cfg)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	pcm := sine(1000, 8000, 8000)
	frames := ext.Extract(pcm)
	// 160-sample windows every 80 samples.
	if want := (8000-160)/80 + 1; len(frames) != want || cfg.NumFrames(8000) != want {
		t.Fatalf("expected %d frames, got %d", want, len(frames))
	}
	if len(frames[0]) != 40 {
		t.Fatalf("expected 40 mels, got %d", len(frames[0]))
	}
	best := model.Argmax(frames[10])
	peakBin := 1000 * cfg.FFTSize / cfg.SampleRate
	if ext.melBank[best][peakBin] == 0 {
		t.Fatalf("loudest filter %d does not cover the 1 kHz bin", best)
	}
	for _, row := range frames {
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("non-finite feature %v", v)
			}
		}
	}
	if got := ext.Extract(pcm[:100]); got != nil {
		t.Fatalf("expected no frames for audio shorter than a window")
	}
}

func TestCMVN(t *testing.T) {
	frames := [][]float32{{1, 5}, {3, 5}, {5, 5}}
	CMVN(frames)
	var sum float32
	for _, f := range frames {
		sum += f[0]
		if f[1] != 0 {
			t.Fatalf("constant dimension should normalize to 0, got %v", f[1])
		}
	}
	if math.Abs(float64(sum)) > 1e-5 || frames[2][0] <= 1 {
		t.Fatalf("unexpected normalized column %v", frames)
	}
}

func TestNewExtractorValidation(t *testing.T) {
	cfg := DefaultFeatureConfig()
	cfg.FFTSize = 100
	if _, err := NewExtractor(cfg); err == nil {
		t.Fatalf("expected error for non power-of-two fft size")
	}
	cfg = DefaultFeatureConfig()
	cfg.FFTSize = 128
	if _, err := NewExtractor(cfg); err == nil {
		t.Fatalf("expected error for fft smaller than the window")
	}
}

func TestResample(t *testing.T) {
	w := &Waveform{SampleRate: 8000, Samples: sine(300, 8000, 400)}
	same, err := Resample(w, 8000)
	if err != nil || len(same.Samples) != 400 {
		t.Fatalf("same-rate resample changed audio: %v", err)
	}
	down, err := Resample(&Waveform{SampleRate: 16000, Samples: sine(300, 16000, 16000)}, 8000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if down.SampleRate != 8000 {
		t.Fatalf("unexpected rate %d", down.SampleRate)
	}
	for _, n := range []int{160, 1600, 16000} {
		in := make([]float32, n)
		for i := range in {
			in[i] = 0.25
		}
		out, err := Resample(&Waveform{SampleRate: 16000, Samples: in}, 8000)
		if err != nil {
			t.Fatalf("resample %d: %v", n, err)
		}
		if got := len(out.Samples); got != n/2 {
			t.Fatalf("resampling %d samples gave %d, want %d", n, got, n/2)
		}
		if mid := out.Samples[len(out.Samples)/2]; n >= 16000 && math.Abs(float64(mid)-0.25) > 0.05 {
			t.Fatalf("resampling %d samples: midpoint %f, want about 0.25", n, mid)
		}
	}
	if got := ResampledLen(441, 44100, 8000); got != 80 {
		t.Fatalf("ResampledLen = %d, want 80", got)
	}
	if _, err := Resample(w, 0); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}
