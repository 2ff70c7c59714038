package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Waveform is mono audio normalized to [-1, 1].
type Waveform struct {
	SampleRate int
	Samples    []float32
}

// Duration in seconds.
func (w *Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

const (
	formatPCM   = 1
	formatFloat = 3
	formatExt   = 0xfffe
)

type fmtChunk struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w, err := ReadWAV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// ReadWAV decodes 8/16/24/32-bit PCM or 32-bit float WAV data. Multi-channel
// audio is averaged down to mono.
func ReadWAV(r io.Reader) (*Waveform, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, ErrNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var format *fmtChunk
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.New("wav: no data chunk")
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: fmt chunk too short (%d)", size)
			}
			var fc fmtChunk
			if err := binary.Read(r, binary.LittleEndian, &fc); err != nil {
				return nil, fmt.Errorf("wav: fmt chunk: %w", err)
			}
			if err := skip(r, int64(size)-16+int64(size&1)); err != nil {
				return nil, err
			}
			format = &fc
		case "data":
			if format == nil {
				return nil, errors.New("wav: data chunk before fmt chunk")
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("wav: data chunk: %w", err)
			}
			return decodeSamples(format, data[:n])
		default:
			if err := skip(r, int64(size)+int64(size&1)); err != nil {
				return nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("wav: truncated chunk: %w", err)
	}
	return nil
}

func decodeSamples(fc *fmtChunk, data []byte) (*Waveform, error) {
	if fc.Channels == 0 || fc.SampleRate == 0 {
		return nil, errors.New("wav: zero channels or sample rate")
	}
	width := int(fc.BitsPerSample) / 8
	if width == 0 {
		return nil, fmt.Errorf("wav: unsupported bits per sample %d", fc.BitsPerSample)
	}
	var sample func(b []byte) float32
	switch {
	case fc.Format == formatFloat && width == 4:
		sample = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case fc.Format == formatPCM || fc.Format == formatExt:
		switch width {
		case 1:
			sample = func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }
		case 2:
			sample = func(b []byte) float32 { return float32(int16(binary.LittleEndian.Uint16(b))) / 32768 }
		case 3:
			sample = func(b []byte) float32 {
				v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
				return float32(v) / 8388608
			}
		case 4:
			sample = func(b []byte) float32 { return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648 }
		}
	}
	if sample == nil {
		return nil, fmt.Errorf("wav: unsupported format %d with %d bits", fc.Format, fc.BitsPerSample)
	}

	channels := int(fc.Channels)
	frame := width * channels
	n := len(data) / frame
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := i*frame + c*width
			sum += sample(data[off : off+width])
		}
		out[i] = sum / float32(channels)
	}
	return &Waveform{SampleRate: int(fc.SampleRate), Samples: out}, nil
}

// WriteWAV encodes w as 16-bit mono PCM.
func WriteWAV(dst io.Writer, w *Waveform) error {
	dataSize := len(w.Samples) * 2
	bw := bufio.NewWriter(dst)
	hdr := []any{
		[4]byte{'R', 'I', 'F', 'F'}, uint32(36 + dataSize), [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16),
		fmtChunk{
			Format:        formatPCM,
			Channels:      1,
			SampleRate:    uint32(w.SampleRate),
			ByteRate:      uint32(w.SampleRate * 2),
			BlockAlign:    2,
			BitsPerSample: 16,
		},
		[4]byte{'d', 'a', 't', 'a'}, uint32(dataSize),
	}
	for _, v := range hdr {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	buf := make([]byte, 2)
	for _, s := range w.Samples {
		binary.LittleEndian.PutUint16(buf, uint16(floatToInt16(s)))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteWAVFile writes w to path as 16-bit mono PCM.
func WriteWAVFile(path string, w *Waveform) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, w); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	}
	return int16(s * 32767)
}
