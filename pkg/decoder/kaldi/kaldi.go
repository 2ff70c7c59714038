// Package kaldi decodes emissions with Kaldi's lattice-generation decoder,
// run as a subprocess per utterance.
package kaldi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/decoder"
	"github.com/harunnryd/asrkit/pkg/resilience"
)

var (
	ErrEmptyOutput = errors.New("decoder produced no best path")
	ErrUnknownWord = errors.New("decoder returned an unknown word id")
)

// Options mirror the decoder's search flags.
type Options struct {
	Binary        string
	AcousticScale float64
	Beam          float64
	LatticeBeam   float64
	MaxActive     int
	Retries       int
	RetryBackoff  time.Duration
	// Timeout bounds one decoder run; zero means none.
	Timeout time.Duration
	Logger  *slog.Logger
}

// OptionsFrom maps the configuration sections onto decoder options.
func OptionsFrom(tc config.ToolchainConfig, dc config.DecoderConfig) Options {
	return Options{
		Binary:        tc.DecoderPath(),
		AcousticScale: dc.AcousticScale,
		Beam:          dc.Beam,
		LatticeBeam:   dc.LatticeBeam,
		MaxActive:     dc.MaxActive,
		Retries:       dc.Retries,
		RetryBackoff:  time.Duration(dc.RetryBackoffMS) * time.Millisecond,
		Timeout:       time.Duration(dc.TimeoutMS) * time.Millisecond,
	}
}

// Decoder runs latgen-faster-mapped against a graph.
type Decoder struct {
	opts    Options
	graph   *decoder.Graph
	retry   resilience.RetryPolicy
	log     *slog.Logger
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New(graph *decoder.Graph, opts Options) *Decoder {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	retry := resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff)
	retry.Retryable = func(err error) bool {
		var exitErr *exec.ExitError
		return errors.As(err, &exitErr)
	}
	return &Decoder{opts: opts, graph: graph, retry: retry, log: log, command: exec.CommandContext}
}

// Args returns the decoder command line, excluding the binary.
func (d *Decoder) Args() []string {
	return []string{
		"--acoustic-scale=" + strconv.FormatFloat(d.opts.AcousticScale, 'g', -1, 64),
		"--beam=" + strconv.FormatFloat(d.opts.Beam, 'g', -1, 64),
		"--lattice-beam=" + strconv.FormatFloat(d.opts.LatticeBeam, 'g', -1, 64),
		"--max-active=" + strconv.Itoa(d.opts.MaxActive),
		"--allow-partial=true",
		"--word-symbol-table=" + d.graph.WordsPath,
		d.graph.TransitionModel,
		d.graph.HCLGPath,
		"ark:-",
		"ark:/dev/null",
		"ark,t:-",
	}
}

func (d *Decoder) Decode(ctx context.Context, uttID string, emissions [][]float32) (decoder.Transcription, error) {
	if len(emissions) == 0 {
		return decoder.Transcription{}, decoder.Failed(uttID, errors.New("no emission frames"))
	}
	var input bytes.Buffer
	if err := WriteMatrix(&input, uttID, emissions); err != nil {
		return decoder.Transcription{}, decoder.Failed(uttID, err)
	}

	var out []byte
	err := d.retry.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			d.log.Warn("retrying decoder", slog.String("utt_id", uttID), slog.Int("attempt", attempt))
		}
		var err error
		out, err = d.run(ctx, input.Bytes())
		return err
	})
	if err != nil {
		return decoder.Transcription{}, decoder.Failed(uttID, err)
	}

	ids, err := parseBestPath(out, uttID)
	if err != nil {
		return decoder.Transcription{}, decoder.Failed(uttID, err)
	}
	words, err := d.graph.Words.Lookup(ids)
	if err != nil {
		return decoder.Transcription{}, decoder.Failed(uttID, fmt.Errorf("%w: %v", ErrUnknownWord, err))
	}
	return decoder.Transcription{UttID: uttID, Words: words}, nil
}

func (d *Decoder) run(ctx context.Context, input []byte) ([]byte, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	cmd := d.command(ctx, d.opts.Binary, d.Args()...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", d.opts.Binary, err, lastLine(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WriteMatrix writes one Kaldi text-archive matrix entry.
func WriteMatrix(w io.Writer, key string, m [][]float32) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s  [", key)
	for _, row := range m {
		bw.WriteString("\n ")
		for _, v := range row {
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
	}
	bw.WriteString(" ]\n")
	return bw.Flush()
}

// parseBestPath reads "uttid id id ..." lines and returns the ids for uttID.
func parseBestPath(out []byte, uttID string) ([]int, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != uttID {
			continue
		}
		ids := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("malformed decoder output %q", sc.Text())
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	return nil, ErrEmptyOutput
}
