package dataset

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/model"
	"golang.org/x/sync/errgroup"
)

// BatchError reports a batch that could not be assembled.
type BatchError struct {
	Index int
	IDs   []string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%s): %v", e.Index, strings.Join(e.IDs, ","), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize int
	// Workers bounds concurrent feature extraction within a batch.
	Workers int
	Shuffle bool
	Seed    int64
}

// Loader yields batches of extracted samples.
type Loader struct {
	utts []Utterance
	ext  *audio.Extractor
	opts LoaderOptions
}

func NewLoader(utts []Utterance, ext *audio.Extractor, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{utts: utts, ext: ext, opts: opts}
}

func (l *Loader) Len() int { return len(l.utts) }

func (l *Loader) NumBatches() int {
	return (len(l.utts) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches iterates one epoch. A batch that fails to load is yielded with a
// *BatchError so the caller can skip it; iteration stops when ctx is done.
// The shuffle order depends only on the seed and epoch.
func (l *Loader) Batches(ctx context.Context, epoch int) iter.Seq2[model.Batch, error] {
	return func(yield func(model.Batch, error) bool) {
		order := make([]int, len(l.utts))
		for i := range order {
			order[i] = i
		}
		if l.opts.Shuffle {
			rng := rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(epoch)))
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for index, start := 0, 0; start < len(order); index, start = index+1, start+l.opts.BatchSize {
			if ctx.Err() != nil {
				return
			}
			end := min(start+l.opts.BatchSize, len(order))
			utts := make([]Utterance, 0, end-start)
			for _, i := range order[start:end] {
				utts = append(utts, l.utts[i])
			}
			b, err := l.load(ctx, index, utts)
			if !yield(b, err) {
				return
			}
		}
	}
}

func (l *Loader) load(ctx context.Context, index int, utts []Utterance) (model.Batch, error) {
	b := model.Batch{Index: index, Samples: make([]model.Sample, len(utts))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, u := range utts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := LoadSample(l.ext, u)
			if err != nil {
				return err
			}
			b.Samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ids := make([]string, len(utts))
		for i, u := range utts {
			ids[i] = u.ID
		}
		return model.Batch{Index: index}, errorsx.Wrap(&BatchError{Index: index, IDs: ids, Err: err}, errorsx.ReasonDataset)
	}
	return b, nil
}

// LoadSample reads u's audio, extracts features, and aligns them to the
// per-frame targets when u has any: extra frames are dropped and missing
// ones are zero-filled.
func LoadSample(ext *audio.Extractor, u Utterance) (model.Sample, error) {
	w, err := audio.ReadWAVFile(u.WavPath)
	if err != nil {
		return model.Sample{}, fmt.Errorf("%s: %w", u.ID, err)
	}
	feats, err := ext.FromWaveform(w)
	if err != nil {
		return model.Sample{}, fmt.Errorf("%s: %w", u.ID, err)
	}
	if len(feats) == 0 {
		return model.Sample{}, fmt.Errorf("%s: audio shorter than one analysis window", u.ID)
	}
	s := model.Sample{ID: u.ID, Features: feats}
	if u.TargetPath == "" {
		return s, nil
	}
	targets, err := ReadTargets(u.TargetPath)
	if err != nil {
		return model.Sample{}, fmt.Errorf("%s: %w", u.ID, err)
	}
	s.Targets = targets
	s.Features = Align(feats, len(targets))
	return s, nil
}

// Align truncates or zero-pads frames to n rows.
func Align(frames [][]float32, n int) [][]float32 {
	if len(frames) >= n {
		return frames[:n]
	}
	dim := 0
	if len(frames) > 0 {
		dim = len(frames[0])
	}
	for len(frames) < n {
		frames = append(frames, make([]float32, dim))
	}
	return frames
}

// ReadTargets reads whitespace-separated integer labels, one per frame.
func ReadTargets(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%s: target %d: %q is not an integer", path, i, f)
		}
		out[i] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no targets", path)
	}
	return out, nil
}
