// Package predictor transcribes audio files with a trained checkpoint: it
// restores the model, extracts features, runs the forward pass and hands the
// emissions to the decoder.
package predictor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/checkpoint"
	"github.com/harunnryd/asrkit/pkg/decoder"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/metrics"
	"github.com/harunnryd/asrkit/pkg/model"
)

type Config struct {
	Registry *model.Registry
	Decoder  decoder.Decoder

	// NumLabels is the emission width the decoding graph expects.
	NumLabels int
	Features  audio.FeatureConfig

	// CheckpointDir resolves bare checkpoint names.
	CheckpointDir string
	Observer      metrics.Observer
	Logger        *slog.Logger
}

// Result is the outcome for one audio file in batch mode.
type Result struct {
	AudioPath     string
	Transcription decoder.Transcription
	Err           error
}

type Predictor struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Predictor {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Predictor{cfg: cfg, log: log}
}

// session is a model restored from a checkpoint, ready for inference.
type session struct {
	m     model.Model
	ext   *audio.Extractor
	runID string
}

func (s *session) Close() {
	if c, ok := s.m.(io.Closer); ok {
		_ = c.Close()
	}
}

// VerifyCheckpoint resolves ref and checks that the checkpoint belongs to
// modelName. No model is constructed.
func VerifyCheckpoint(reg *model.Registry, modelName, ref, dir string) (*checkpoint.Checkpoint, string, error) {
	d, err := reg.Describe(modelName)
	if err != nil {
		return nil, "", err
	}
	path, err := checkpoint.Resolve(ref, dir)
	if err != nil {
		return nil, "", err
	}
	ckpt, err := checkpoint.LoadFor(path, d.Name)
	if err != nil {
		return nil, "", err
	}
	return ckpt, path, nil
}

// open resolves the model and restores the checkpoint. It fails before any
// audio is read or decoder invoked.
func (p *Predictor) open(modelName, checkpointRef string) (*session, error) {
	ckpt, path, err := VerifyCheckpoint(p.cfg.Registry, modelName, checkpointRef, p.cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	m, d, err := p.cfg.Registry.Resolve(modelName)
	if err != nil {
		return nil, err
	}
	// The network shape comes from the checkpoint; flags cannot change it.
	h, err := model.ResolveHyperparameters(d, ckpt.Hyperparameters)
	if err != nil {
		return nil, err
	}
	s := &session{m: m}
	if err := m.Initialize(h); err != nil {
		s.Close()
		return nil, errorsx.Wrap(fmt.Errorf("initialize %s: %w", d.Name, err), errorsx.ReasonModelBackend)
	}
	if err := checkpoint.Restore(path, ckpt, m); err != nil {
		s.Close()
		return nil, err
	}
	ext, err := audio.NewExtractor(p.cfg.Features)
	if err != nil {
		s.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	s.ext = ext
	s.runID = uuid.NewString()
	p.log.Info("checkpoint loaded",
		slog.String("model", d.Name),
		slog.String("path", path),
		slog.Int("epoch", ckpt.Epoch),
		slog.String("run_id", s.runID))
	return s, nil
}

// Predict transcribes a single audio file.
func (p *Predictor) Predict(ctx context.Context, modelName, checkpointRef, audioPath string) (decoder.Transcription, error) {
	s, err := p.open(modelName, checkpointRef)
	if err != nil {
		return decoder.Transcription{}, err
	}
	defer s.Close()
	return p.transcribe(ctx, s, audioPath)
}

// PredictAll transcribes every file with one restored model. A failing file
// is recorded in its Result and the rest still run; only a checkpoint or
// model failure stops the batch.
func (p *Predictor) PredictAll(ctx context.Context, modelName, checkpointRef string, audioPaths []string) ([]Result, error) {
	s, err := p.open(modelName, checkpointRef)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	results := make([]Result, 0, len(audioPaths))
	for _, path := range audioPaths {
		if err := ctx.Err(); err != nil {
			return results, errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		tr, err := p.transcribe(ctx, s, path)
		results = append(results, Result{AudioPath: path, Transcription: tr, Err: err})
		if err != nil {
			p.log.Warn("utterance failed", slog.String("audio", path), slog.String("error", err.Error()))
			if model.IsFatal(err) {
				return results, err
			}
		}
	}
	return results, nil
}

func uttID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (p *Predictor) transcribe(ctx context.Context, s *session, audioPath string) (decoder.Transcription, error) {
	start := time.Now()
	id := uttID(audioPath)
	w, err := audio.ReadWAVFile(audioPath)
	if err != nil {
		return decoder.Transcription{}, errorsx.Wrap(fmt.Errorf("read audio: %w", err), errorsx.ReasonDataset)
	}
	feats, err := s.ext.FromWaveform(w)
	if err != nil {
		return decoder.Transcription{}, errorsx.Wrap(fmt.Errorf("%s: %w", id, err), errorsx.ReasonDataset)
	}
	if len(feats) == 0 {
		return decoder.Transcription{}, errorsx.Errorf(errorsx.ReasonDataset, "%s: audio shorter than one analysis window", id)
	}

	out, err := s.m.Forward(ctx, model.Batch{Samples: []model.Sample{{ID: id, Features: feats}}}, model.ModeEval)
	if err != nil {
		return decoder.Transcription{}, errorsx.Wrap(fmt.Errorf("forward %s: %w", id, err), errorsx.ReasonModelBackend)
	}
	if len(out.Emissions) != 1 || len(out.Emissions[0]) == 0 {
		return decoder.Transcription{}, decoder.Failed(id, fmt.Errorf("model returned no emissions"))
	}
	em := out.Emissions[0]
	if got := len(em[0]); got != p.cfg.NumLabels {
		return decoder.Transcription{}, decoder.Failed(id, fmt.Errorf("model emits %d labels, graph expects %d", got, p.cfg.NumLabels))
	}

	tr, err := p.cfg.Decoder.Decode(ctx, id, em)
	if err != nil {
		return decoder.Transcription{}, err
	}
	elapsed := time.Since(start)
	p.cfg.Observer.RecordEvent(metrics.Event{
		Name:   "predict/latency_ms",
		Time:   time.Now(),
		Value:  float64(elapsed.Milliseconds()),
		Tags:   map[string]string{"run_id": s.runID, "utt_id": id},
		Fields: map[string]any{"frames": len(em), "words": len(tr.Words)},
	})
	p.log.Info("transcribed", slog.String("utt_id", id), slog.String("text", tr.Text()), slog.Duration("elapsed", elapsed))
	return tr, nil
}
