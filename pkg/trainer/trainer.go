// Package trainer drives a model through epochs of batches: it resolves the
// model, optionally resumes it from a checkpoint, writes checkpoints by
// policy, streams scalar metrics, and saves a best-effort checkpoint when
// the run is cancelled.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/asrkit/pkg/checkpoint"
	"github.com/harunnryd/asrkit/pkg/dataset"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/metrics"
	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/harunnryd/asrkit/pkg/observers"
)

// ErrCancelled is returned, tagged with the cancelled reason, when the
// context ends the run.
var ErrCancelled = errors.New("training cancelled")

// ErrNoUsableBatches aborts a run whose epoch produced no successful batch.
var ErrNoUsableBatches = errors.New("no batch in the epoch could be trained")

// CheckpointPolicy decides when and where checkpoints are written.
type CheckpointPolicy struct {
	Dir string
	// EveryEpochs writes after every n-th epoch; the last epoch is always written.
	EveryEpochs int
	// EverySteps writes every n optimizer steps; 0 disables.
	EverySteps int
	// KeepLast prunes older checkpoints of the same prefix; 0 keeps all.
	KeepLast int
	// MaxAge purges checkpoint files older than this; 0 disables.
	MaxAge time.Duration
}

// Config wires the trainer's collaborators. It is built once per process.
type Config struct {
	Registry   *model.Registry
	Data       DataFunc
	Checkpoint CheckpointPolicy
	// Observer receives every metric event.
	Observer metrics.Observer
	// Visualizer receives metric events through a non-blocking queue when a
	// run asks for visualization.
	Visualizer       metrics.Observer
	VisualizerBuffer int
	Listeners        []PhaseListener
	Logger           *slog.Logger
}

// TrainOptions selects what one run trains.
type TrainOptions struct {
	Model string
	// Hyper layers are merged over the model defaults, later layers winning.
	Hyper      []map[string]any
	ResumeFrom string
	Visualize  bool
	// Prefix names checkpoint files; the model name by default.
	Prefix string
}

// Result summarizes a run, including a failed or cancelled one.
type Result struct {
	RunID          string
	Model          string
	Phase          Phase
	Hyper          model.Hyperparameters
	Epoch          int
	Step           int64
	BestValidAcc   float64
	LastAvgLoss    float64
	SkippedBatches int
	ResumedFrom    string
	Checkpoints    []string
}

type Trainer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Trainer {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Checkpoint.EveryEpochs <= 0 {
		cfg.Checkpoint.EveryEpochs = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{cfg: cfg, log: log}
}

// run is the mutable state of one Train call.
type run struct {
	*Trainer
	lc     *lifecycle
	m      model.Model
	hp     model.Hyperparameters
	prefix string
	state  State
	res    *Result
	obs    metrics.Observer
	tags   map[string]string
	log    *slog.Logger
}

// Train runs opts to completion, cancellation or failure. The returned
// Result is populated in every case.
func (t *Trainer) Train(ctx context.Context, opts TrainOptions) (Result, error) {
	res := Result{RunID: uuid.NewString(), Model: opts.Model}
	lc := newLifecycle(t.cfg.Listeners)
	r := &run{Trainer: t, lc: lc, res: &res}
	err := r.train(ctx, opts)
	res.Phase = lc.Phase()
	return res, err
}

func (r *run) fail(err error) error {
	r.lc.finish(PhaseFailed, err.Error())
	r.log.Error("training failed", slog.String("error", err.Error()))
	return err
}

func (r *run) train(ctx context.Context, opts TrainOptions) error {
	r.log = r.Trainer.log.With(slog.String("run_id", r.res.RunID), slog.String("model", opts.Model))
	if err := r.lc.Transition(PhaseLoading, "resolve model"); err != nil {
		return err
	}

	m, d, err := r.cfg.Registry.Resolve(opts.Model)
	if err != nil {
		return r.fail(err)
	}
	r.m = m
	r.res.Model = d.Name
	if c, ok := m.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				r.log.Warn("close model", slog.String("error", err.Error()))
			}
		}()
	}

	hp, err := model.ResolveHyperparameters(d, opts.Hyper...)
	if err != nil {
		return r.fail(err)
	}
	r.hp = hp
	r.res.Hyper = hp
	r.prefix = opts.Prefix
	if r.prefix == "" {
		r.prefix = d.Name
	}

	// Read and verify the checkpoint tag before anything is built.
	var ckpt *checkpoint.Checkpoint
	var ckptPath string
	if opts.ResumeFrom != "" {
		ckptPath, err = checkpoint.Resolve(opts.ResumeFrom, r.cfg.Checkpoint.Dir)
		if err != nil {
			return r.fail(err)
		}
		if ckpt, err = checkpoint.LoadFor(ckptPath, d.Name); err != nil {
			return r.fail(err)
		}
	}

	if err := m.Initialize(hp); err != nil {
		return r.fail(errorsx.Wrap(fmt.Errorf("initialize %s: %w", d.Name, err), errorsx.ReasonModelBackend))
	}
	if ckpt != nil {
		if err := r.lc.Transition(PhaseResuming, ckptPath); err != nil {
			return r.fail(err)
		}
		st, err := Resume(ckptPath, ckpt, m)
		if err != nil {
			return r.fail(err)
		}
		r.state = st
		r.res.ResumedFrom = ckptPath
		r.log.Info("resumed from checkpoint",
			slog.String("path", ckptPath),
			slog.Int("epoch", st.Epoch),
			slog.Int64("step", st.Step),
			slog.String("parent_run_id", st.ParentRunID))
	}
	r.res.Epoch, r.res.Step, r.res.BestValidAcc = r.state.Epoch, r.state.Step, r.state.BestValidAcc

	train, dev, err := r.cfg.Data(hp)
	if err != nil {
		return r.fail(errorsx.Wrap(fmt.Errorf("load data: %w", err), errorsx.ReasonDataset))
	}

	r.tags = map[string]string{"run_id": r.res.RunID, "model": d.Name}
	r.obs = r.cfg.Observer
	if opts.Visualize && r.cfg.Visualizer != nil {
		async := metrics.NewAsyncObserver(r.cfg.Visualizer, r.cfg.VisualizerBuffer)
		r.obs = observers.NewMultiObserver(r.cfg.Observer, async)
		defer func() {
			if err := async.Close(); err != nil {
				r.log.Warn("close visualization", slog.String("error", err.Error()))
			}
			if n := async.Dropped(); n > 0 {
				r.log.Warn("visualization events dropped", slog.Int64("count", n))
			}
		}()
	}

	if err := r.lc.Transition(PhaseRunning, "start epochs"); err != nil {
		return r.fail(err)
	}
	r.log.Info("training started",
		slog.Int("from_epoch", r.state.Epoch+1),
		slog.Int("num_epochs", hp.NumEpochs),
		slog.Int("batch_size", hp.BatchSize),
		slog.Float64("init_lr", hp.InitLR),
		slog.Int("batches_per_epoch", train.NumBatches()))
	if r.state.Epoch >= hp.NumEpochs {
		r.log.Info("checkpoint already covers every epoch", slog.Int("epoch", r.state.Epoch))
	}

	for epoch := r.state.Epoch + 1; epoch <= hp.NumEpochs; epoch++ {
		avg, err := r.trainEpoch(ctx, train, epoch)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt()
			}
			return r.fail(err)
		}
		r.state.Epoch = epoch
		r.res.Epoch = epoch
		r.res.LastAvgLoss = avg
		r.record("train/avg_loss", int64(epoch), avg)

		var acc float64
		if dev != nil {
			acc, err = r.validate(ctx, dev, epoch)
			if err != nil {
				if ctx.Err() != nil {
					return r.interrupt()
				}
				return r.fail(err)
			}
			if acc > r.state.BestValidAcc {
				r.state.BestValidAcc = acc
				r.res.BestValidAcc = acc
			}
			r.record("dev/accuracy", int64(epoch), acc)
		}
		if dev != nil {
			r.log.Info(fmt.Sprintf("epoch %03d: avg_loss %.6f val_accuracy %.6f", epoch, avg, acc),
				slog.Int("epoch", epoch), slog.Float64("avg_loss", avg), slog.Float64("val_accuracy", acc))
		} else {
			r.log.Info(fmt.Sprintf("epoch %03d: avg_loss %.6f", epoch, avg),
				slog.Int("epoch", epoch), slog.Float64("avg_loss", avg))
		}

		if epoch%r.cfg.Checkpoint.EveryEpochs == 0 || epoch == hp.NumEpochs {
			if err := r.checkpoint(checkpoint.EpochName(r.prefix, epoch), epoch == hp.NumEpochs); err != nil {
				return r.fail(err)
			}
		}
	}

	r.lc.finish(PhaseSucceeded, "epochs complete")
	r.log.Info("training finished",
		slog.Int("epoch", r.state.Epoch),
		slog.Int64("step", r.state.Step),
		slog.Float64("best_valid_acc", r.state.BestValidAcc),
		slog.Int("skipped_batches", r.res.SkippedBatches))
	return nil
}

func (r *run) trainEpoch(ctx context.Context, train Batcher, epoch int) (float64, error) {
	var lossSum float64
	var trained int
	for b, err := range train.Batches(ctx, epoch) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err != nil {
			r.skip(epoch, b, err)
			continue
		}
		out, err := r.m.Forward(ctx, b, model.ModeTrain)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if model.IsFatal(err) {
				return 0, err
			}
			r.skip(epoch, b, err)
			continue
		}
		trained++
		lossSum += out.Loss
		r.state.Step++
		r.res.Step = r.state.Step
		r.record("train/loss", r.state.Step, out.Loss)

		if every := int64(r.cfg.Checkpoint.EverySteps); every > 0 && r.state.Step%every == 0 {
			// The epoch in progress is not complete yet.
			if err := r.checkpoint(checkpoint.StepName(r.prefix, r.state.Step), false); err != nil {
				return 0, err
			}
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if trained == 0 {
		return 0, errorsx.Wrap(fmt.Errorf("epoch %d: %w", epoch, ErrNoUsableBatches), errorsx.ReasonDataset)
	}
	return lossSum / float64(trained), nil
}

func (r *run) validate(ctx context.Context, dev Batcher, epoch int) (float64, error) {
	var correct, total int
	for b, err := range dev.Batches(ctx, epoch) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err != nil {
			r.skip(epoch, b, err)
			continue
		}
		out, err := r.m.Forward(ctx, b, model.ModeEval)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if model.IsFatal(err) {
				return 0, err
			}
			r.skip(epoch, b, err)
			continue
		}
		correct += out.Correct
		total += out.Total
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

func (r *run) skip(epoch int, b model.Batch, err error) {
	ids := b.IDs()
	var be *dataset.BatchError
	if errors.As(err, &be) {
		ids = be.IDs
	}
	r.res.SkippedBatches++
	r.log.Warn("skipping batch",
		slog.Int("epoch", epoch),
		slog.Int("batch", b.Index),
		slog.Any("utt_ids", ids),
		slog.String("error", err.Error()))
}

// checkpoint writes the current model state under name. A failure is fatal
// for the run.
func (r *run) checkpoint(name string, final bool) error {
	if err := r.lc.Transition(PhaseCheckpointing, name); err != nil {
		return err
	}
	if _, err := r.save(name); err != nil {
		return err
	}
	r.retain()
	if final {
		return nil
	}
	return r.lc.Transition(PhaseRunning, "checkpoint written")
}

func (r *run) save(name string) (string, error) {
	st, err := r.m.SaveState()
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("snapshot model state: %w", err), errorsx.ReasonCheckpointWrite)
	}
	path := filepath.Join(r.cfg.Checkpoint.Dir, name)
	err = checkpoint.Save(path, &checkpoint.Checkpoint{
		Model:           r.res.Model,
		RunID:           r.res.RunID,
		Epoch:           r.state.Epoch,
		Step:            r.state.Step,
		BestValidAcc:    r.state.BestValidAcc,
		Hyperparameters: r.hp.ToMap(),
		State:           st,
	})
	if err != nil {
		return "", err
	}
	r.res.Checkpoints = append(r.res.Checkpoints, path)
	r.log.Info("checkpoint written", slog.String("path", path), slog.Int("epoch", r.state.Epoch), slog.Int64("step", r.state.Step))
	return path, nil
}

func (r *run) retain() {
	removed, err := checkpoint.Prune(r.cfg.Checkpoint.Dir, r.prefix, r.cfg.Checkpoint.KeepLast)
	if err != nil {
		r.log.Warn("prune checkpoints", slog.String("error", err.Error()))
	}
	for _, p := range removed {
		r.log.Debug("checkpoint pruned", slog.String("path", p))
	}
	expired, err := checkpoint.Expire(r.cfg.Checkpoint.Dir, r.prefix, r.cfg.Checkpoint.MaxAge, time.Now())
	if err != nil {
		r.log.Warn("expire old checkpoints", slog.String("error", err.Error()))
	}
	if len(expired) > 0 {
		r.log.Info("expired old checkpoints", slog.Int("count", len(expired)))
	}
}

// interrupt writes the best-effort checkpoint after cancellation. Its own
// failure is only logged.
func (r *run) interrupt() error {
	r.log.Warn("training interrupted, saving checkpoint", slog.Int("epoch", r.state.Epoch), slog.Int64("step", r.state.Step))
	if _, err := r.save(checkpoint.InterruptedName(r.prefix)); err != nil {
		r.log.Warn("interrupted checkpoint not written", slog.String("error", err.Error()))
	}
	r.lc.finish(PhaseCancelled, "context done")
	return errorsx.Wrap(ErrCancelled, errorsx.ReasonCancelled)
}

func (r *run) record(name string, step int64, value float64) {
	r.obs.RecordEvent(metrics.Scalar(name, step, value, r.tags))
}
