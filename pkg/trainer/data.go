package trainer

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/dataset"
	"github.com/harunnryd/asrkit/pkg/model"
)

// Batcher yields the batches of one epoch.
type Batcher interface {
	Batches(ctx context.Context, epoch int) iter.Seq2[model.Batch, error]
	NumBatches() int
}

// DataFunc builds the training and (optional, may be nil) validation
// batchers once the hyperparameters are known.
type DataFunc func(h model.Hyperparameters) (train, dev Batcher, err error)

// ManifestData reads the train and dev manifests under dc.Root. A missing
// dev manifest disables validation.
func ManifestData(dc config.DataConfig, fc audio.FeatureConfig) DataFunc {
	return func(h model.Hyperparameters) (Batcher, Batcher, error) {
		ext, err := audio.NewExtractor(fc)
		if err != nil {
			return nil, nil, err
		}
		load := func(name string, size int, shuffle bool) (*dataset.Loader, error) {
			utts, err := dataset.ReadManifest(filepath.Join(dc.Root, name))
			if err != nil {
				return nil, err
			}
			utts = dataset.Select(utts, fc, dataset.Selection{MinFrames: dc.MinFrames, Size: size, Seed: h.Seed})
			return dataset.NewLoader(utts, ext, dataset.LoaderOptions{
				BatchSize: h.BatchSize,
				Workers:   h.NumWorkers,
				Shuffle:   shuffle,
				Seed:      h.Seed,
			}), nil
		}
		train, err := load(dc.TrainManifest, dc.TrainSize, true)
		if err != nil {
			return nil, nil, err
		}
		if dc.DevManifest == "" {
			return train, nil, nil
		}
		if _, err := os.Stat(filepath.Join(dc.Root, dc.DevManifest)); errors.Is(err, os.ErrNotExist) {
			return train, nil, nil
		}
		dev, err := load(dc.DevManifest, dc.DevSize, false)
		if err != nil {
			return nil, nil, err
		}
		return train, dev, nil
	}
}
