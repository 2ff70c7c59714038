// Package datasettest writes small synthetic corpora for tests.
package datasettest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/dataset"
)

// Corpus describes a synthetic dataset.
type Corpus struct {
	Utterances int
	// Seconds of audio per utterance.
	Seconds   float64
	NumLabels int
	Features  audio.FeatureConfig
}

// Write creates wav and target files plus a manifest named name under dir
// and returns the manifest path. Utterance i is a tone whose pitch depends on
// i; its targets cycle through the labels.
func Write(dir, name string, c Corpus) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	rate := c.Features.SampleRate
	n := int(c.Seconds * float64(rate))
	frames := c.Features.NumFrames(n)
	utts := make([]dataset.Utterance, 0, c.Utterances)
	for i := 0; i < c.Utterances; i++ {
		id := fmt.Sprintf("%s-%03d", strings.TrimSuffix(name, filepath.Ext(name)), i)
		samples := make([]float32, n)
		freq := 300 + 150*float64(i%8)
		for j := range samples {
			samples[j] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(j)/float64(rate)))
		}
		wav := filepath.Join(dir, id+".wav")
		if err := audio.WriteWAVFile(wav, &audio.Waveform{SampleRate: rate, Samples: samples}); err != nil {
			return "", err
		}
		targets := make([]string, frames)
		for j := range targets {
			targets[j] = strconv.Itoa((i + j/10) % c.NumLabels)
		}
		phn := filepath.Join(dir, id+".phn")
		if err := os.WriteFile(phn, []byte(strings.Join(targets, "\n")+"\n"), 0o644); err != nil {
			return "", err
		}
		utts = append(utts, dataset.Utterance{ID: id, WavPath: wav, Samples: n, TargetPath: phn, NumTargets: frames})
	}
	path := filepath.Join(dir, name)
	if err := dataset.WriteManifest(path, utts); err != nil {
		return "", err
	}
	return path, nil
}
