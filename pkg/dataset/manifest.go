// Package dataset loads utterance manifests and turns them into batches of
// feature frames aligned with their per-frame targets.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

// Utterance is one manifest row: uttid,wav,samples[,targets,num_targets,transcript].
type Utterance struct {
	ID             string
	WavPath        string
	Samples        int
	TargetPath     string
	NumTargets     int
	TranscriptPath string
}

// ReadManifest parses a manifest CSV. Relative paths are resolved against
// the manifest's directory.
func ReadManifest(path string) ([]Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open manifest: %w", err), errorsx.ReasonDataset)
	}
	defer f.Close()
	utts, err := parseManifest(f, filepath.Dir(path))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.ReasonDataset)
	}
	return utts, nil
}

func parseManifest(r io.Reader, base string) ([]Utterance, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []Utterance
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: want at least uttid,wav,samples", line)
		}
		samples, err := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err != nil || samples < 0 {
			return nil, fmt.Errorf("line %d: invalid sample count %q", line, rec[2])
		}
		u := Utterance{ID: strings.TrimSpace(rec[0]), WavPath: resolve(base, rec[1]), Samples: samples}
		if u.ID == "" {
			return nil, fmt.Errorf("line %d: empty uttid", line)
		}
		if len(rec) > 3 {
			u.TargetPath = resolve(base, rec[3])
		}
		if len(rec) > 4 && strings.TrimSpace(rec[4]) != "" {
			if u.NumTargets, err = strconv.Atoi(strings.TrimSpace(rec[4])); err != nil {
				return nil, fmt.Errorf("line %d: invalid target count %q", line, rec[4])
			}
		}
		if len(rec) > 5 {
			u.TranscriptPath = resolve(base, rec[5])
		}
		out = append(out, u)
	}
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// WriteManifest writes utts in manifest order.
func WriteManifest(path string, utts []Utterance) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, u := range utts {
		rec := []string{u.ID, u.WavPath, strconv.Itoa(u.Samples), u.TargetPath, strconv.Itoa(u.NumTargets), u.TranscriptPath}
		if err := w.Write(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Selection narrows a manifest before training.
type Selection struct {
	// MinFrames drops utterances that do not exceed this many feature frames.
	MinFrames int
	// Size keeps a random subset of this many utterances; 0 keeps all.
	Size int
	Seed int64
}

// Select applies sel to utts. The frame count is derived from the sample
// count so no audio is read.
func Select(utts []Utterance, feat audio.FeatureConfig, sel Selection) []Utterance {
	out := make([]Utterance, 0, len(utts))
	for _, u := range utts {
		if feat.NumFrames(u.Samples) > sel.MinFrames {
			out = append(out, u)
		}
	}
	if sel.Size > 0 && sel.Size < len(out) {
		rng := rand.New(rand.NewPCG(uint64(sel.Seed), 0))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:sel.Size]
	}
	return out
}
