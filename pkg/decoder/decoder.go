// Package decoder defines how per-frame emissions become words: the Decoder
// contract, the decoding graph artifacts it searches, and DecodingError.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/labels"
)

// Transcription is the best path for one utterance.
type Transcription struct {
	UttID string
	Words []string
}

func (t Transcription) Text() string { return strings.Join(t.Words, " ") }

// Decoder searches the decoding graph for the best word sequence given
// frames x labels log posteriors.
type Decoder interface {
	Decode(ctx context.Context, uttID string, emissions [][]float32) (Transcription, error)
}

// DecodingError reports a decoder or graph failure for one utterance.
type DecodingError struct {
	UttID string
	Err   error
}

func (e *DecodingError) Error() string {
	if e.UttID == "" {
		return "decoding: " + e.Err.Error()
	}
	return fmt.Sprintf("decoding %s: %v", e.UttID, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Failed wraps err as a DecodingError tagged for exit-code mapping.
func Failed(uttID string, err error) error {
	return errorsx.Wrap(&DecodingError{UttID: uttID, Err: err}, errorsx.ReasonDecoding)
}

// Graph holds the read-only artifacts produced by the graph build.
type Graph struct {
	Tokens          *labels.Table
	Words           *labels.Table
	WordsPath       string
	HCLGPath        string
	TransitionModel string
}

// NumLabels is the emission width the graph expects.
func (g *Graph) NumLabels() int { return g.Tokens.NumLabels() }

// LoadGraph reads the symbol tables and checks the binary artifacts exist.
// A missing artifact is a configuration error: the graph has not been built.
// An unreadable one is a DecodingError.
func LoadGraph(cfg config.GraphConfig) (*Graph, error) {
	for _, p := range []string{cfg.TokensPath(), cfg.WordsPath(), cfg.HCLGPath(), cfg.ModelPath()} {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return nil, config.Invalid("graph.dir", "%s is missing; run `asrkit build` first", p)
		} else if err != nil {
			return nil, Failed("", fmt.Errorf("graph artifact: %w", err))
		}
	}
	tokens, err := labels.ReadFile(cfg.TokensPath())
	if err != nil {
		return nil, Failed("", fmt.Errorf("token list: %w", err))
	}
	words, err := labels.ReadFile(cfg.WordsPath())
	if err != nil {
		return nil, Failed("", fmt.Errorf("word table: %w", err))
	}
	return &Graph{
		Tokens:          tokens,
		Words:           words,
		WordsPath:       cfg.WordsPath(),
		HCLGPath:        cfg.HCLGPath(),
		TransitionModel: cfg.ModelPath(),
	}, nil
}
