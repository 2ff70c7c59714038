package dataset

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

// PrepareOptions point at a Kaldi recipe and the corpus directory built from it.
type PrepareOptions struct {
	// RecipeDir holds data/<Split>/{segments,wav.scp,text}.
	RecipeDir string
	Split     string
	// AlignmentDir holds ali.*.gz and the *.mdl they were made with; relative
	// paths are taken from RecipeDir.
	AlignmentDir  string
	AliToPhones   string
	TargetDir     string
	TrainManifest string
	DevManifest   string
	// MarginSamples pads every segment on both sides.
	MarginSamples int
	Workers       int
	Logger        *slog.Logger
}

// PrepareOptionsFrom maps the configuration sections onto prepare options.
func PrepareOptionsFrom(cfg config.Config) PrepareOptions {
	return PrepareOptions{
		RecipeDir:     cfg.Data.RecipeDir,
		Split:         cfg.Data.Split,
		AlignmentDir:  cfg.Data.AlignmentDir,
		AliToPhones:   cfg.Toolchain.AliToPhonesPath(),
		TargetDir:     cfg.Data.Root,
		TrainManifest: cfg.Data.TrainManifest,
		DevManifest:   cfg.Data.DevManifest,
		MarginSamples: audio.Samples(cfg.Features.WindowShift, cfg.Features.SampleRate) * cfg.Data.FrameMargin,
		Workers:       4,
	}
}

// PrepareReport counts what Run wrote.
type PrepareReport struct {
	Train int
	Dev   int
	// Skipped utterances lack audio inside the recording, a transcript or an alignment.
	Skipped int
}

// Preparer turns a Kaldi recipe's segments, transcripts and alignments into
// per-utterance wav/txt/phn files and the train and dev manifests.
type Preparer struct {
	opts    PrepareOptions
	log     *slog.Logger
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewPreparer(opts PrepareOptions) *Preparer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AlignmentDir != "" && !filepath.IsAbs(opts.AlignmentDir) {
		opts.AlignmentDir = filepath.Join(opts.RecipeDir, opts.AlignmentDir)
	}
	return &Preparer{opts: opts, log: log, command: exec.CommandContext}
}

type segment struct {
	uttID      string
	start, end float64
}

// Transcript is a normalized utterance text and the file it was written to.
type Transcript struct {
	Path string
	Text string
}

// Alignment is a written per-frame phone file.
type Alignment struct {
	Path   string
	Frames int
}

func (p *Preparer) dataDir() string { return filepath.Join(p.opts.RecipeDir, "data", p.opts.Split) }

// Run writes every utterance present in all three sources and splits them
// into the train and dev manifests.
func (p *Preparer) Run(ctx context.Context) (PrepareReport, error) {
	if info, err := os.Stat(p.dataDir()); err != nil || !info.IsDir() {
		return PrepareReport{}, config.Invalid("data.recipe_dir", "no recipe data at %s", p.dataDir())
	}
	if err := os.MkdirAll(p.opts.TargetDir, 0o755); err != nil {
		return PrepareReport{}, errorsx.Wrap(fmt.Errorf("create %s: %w", p.opts.TargetDir, err), errorsx.ReasonDataset)
	}
	start := time.Now()

	wavs, err := p.SplitWAV(ctx)
	if err != nil {
		return PrepareReport{}, err
	}
	texts, err := p.Transcripts()
	if err != nil {
		return PrepareReport{}, err
	}
	alis, err := p.Alignments(ctx)
	if err != nil {
		return PrepareReport{}, err
	}

	ids := make([]string, 0, len(wavs))
	for id := range wavs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var rep PrepareReport
	var train, dev []Utterance
	for _, id := range ids {
		txt, okTxt := texts[id]
		ali, okAli := alis[id]
		if !okTxt || !okAli {
			rep.Skipped++
			continue
		}
		u := wavs[id]
		u.TranscriptPath = p.rel(txt.Path)
		u.TargetPath = p.rel(ali.Path)
		u.NumTargets = ali.Frames
		if IsDevUtterance(id) {
			dev = append(dev, u)
		} else {
			train = append(train, u)
		}
	}
	if err := p.writeManifest(p.opts.TrainManifest, train); err != nil {
		return PrepareReport{}, err
	}
	if err := p.writeManifest(p.opts.DevManifest, dev); err != nil {
		return PrepareReport{}, err
	}
	rep.Train, rep.Dev = len(train), len(dev)
	p.log.Info("data preparation finished",
		slog.Int("train", rep.Train), slog.Int("dev", rep.Dev), slog.Int("skipped", rep.Skipped),
		slog.Duration("elapsed", time.Since(start)))
	return rep, nil
}

func (p *Preparer) writeManifest(name string, utts []Utterance) error {
	if err := WriteManifest(filepath.Join(p.opts.TargetDir, name), utts); err != nil {
		return errorsx.Wrap(fmt.Errorf("write manifest %s: %w", name, err), errorsx.ReasonDataset)
	}
	return nil
}

// SplitWAV cuts every recording in wav.scp into its segments, each widened by
// the sample margin. Segments whose widened span leaves the recording are
// dropped. The returned utterances carry only id, sample count and a wav path
// relative to the target dir.
func (p *Preparer) SplitWAV(ctx context.Context) (map[string]Utterance, error) {
	segments, err := readSegments(filepath.Join(p.dataDir(), "segments"))
	if err != nil {
		return nil, err
	}
	scp, err := readTable(filepath.Join(p.dataDir(), "wav.scp"))
	if err != nil {
		return nil, err
	}
	p.log.Info("splitting recordings", slog.Int("recordings", len(segments)))

	var mu sync.Mutex
	out := make(map[string]Utterance)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for wavID, segs := range segments {
		source, ok := scp[wavID]
		if !ok {
			continue
		}
		g.Go(func() error {
			w, err := p.readRecording(gctx, source)
			if err != nil {
				return errorsx.Wrap(fmt.Errorf("recording %s: %w", wavID, err), errorsx.ReasonDataset)
			}
			for _, s := range segs {
				from := int(float64(w.SampleRate)*s.start) - p.opts.MarginSamples
				to := int(float64(w.SampleRate)*s.end) + p.opts.MarginSamples
				if from < 0 || to > len(w.Samples) || from >= to {
					p.log.Debug("segment outside recording", slog.String("utt_id", s.uttID))
					continue
				}
				path, err := p.target(s.uttID, ".wav")
				if err != nil {
					return err
				}
				cut := &audio.Waveform{SampleRate: w.SampleRate, Samples: w.Samples[from:to]}
				if err := audio.WriteWAVFile(path, cut); err != nil {
					return errorsx.Wrap(fmt.Errorf("%s: %w", s.uttID, err), errorsx.ReasonDataset)
				}
				mu.Lock()
				out[s.uttID] = Utterance{ID: s.uttID, WavPath: p.rel(path), Samples: to - from}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// readRecording decodes a wav.scp entry: either a file path or a command
// ending in "|" whose stdout is a WAV stream.
func (p *Preparer) readRecording(ctx context.Context, source string) (*audio.Waveform, error) {
	pipe, ok := strings.CutSuffix(strings.TrimSpace(source), "|")
	if !ok {
		return audio.ReadWAVFile(source)
	}
	cmd := p.command(ctx, "sh", "-c", strings.TrimSpace(pipe))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", strings.TrimSpace(pipe), err, lastLine(stderr.String()))
	}
	return audio.ReadWAV(&stdout)
}

// Transcripts writes the normalized text of every utterance in the recipe's
// text file.
func (p *Preparer) Transcripts() (map[string]Transcript, error) {
	table, err := readTable(filepath.Join(p.dataDir(), "text"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Transcript, len(table))
	for id, raw := range table {
		text := StripText(raw)
		path, err := p.target(id, ".txt")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("%s: %w", id, err), errorsx.ReasonDataset)
		}
		out[id] = Transcript{Path: path, Text: text}
	}
	return out, nil
}

// Alignments converts every ali.*.gz archive to per-frame phone ids with
// ali-to-phones and the newest transition model, one phn file per utterance.
func (p *Preparer) Alignments(ctx context.Context) (map[string]Alignment, error) {
	mdl, err := newestModel(p.opts.AlignmentDir)
	if err != nil {
		return nil, err
	}
	archives, err := filepath.Glob(filepath.Join(p.opts.AlignmentDir, "ali.*.gz"))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonDataset)
	}
	sort.Strings(archives)
	p.log.Info("converting alignments", slog.String("model", mdl), slog.Int("archives", len(archives)))

	var mu sync.Mutex
	out := make(map[string]Alignment)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, archive := range archives {
		g.Go(func() error {
			phones, err := p.aliToPhones(gctx, mdl, archive)
			if err != nil {
				return errorsx.Wrap(fmt.Errorf("%s: %w", filepath.Base(archive), err), errorsx.ReasonDataset)
			}
			for id, ids := range phones {
				path, err := p.target(id, ".phn")
				if err != nil {
					return err
				}
				if err := writeTargets(path, ids); err != nil {
					return errorsx.Wrap(fmt.Errorf("%s: %w", id, err), errorsx.ReasonDataset)
				}
				mu.Lock()
				out[id] = Alignment{Path: path, Frames: len(ids)}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Preparer) aliToPhones(ctx context.Context, mdl, archive string) (map[string][]int, error) {
	input, err := gunzip(archive)
	if err != nil {
		return nil, err
	}
	cmd := p.command(ctx, p.opts.AliToPhones, "--per-frame", mdl, "ark:-", "ark,t:-")
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", p.opts.AliToPhones, err, lastLine(stderr.String()))
	}
	return parsePhones(&stdout)
}

// target returns <TargetDir>/<uttid[6:9]>/<uttid><ext>, creating the
// directory.
func (p *Preparer) target(uttID, ext string) (string, error) {
	dir := filepath.Join(p.opts.TargetDir, speakerGroup(uttID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create %s: %w", dir, err), errorsx.ReasonDataset)
	}
	return filepath.Join(dir, uttID+ext), nil
}

// rel makes path relative to the target dir so manifests survive a move.
func (p *Preparer) rel(path string) string {
	if r, err := filepath.Rel(p.opts.TargetDir, path); err == nil {
		return r
	}
	return path
}

// StripText lowercases text and keeps letters, apostrophes, hyphens and spaces.
func StripText(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || r == '\'' || r == '-' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsDevUtterance reports whether uttID falls in the held-out conversations
// 1 through 59, read from characters 6 to 11 of the id.
func IsDevUtterance(uttID string) bool {
	if len(uttID) < 11 {
		return false
	}
	n, err := strconv.Atoi(uttID[6:11])
	return err == nil && n > 0 && n < 60
}

func speakerGroup(uttID string) string {
	lo, hi := min(6, len(uttID)), min(9, len(uttID))
	if g := uttID[lo:hi]; g != "" {
		return g
	}
	return "_"
}

func readSegments(path string) (map[string][]segment, error) {
	out := make(map[string][]segment)
	err := scanLines(path, func(line int, fields []string) error {
		if len(fields) != 4 {
			return fmt.Errorf("line %d: want uttid wavid start end", line)
		}
		start, err1 := strconv.ParseFloat(fields[2], 64)
		end, err2 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("line %d: invalid times %q %q", line, fields[2], fields[3])
		}
		out[fields[1]] = append(out[fields[1]], segment{uttID: fields[0], start: start, end: end})
		return nil
	})
	return out, err
}

// readTable reads "key rest of line" files such as wav.scp and text.
func readTable(path string) (map[string]string, error) {
	out := make(map[string]string)
	err := scanLines(path, func(_ int, fields []string) error {
		key := fields[0]
		rest := ""
		if len(fields) > 1 {
			rest = strings.Join(fields[1:], " ")
		}
		out[key] = rest
		return nil
	})
	return out, err
}

func scanLines(path string, fn func(line int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return config.Invalid("data.recipe_dir", "%v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := fn(line, fields); err != nil {
			return errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.ReasonDataset)
		}
	}
	if err := sc.Err(); err != nil {
		return errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.ReasonDataset)
	}
	return nil
}

func newestModel(dir string) (string, error) {
	models, err := filepath.Glob(filepath.Join(dir, "*.mdl"))
	if err != nil || len(models) == 0 {
		return "", config.Invalid("data.alignment_dir", "no transition model (*.mdl) in %s", dir)
	}
	var newest string
	var newestTime time.Time
	for _, m := range models {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest, newestTime = m, info.ModTime()
		}
	}
	if newest == "" {
		return "", config.Invalid("data.alignment_dir", "no readable transition model in %s", dir)
	}
	return newest, nil
}

func gunzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// parsePhones reads a text archive of "uttid id id ..." rows.
func parsePhones(r io.Reader) (map[string][]int, error) {
	out := make(map[string][]int)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		ids := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("malformed alignment row for %s: %q", fields[0], f)
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		out[fields[0]] = ids
	}
	return out, sc.Err()
}

// writeTargets writes one label per line, the format ReadTargets reads.
func writeTargets(path string, ids []int) error {
	var b bytes.Buffer
	for _, id := range ids {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, b.Bytes(), 0o644)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
