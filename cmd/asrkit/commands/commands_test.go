package commands

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/asrkit/pkg/audio"
	"github.com/harunnryd/asrkit/pkg/checkpoint"
	"github.com/harunnryd/asrkit/pkg/dataset/datasettest"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

type env struct {
	root    string
	config  string
	logDir  string
	dataDir string
	graph   string
}

// newEnv lays out a Kaldi root, a two-utterance corpus, a decoding graph and
// a config file pointing at all of them. The decoder binary is a shell
// script that answers every utterance with word ids 1 2.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{root: t.TempDir()}
	kaldi := filepath.Join(e.root, "kaldi")
	e.logDir = filepath.Join(e.root, "logs")
	e.dataDir = filepath.Join(e.root, "data")
	e.graph = filepath.Join(e.root, "graph")
	for _, dir := range []string{filepath.Join(kaldi, "src", "bin"), e.graph} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	write := func(path, body string, mode os.FileMode) {
		if err := os.WriteFile(path, []byte(body), mode); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	decoderBin := filepath.Join(kaldi, "src", "bin", "latgen-faster-mapped")
	write(decoderBin, "#!/bin/sh\nread key rest\ncat >/dev/null\necho \"$key 1 2\"\n", 0o755)
	write(filepath.Join(e.graph, "tokens.txt"), "<eps> 0\na 1\nb 2\nc 3\nd 4\n", 0o644)
	write(filepath.Join(e.graph, "words.txt"), "<eps> 0\nhello 1\nworld 2\n", 0o644)
	write(filepath.Join(e.graph, "HCLG.fst"), "fst", 0o644)
	write(filepath.Join(e.graph, "final.mdl"), "mdl", 0o644)

	if _, err := datasettest.Write(e.dataDir, "train.csv", datasettest.Corpus{
		Utterances: 2,
		Seconds:    1.5,
		NumLabels:  4,
		Features:   audio.DefaultFeatureConfig(),
	}); err != nil {
		t.Fatalf("corpus: %v", err)
	}

	e.config = filepath.Join(e.root, "asrkit.yaml")
	write(e.config, fmt.Sprintf(`toolchain:
  kaldi_root: %s
graph:
  dir: %s
data:
  root: %s
log:
  dir: %s
  level: warn
`, kaldi, e.graph, e.dataDir, e.logDir), 0o644)
	t.Setenv("KALDI_ROOT", "")
	return e
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestModelsListsRegistry(t *testing.T) {
	code, out, _ := run(t, "models")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, name := range []string{"demo_model", "convnet", "densenet"} {
		if !strings.Contains(out, name) {
			t.Fatalf("models output missing %s:\n%s", name, out)
		}
	}
}

func TestTrainOneEpochWritesOneCheckpoint(t *testing.T) {
	e := newEnv(t)
	code, out, stderr := run(t, "train", "demo_model", "--config", e.config, "--num_epochs", "1")
	if code != 0 {
		t.Fatalf("exit %d\nstdout: %s\nstderr: %s", code, out, stderr)
	}
	entries, err := checkpoint.List(e.logDir, "demo_model")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one checkpoint, got %v err=%v", entries, err)
	}
	c, err := checkpoint.LoadFor(entries[0].Path, "demo_model")
	if err != nil {
		t.Fatalf("checkpoint not tagged demo_model: %v", err)
	}
	if c.Epoch != 1 || c.Step != 1 {
		t.Fatalf("unexpected progress epoch=%d step=%d", c.Epoch, c.Step)
	}
	if !strings.Contains(out, "checkpoint "+entries[0].Path) {
		t.Fatalf("checkpoint path not reported: %s", out)
	}
	if _, err := os.Stat(filepath.Join(e.logDir, "train.log")); err != nil {
		t.Fatalf("train.log missing: %v", err)
	}
}

func TestTrainThenPredict(t *testing.T) {
	e := newEnv(t)
	if code, out, stderr := run(t, "train", "demo_model", "--config", e.config); code != 0 {
		t.Fatalf("train exit %d\n%s\n%s", code, out, stderr)
	}
	wav := filepath.Join(e.dataDir, "train-000.wav")
	code, out, stderr := run(t, "predict", "demo_model", "--config", e.config,
		"--continue-from", "demo_model_epoch_0001", wav)
	if code != 0 {
		t.Fatalf("predict exit %d\nstdout: %s\nstderr: %s", code, out, stderr)
	}
	if strings.TrimSpace(out) != "train-000 hello world" {
		t.Fatalf("unexpected transcription %q", out)
	}
}

func TestPredictMismatchedCheckpointExitsWithoutDecoding(t *testing.T) {
	e := newEnv(t)
	ckpt := filepath.Join(e.root, "ckpt_A.ckpt")
	if err := checkpoint.Save(ckpt, &checkpoint.Checkpoint{Model: "other_model"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A decoder that runs would leave this marker behind.
	marker := filepath.Join(e.root, "decoded")
	bin := filepath.Join(e.root, "kaldi", "src", "bin", "latgen-faster-mapped")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\ntouch "+marker+"\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, _, stderr := run(t, "predict", "demo_model", "--config", e.config,
		"--continue_from", ckpt, filepath.Join(e.dataDir, "train-000.wav"))
	if code != errorsx.ExitCheckpoint {
		t.Fatalf("expected exit %d, got %d: %s", errorsx.ExitCheckpoint, code, stderr)
	}
	if !strings.Contains(stderr, "other_model") {
		t.Fatalf("error should name the checkpoint's model: %s", stderr)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("decoder ran after a checkpoint mismatch")
	}
}

func TestPredictChecksCheckpointBeforeGraph(t *testing.T) {
	e := newEnv(t)
	if code, out, stderr := run(t, "train", "demo_model", "--config", e.config, "--num_epochs", "1"); code != 0 {
		t.Fatalf("train exit %d\n%s\n%s", code, out, stderr)
	}
	if err := os.RemoveAll(e.graph); err != nil {
		t.Fatalf("remove graph: %v", err)
	}
	wav := filepath.Join(e.dataDir, "train-000.wav")

	other := filepath.Join(e.root, "other.ckpt")
	if err := checkpoint.Save(other, &checkpoint.Checkpoint{Model: "other_model"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	code, _, stderr := run(t, "predict", "demo_model", "--config", e.config, "--continue_from", other, wav)
	if code != errorsx.ExitCheckpoint || !strings.Contains(stderr, "other_model") {
		t.Fatalf("expected checkpoint mismatch (exit %d) without a graph, got %d: %s", errorsx.ExitCheckpoint, code, stderr)
	}

	code, _, stderr = run(t, "predict", "demo_model", "--config", e.config, "--continue_from", "demo_model_epoch_0001", wav)
	if code != errorsx.ExitConfiguration || !strings.Contains(stderr, "asrkit build") {
		t.Fatalf("expected missing graph to be a configuration error, got %d: %s", code, stderr)
	}
}

func TestPrepareBuildsManifestsFromRecipe(t *testing.T) {
	e := newEnv(t)
	kaldi := filepath.Join(e.root, "kaldi")
	recipe := filepath.Join(kaldi, "egs", "aspire", "s5")
	data := filepath.Join(recipe, "data", "train")
	ali := filepath.Join(recipe, "exp", "tri5a")
	for _, dir := range []string{data, ali} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	rec := filepath.Join(e.root, "call.wav")
	if err := audio.WriteWAVFile(rec, &audio.Waveform{SampleRate: 8000, Samples: make([]float32, 16000)}); err != nil {
		t.Fatalf("wav: %v", err)
	}
	var alignments bytes.Buffer
	gz := gzip.NewWriter(&alignments)
	fmt.Fprintln(gz, "fe_03_00007-A-000050-000150 1 1 2")
	fmt.Fprintln(gz, "fe_03_00200-A-000020-000040 3 4")
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	files := map[string]string{
		filepath.Join(data, "wav.scp"):                      "call " + rec + "\n",
		filepath.Join(data, "segments"):                     "fe_03_00007-A-000050-000150 call 0.5 1.5\nfe_03_00200-A-000020-000040 call 0.2 0.4\n",
		filepath.Join(data, "text"):                         "fe_03_00007-A-000050-000150 HELLO\nfe_03_00200-A-000020-000040 World.\n",
		filepath.Join(ali, "final.mdl"):                     "mdl",
		filepath.Join(ali, "ali.1.gz"):                      alignments.String(),
		filepath.Join(kaldi, "src", "bin", "ali-to-phones"): "#!/bin/sh\n[ \"$1\" = --per-frame ] || exit 1\ncat\n",
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	out := filepath.Join(e.root, "corpus")
	code, stdout, stderr := run(t, "prepare", "--config", e.config, "--data_root", out)
	if code != 0 {
		t.Fatalf("prepare exit %d\n%s", code, stderr)
	}
	if !strings.Contains(stdout, "prepared 1 train and 1 dev utterances (0 skipped)") {
		t.Fatalf("unexpected summary %q", stdout)
	}
	for _, name := range []string{"train.csv", "dev.csv", filepath.Join("000", "fe_03_00007-A-000050-000150.phn")} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	code, _, stderr = run(t, "prepare", "--config", e.config, "--split", "eval2000")
	if code != errorsx.ExitConfiguration || !strings.Contains(stderr, "recipe") {
		t.Fatalf("expected missing split to be a configuration error, got %d: %s", code, stderr)
	}
}

func TestExitCodes(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown model", []string{"train", "resnet", "--config", e.config}, errorsx.ExitUnknownModel},
		{"unknown flag", []string{"train", "demo_model", "--bogus"}, errorsx.ExitConfiguration},
		{"missing model arg", []string{"train", "--config", e.config}, errorsx.ExitConfiguration},
		{"bad set", []string{"train", "demo_model", "--config", e.config, "--set", "oops"}, errorsx.ExitConfiguration},
		{"unknown setting", []string{"train", "demo_model", "--config", e.config, "--set", "growth_rate=3"}, errorsx.ExitConfiguration},
		{"missing checkpoint", []string{"train", "demo_model", "--config", e.config, "--continue-from", "nope"}, errorsx.ExitCheckpoint},
		{"missing toolchain", []string{"train", "demo_model"}, errorsx.ExitConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, _, stderr := run(t, tc.args...); code != tc.want {
				t.Fatalf("expected exit %d, got %d: %s", tc.want, code, stderr)
			}
		})
	}
}

func TestBuildSkipsWhenPresent(t *testing.T) {
	e := newEnv(t)
	code, out, stderr := run(t, "build", "--config", e.config)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "binding built: false, graph fetched: false") {
		t.Fatalf("unexpected build report %q", out)
	}
}
