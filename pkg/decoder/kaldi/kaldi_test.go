package kaldi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/asrkit/pkg/decoder"
	"github.com/harunnryd/asrkit/pkg/labels"
)

// TestHelperProcess stands in for latgen-faster-mapped. The behaviour is
// picked with ASRKIT_HELPER_DECODER.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("ASRKIT_HELPER_DECODER")
	if mode == "" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	key := ""
	frames := 0
	for sc.Scan() {
		line := sc.Text()
		if strings.HasSuffix(line, "[") {
			key = strings.Fields(line)[0]
			continue
		}
		if strings.TrimSpace(line) != "" {
			frames++
		}
	}
	switch mode {
	case "ok":
		fmt.Printf("%s 1 2\n", key)
	case "unknown":
		fmt.Printf("%s 1 99\n", key)
	case "empty":
	case "fail":
		fmt.Fprintln(os.Stderr, "ERROR: bad HCLG")
		os.Exit(1)
	case "frames":
		fmt.Printf("%s %d\n", key, frames)
	}
	os.Exit(0)
}

func helperCommand(mode string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "ASRKIT_HELPER_DECODER="+mode)
		return cmd
	}
}

func testGraph(t *testing.T) *decoder.Graph {
	t.Helper()
	words, err := labels.Parse(strings.NewReader("<eps> 0\nhello 1\nworld 2\n3 3\n"))
	if err != nil {
		t.Fatalf("words: %v", err)
	}
	tokens, _ := labels.Parse(strings.NewReader("a\nb\n"))
	return &decoder.Graph{Tokens: tokens, Words: words, WordsPath: "words.txt", HCLGPath: "HCLG.fst", TransitionModel: "final.mdl"}
}

func emissions() [][]float32 {
	return [][]float32{{-0.1, -2.3}, {-1.5, -0.25}, {-0.7, -0.7}}
}

func TestDecodeMapsWordIDs(t *testing.T) {
	d := New(testGraph(t), Options{Binary: "latgen-faster-mapped", AcousticScale: 0.1, Beam: 13, LatticeBeam: 8, MaxActive: 7000})
	d.command = helperCommand("ok")
	tr, err := d.Decode(context.Background(), "utt1", emissions())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Text() != "hello world" || tr.UttID != "utt1" {
		t.Fatalf("unexpected transcription %+v", tr)
	}

	d.command = helperCommand("frames")
	tr, err = d.Decode(context.Background(), "utt1", emissions())
	if err != nil || tr.Text() != "3" {
		t.Fatalf("decoder should see 3 frames, got %q %v", tr.Text(), err)
	}
}

func TestDecodeFailures(t *testing.T) {
	for mode, want := range map[string]error{"unknown": ErrUnknownWord, "empty": ErrEmptyOutput, "fail": nil} {
		d := New(testGraph(t), Options{Binary: "latgen-faster-mapped"})
		d.command = helperCommand(mode)
		_, err := d.Decode(context.Background(), "utt1", emissions())
		var de *decoder.DecodingError
		if !errors.As(err, &de) || de.UttID != "utt1" {
			t.Fatalf("%s: expected DecodingError, got %v", mode, err)
		}
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", mode, want, err)
		}
		if mode == "fail" && !strings.Contains(err.Error(), "bad HCLG") {
			t.Fatalf("expected stderr in error, got %v", err)
		}
	}
}

func TestDecodeRetriesProcessFailures(t *testing.T) {
	var calls atomic.Int32
	d := New(testGraph(t), Options{Binary: "latgen-faster-mapped", Retries: 2, RetryBackoff: time.Millisecond})
	d.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mode := "fail"
		if calls.Add(1) == 3 {
			mode = "ok"
		}
		return helperCommand(mode)(ctx, name, args...)
	}
	tr, err := d.Decode(context.Background(), "utt1", emissions())
	if err != nil || tr.Text() != "hello world" || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d calls", err, calls.Load())
	}
}

func TestDecodeRejectsEmptyEmissions(t *testing.T) {
	d := New(testGraph(t), Options{})
	if _, err := d.Decode(context.Background(), "u", nil); err == nil {
		t.Fatalf("expected error for no frames")
	}
}

func TestWriteMatrixAndArgs(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMatrix(&buf, "u", [][]float32{{1, -0.5}, {2, 3}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "u  [\n  1 -0.5\n  2 3 ]\n"
	if buf.String() != want {
		t.Fatalf("unexpected ark text %q", buf.String())
	}
	d := New(testGraph(t), Options{AcousticScale: 0.1, Beam: 13, LatticeBeam: 8, MaxActive: 7000})
	args := strings.Join(d.Args(), " ")
	for _, part := range []string{"--acoustic-scale=0.1", "--beam=13", "--max-active=7000", "--word-symbol-table=words.txt", "final.mdl HCLG.fst ark:- ark:/dev/null ark,t:-"} {
		if !strings.Contains(args, part) {
			t.Fatalf("args %q missing %q", args, part)
		}
	}
}
