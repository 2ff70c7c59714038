// Package build performs the one-time setup before training or prediction:
// it checks the Kaldi toolchain, compiles the decoder binding and fetches
// the decoding graph.
package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

type Options struct {
	SkipBinding bool
	SkipGraph   bool
	// Force rebuilds the binding and refetches the graph even when present.
	Force  bool
	Client *http.Client
	Logger *slog.Logger
}

// Report says what Run actually did.
type Report struct {
	BindingBuilt bool
	GraphFetched bool
	GraphFiles   int
}

// Run verifies the toolchain, then builds the binding and fetches the graph
// unless they are already in place.
func Run(ctx context.Context, cfg config.Config, opts Options) (Report, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var rep Report
	if err := VerifyToolchain(cfg.Toolchain); err != nil {
		return rep, err
	}
	if !opts.SkipBinding {
		built, err := BuildBinding(ctx, cfg.Toolchain, opts.Force, log)
		if err != nil {
			return rep, err
		}
		rep.BindingBuilt = built
	}
	if !opts.SkipGraph {
		n, err := FetchGraph(ctx, cfg.Graph, opts.Client, opts.Force, log)
		if err != nil {
			return rep, err
		}
		rep.GraphFetched = n > 0
		rep.GraphFiles = n
	}
	return rep, nil
}

// VerifyToolchain checks that the Kaldi root and binding directory exist.
func VerifyToolchain(t config.ToolchainConfig) error {
	if strings.TrimSpace(t.KaldiRoot) == "" {
		return config.Invalid("toolchain.kaldi_root", "is required (set KALDI_ROOT or toolchain.kaldi_root)")
	}
	if info, err := os.Stat(t.KaldiRoot); err != nil || !info.IsDir() {
		return config.Invalid("toolchain.kaldi_root", "%q is not a directory", t.KaldiRoot)
	}
	if info, err := os.Stat(t.BindingDir); err != nil || !info.IsDir() {
		return config.Invalid("toolchain.binding_dir", "%q is not a directory", t.BindingDir)
	}
	return nil
}

// BuildBinding runs the build command in the binding directory unless the
// decoder binary already exists. Output is streamed to log line by line.
func BuildBinding(ctx context.Context, t config.ToolchainConfig, force bool, log *slog.Logger) (bool, error) {
	bin := t.DecoderPath()
	if !force && isFile(bin) {
		log.Info("decoder binary present, skipping build", slog.String("path", bin))
		return false, nil
	}
	if len(t.BuildCommand) == 0 {
		return false, config.Invalid("toolchain.build_command", "is empty")
	}
	log.Info("building decoder binding",
		slog.String("dir", t.BindingDir),
		slog.String("command", strings.Join(t.BuildCommand, " ")))

	cmd := exec.CommandContext(ctx, t.BuildCommand[0], t.BuildCommand[1:]...)
	cmd.Dir = t.BindingDir
	out := newLineLogger(log.With(slog.String("stream", "stdout")))
	errOut := newLineLogger(log.With(slog.String("stream", "stderr")))
	cmd.Stdout = out
	cmd.Stderr = errOut
	err := cmd.Run()
	out.Flush()
	errOut.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return false, errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled)
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return false, errorsx.Errorf(errorsx.ReasonBuild, "build command exited with %d", ee.ExitCode())
		}
		return false, errorsx.Wrap(fmt.Errorf("run build command: %w", err), errorsx.ReasonBuild)
	}
	if !isFile(bin) {
		return true, errorsx.Errorf(errorsx.ReasonBuild, "build finished but %s is missing", bin)
	}
	log.Info("decoder binding built", slog.String("path", bin))
	return true, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// lineLogger turns a byte stream into one log record per line.
type lineLogger struct {
	mu  sync.Mutex
	log *slog.Logger
	buf bytes.Buffer
}

func newLineLogger(log *slog.Logger) *lineLogger { return &lineLogger{log: log} }

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// partial line; keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.emit(line)
	}
}

func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(&l.buf)
	for sc.Scan() {
		l.emit(sc.Text())
	}
	l.buf.Reset()
}

func (l *lineLogger) emit(line string) {
	if line = strings.TrimRight(line, "\r\n"); line != "" {
		l.log.Info(line)
	}
}
