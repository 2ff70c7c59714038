package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/asrkit/pkg/config"
	"github.com/harunnryd/asrkit/pkg/errorsx"
)

// GraphPresent reports whether every graph artifact exists under g.Dir.
func GraphPresent(g config.GraphConfig) bool {
	for _, p := range []string{g.TokensPath(), g.WordsPath(), g.HCLGPath(), g.ModelPath()} {
		if !isFile(p) {
			return false
		}
	}
	return true
}

// FetchGraph downloads the graph archive (tar.gz) and installs it as g.Dir.
// The archive lands in a temp file and is extracted into a temp directory
// next to g.Dir; g.Dir only changes once extraction and verification
// succeed. It returns the number of files installed, zero when skipped.
func FetchGraph(ctx context.Context, g config.GraphConfig, client *http.Client, force bool, log *slog.Logger) (int, error) {
	if !force && GraphPresent(g) {
		log.Info("decoding graph present, skipping download", slog.String("dir", g.Dir))
		return 0, nil
	}
	if strings.TrimSpace(g.URL) == "" {
		return 0, config.Invalid("graph.url", "graph artifacts missing under %q and no url configured", g.Dir)
	}
	if client == nil {
		client = http.DefaultClient
	}
	parent := filepath.Dir(filepath.Clean(g.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("create graph parent: %w", err), errorsx.ReasonBuild)
	}

	log.Info("downloading decoding graph", slog.String("url", g.URL))
	archive, err := download(ctx, client, g.URL, parent)
	if err != nil {
		return 0, err
	}
	defer os.Remove(archive)

	staging, err := os.MkdirTemp(parent, ".graph-*")
	if err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("create staging dir: %w", err), errorsx.ReasonBuild)
	}
	defer os.RemoveAll(staging)

	n, err := extractTarGz(archive, staging)
	if err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("extract graph: %w", err), errorsx.ReasonBuild)
	}
	root := unwrapSingleDir(staging)
	staged := g
	staged.Dir = root
	if !GraphPresent(staged) {
		return 0, errorsx.Errorf(errorsx.ReasonBuild, "graph archive lacks %s, %s, %s or %s",
			g.TokensFile, g.WordsFile, g.HCLGFile, g.TransitionModel)
	}
	// MkdirTemp creates 0700; the installed graph is shared like any other dir.
	if err := os.Chmod(root, 0o755); err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("chmod staged graph: %w", err), errorsx.ReasonBuild)
	}
	if err := install(root, g.Dir); err != nil {
		return 0, errorsx.Wrap(err, errorsx.ReasonBuild)
	}
	log.Info("decoding graph installed", slog.String("dir", g.Dir), slog.Int("files", n))
	return n, nil
}

func download(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", config.Invalid("graph.url", "%v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled)
		}
		return "", errorsx.Wrap(fmt.Errorf("download graph: %w", err), errorsx.ReasonBuild)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errorsx.Errorf(errorsx.ReasonBuild, "download graph: %s", resp.Status)
	}

	f, err := os.CreateTemp(dir, ".graph-*.tar.gz")
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create temp archive: %w", err), errorsx.ReasonBuild)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		if ctx.Err() != nil {
			return "", errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled)
		}
		return "", errorsx.Wrap(fmt.Errorf("download graph: %w", err), errorsx.ReasonBuild)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errorsx.Wrap(err, errorsx.ReasonBuild)
	}
	return f.Name(), nil
}

var errUnsafePath = errors.New("archive entry escapes destination")

func extractTarGz(path, dest string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("decompress: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	n := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read tar: %w", err)
		}
		name := filepath.Clean(filepath.FromSlash(header.Name))
		if name == "." || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) {
			return n, fmt.Errorf("%w: %s", errUnsafePath, header.Name)
		}
		target := filepath.Join(dest, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return n, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return n, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return n, fmt.Errorf("write %s: %w", name, err)
			}
			if err := out.Close(); err != nil {
				return n, err
			}
			n++
		}
	}
}

// unwrapSingleDir descends into dir while it holds exactly one directory and
// nothing else, so archives packed as graph/... install the same as flat ones.
func unwrapSingleDir(dir string) string {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			return dir
		}
		dir = filepath.Join(dir, entries[0].Name())
	}
}

// install moves src to dst, replacing dst if it exists.
func install(src, dst string) error {
	var old string
	if _, err := os.Stat(dst); err == nil {
		old = dst + ".old"
		_ = os.RemoveAll(old)
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("move old graph aside: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return fmt.Errorf("install graph: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}
