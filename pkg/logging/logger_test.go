package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewComponentLogger(InitLogger(Options{Level: "debug", Format: "json"}, &buf), "trainer")
	log.Debug("epoch_done", slog.Int("epoch", 1))
	out := buf.String()
	if !strings.Contains(out, `"component":"trainer"`) {
		t.Fatalf("expected component attr, got %s", out)
	}
	if !strings.Contains(out, `"epoch":1`) {
		t.Fatalf("expected epoch attr, got %s", out)
	}
}

func TestInitLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := InitLogger(Options{Level: "warn"}, &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed at warn level, got %s", buf.String())
	}
}

func TestOpenLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	w, c, err := OpenLogFile(dir, "train.log", &console)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.Close()
	b, err := os.ReadFile(filepath.Join(dir, "train.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "hello\n" || console.String() != "hello\n" {
		t.Fatalf("unexpected content %q (console %q)", b, console.String())
	}
}
