package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/model"
)

// payloadWriter lets tests interrupt a write part way through.
var payloadWriter = func(f *os.File) io.Writer { return f }

// Save writes c to path atomically: the bytes go to a hidden temp file in the
// same directory, which is synced and renamed over path. A reader sees either
// the previous file or the complete new one. Failures carry the
// checkpoint_write reason.
func Save(path string, c *Checkpoint) error {
	if c.Version == 0 {
		c.Version = Version
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := save(path, c); err != nil {
		return errorsx.Wrap(fmt.Errorf("save checkpoint %s: %w", path, err), errorsx.ReasonCheckpointWrite)
	}
	return nil
}

func save(path string, c *Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := Encode(payloadWriter(tmp), c); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir persists the rename. Not every platform can sync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Load reads and verifies the checkpoint at path. A missing or damaged file
// is a CorruptError.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, corrupt(path, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, corrupt(path, err)
	}
	return c, nil
}

// LoadFor loads path and checks that it is tagged for modelName. No model
// state is touched.
func LoadFor(path, modelName string) (*Checkpoint, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if normalize(c.Model) != normalize(modelName) {
		return nil, Mismatch(path, modelName, c.Model, nil)
	}
	return c, nil
}

// Restore loads c's state into m. A model that rejects the parameters makes
// this a MismatchError.
func Restore(path string, c *Checkpoint, m model.Model) error {
	if normalize(c.Model) != normalize(m.Name()) {
		return Mismatch(path, m.Name(), c.Model, nil)
	}
	if err := m.LoadState(c.State); err != nil {
		if errors.Is(err, model.ErrIncompatibleState) {
			return Mismatch(path, m.Name(), c.Model, err)
		}
		return err
	}
	return nil
}
