// Package checkpoint owns the on-disk checkpoint format, atomic writes,
// verification on load, and the naming and retention policy of checkpoint files.
//
// A checkpoint file is an 8-byte magic, a big-endian CRC-32 (IEEE) of the
// payload, a big-endian payload length and a msgpack payload. Files are
// immutable once written; a new save is a new file.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/harunnryd/asrkit/pkg/errorsx"
	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Version is the payload version written by this build.
const Version = 1

const headerSize = 8 + 4 + 8

var magic = [8]byte{'A', 'S', 'R', 'K', 'C', 'K', 'P', 'T'}

// Checkpoint is a snapshot of one model's trainable state and training progress.
type Checkpoint struct {
	Version int    `msgpack:"version"`
	Model   string `msgpack:"model"`
	RunID   string `msgpack:"run_id"`
	// Epoch is the last fully completed epoch; 0 means mid-first-epoch.
	Epoch           int            `msgpack:"epoch"`
	Step            int64          `msgpack:"step"`
	BestValidAcc    float64        `msgpack:"best_valid_acc"`
	Hyperparameters map[string]any `msgpack:"hyperparameters"`
	State           model.State    `msgpack:"state"`
	CreatedAt       time.Time      `msgpack:"created_at"`
}

// MismatchError reports a checkpoint that belongs to a different model, or
// whose parameters the model rejected.
type MismatchError struct {
	Path string
	Want string
	Got  string
	Err  error
}

func (e *MismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s does not fit model %q: %v", e.Path, e.Want, e.Err)
	}
	return fmt.Sprintf("checkpoint %s is tagged %q, not %q", e.Path, e.Got, e.Want)
}

func (e *MismatchError) Unwrap() error { return e.Err }

// CorruptError reports a checkpoint that is missing or unreadable.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Mismatch builds a MismatchError tagged for exit-code mapping.
func Mismatch(path, want, got string, cause error) error {
	return errorsx.Wrap(&MismatchError{Path: path, Want: want, Got: got, Err: cause}, errorsx.ReasonCheckpointMismatch)
}

func corrupt(path string, err error) error {
	return errorsx.Wrap(&CorruptError{Path: path, Err: err}, errorsx.ReasonCheckpointCorrupt)
}

var (
	errBadMagic  = errors.New("not a checkpoint file")
	errTruncated = errors.New("truncated")
	errChecksum  = errors.New("checksum mismatch")
)

// Encode writes c in the checkpoint file format.
func Encode(w io.Writer, c *Checkpoint) error {
	payload, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	var hdr [headerSize]byte
	copy(hdr[:8], magic[:])
	binary.BigEndian.PutUint32(hdr[8:12], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Decode parses a complete checkpoint file image. Every structural problem is
// reported as a plain error; callers attach the path.
func Decode(data []byte) (*Checkpoint, error) {
	if len(data) < headerSize {
		if len(data) >= 8 && !bytes.Equal(data[:8], magic[:]) {
			return nil, errBadMagic
		}
		return nil, errTruncated
	}
	if !bytes.Equal(data[:8], magic[:]) {
		return nil, errBadMagic
	}
	sum := binary.BigEndian.Uint32(data[8:12])
	size := binary.BigEndian.Uint64(data[12:20])
	payload := data[headerSize:]
	if uint64(len(payload)) != size {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", errTruncated, len(payload), size)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errChecksum
	}
	var c Checkpoint
	if err := msgpack.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if c.Version <= 0 || c.Version > Version {
		return nil, fmt.Errorf("unsupported version %d", c.Version)
	}
	if strings.TrimSpace(c.Model) == "" {
		return nil, errors.New("missing model tag")
	}
	return &c, nil
}
