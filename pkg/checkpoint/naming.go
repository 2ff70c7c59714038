package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ext is the checkpoint file extension.
const Ext = ".ckpt"

// ErrNoCheckpoint is wrapped when a directory holds no checkpoint files.
var ErrNoCheckpoint = errors.New("no checkpoint found")

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// EpochName is the file name written at the end of epoch.
func EpochName(prefix string, epoch int) string {
	return fmt.Sprintf("%s_epoch_%04d%s", prefix, epoch, Ext)
}

// StepName is the file name written after step optimizer steps.
func StepName(prefix string, step int64) string {
	return fmt.Sprintf("%s_step_%08d%s", prefix, step, Ext)
}

// InterruptedName is the file name of the best-effort save on cancellation.
func InterruptedName(prefix string) string {
	return prefix + "_interrupted" + Ext
}

// Entry is one checkpoint file found on disk.
type Entry struct {
	Path    string
	ModTime time.Time
}

// List returns the checkpoint files in dir whose name starts with prefix
// (any prefix when empty), newest first. Temp files are never listed.
func List(dir, prefix string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Ext) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(dir, name), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// Latest returns the newest checkpoint in dir.
func Latest(dir string) (string, error) {
	entries, err := List(dir, "")
	if err != nil {
		return "", corrupt(dir, err)
	}
	if len(entries) == 0 {
		return "", corrupt(dir, ErrNoCheckpoint)
	}
	return entries[0].Path, nil
}

// Resolve turns a --continue-from reference into a file path. ref may be a
// file, a directory (its newest checkpoint is used), or a bare name looked
// up in dir with or without the extension.
func Resolve(ref, dir string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", corrupt(ref, errors.New("empty checkpoint reference"))
	}
	if info, err := os.Stat(ref); err == nil {
		if info.IsDir() {
			return Latest(ref)
		}
		return ref, nil
	}
	if dir != "" && !strings.ContainsRune(ref, os.PathSeparator) {
		for _, name := range []string{ref, ref + Ext} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", corrupt(ref, os.ErrNotExist)
}

// Prune keeps the keepLast newest checkpoints with prefix in dir and removes
// the rest. keepLast <= 0 keeps everything.
func Prune(dir, prefix string, keepLast int) ([]string, error) {
	if keepLast <= 0 {
		return nil, nil
	}
	entries, err := listExisting(dir, prefix)
	if err != nil || len(entries) <= keepLast {
		return nil, err
	}
	return remove(entries[keepLast:])
}

// Expire removes checkpoints with prefix in dir written before now-maxAge.
// The newest checkpoint always survives so the run stays resumable.
func Expire(dir, prefix string, maxAge time.Duration, now time.Time) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	entries, err := listExisting(dir, prefix)
	if err != nil || len(entries) < 2 {
		return nil, err
	}
	cutoff := now.Add(-maxAge)
	var stale []Entry
	for _, e := range entries[1:] {
		if e.ModTime.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	return remove(stale)
}

// listExisting is List with a missing dir treated as empty.
func listExisting(dir, prefix string) ([]Entry, error) {
	entries, err := List(dir, prefix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func remove(entries []Entry) ([]string, error) {
	var removed []string
	var errs error
	for _, e := range entries {
		if err := os.Remove(e.Path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed = append(removed, e.Path)
	}
	return removed, errs
}
