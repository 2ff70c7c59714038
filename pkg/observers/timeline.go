package observers

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/asrkit/pkg/metrics"
)

// TimelineObserver appends each event of a training or prediction run to
// <dir>/<run_id>.jsonl. Run ids are uuids; events without one are dropped.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[uuid.UUID]*json.Encoder
	close []*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[uuid.UUID]*json.Encoder)}
}

type timelineRecord struct {
	Time   time.Time      `json:"time"`
	RunID  string         `json:"run_id"`
	Model  string         `json:"model,omitempty"`
	UttID  string         `json:"utt_id,omitempty"`
	Name   string         `json:"name"`
	Step   int64          `json:"step"`
	Value  float64        `json:"value"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Path is the file the events of runID go to.
func (o *TimelineObserver) Path(runID string) string {
	return filepath.Join(o.dir, runID+".jsonl")
}

func (o *TimelineObserver) RecordEvent(ev metrics.Event) {
	id, err := uuid.Parse(ev.Tags["run_id"])
	if err != nil || o.dir == "" || math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) {
		return
	}
	rec := timelineRecord{
		Time:   ev.Time.UTC(),
		RunID:  id.String(),
		Model:  ev.Tags["model"],
		UttID:  ev.Tags["utt_id"],
		Name:   ev.Name,
		Step:   ev.Step,
		Value:  ev.Value,
		Fields: ev.Fields,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	enc, ok := o.files[id]
	if !ok {
		enc = o.open(id)
		o.files[id] = enc
	}
	if enc != nil {
		_ = enc.Encode(rec)
	}
}

// open returns nil when the file cannot be created; the run's events are
// then dropped rather than retried on every call.
func (o *TimelineObserver) open(id uuid.UUID) *json.Encoder {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(o.Path(id.String()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.close = append(o.close, f)
	return json.NewEncoder(f)
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.close {
		err = errors.Join(err, f.Close())
	}
	o.close = nil
	o.files = make(map[uuid.UUID]*json.Encoder)
	return err
}

var _ metrics.Observer = (*TimelineObserver)(nil)
