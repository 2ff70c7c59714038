package observers

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/harunnryd/asrkit/pkg/metrics"
)

// LoggerObserver writes each event as one log record named after the event.
// Tags and fields are emitted in key order so lines diff cleanly.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger, level slog.Level) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, level: level}
}

func (o *LoggerObserver) RecordEvent(ev metrics.Event) {
	ctx := context.Background()
	if !o.log.Enabled(ctx, o.level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.Int64("step", ev.Step), slog.Float64("value", ev.Value))
	for _, k := range slices.Sorted(maps.Keys(ev.Tags)) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	o.log.LogAttrs(ctx, o.level, ev.Name, attrs...)
}

// MultiObserver fans events out to every non-nil member.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.Event) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Close closes every member that holds resources.
func (m *MultiObserver) Close() error {
	var err error
	for _, obs := range m.list {
		if c, ok := obs.(metrics.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}
