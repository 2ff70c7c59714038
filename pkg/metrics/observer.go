package metrics

import "time"

// Event is one scalar measurement emitted by the training or prediction loop.
type Event struct {
	Name   string
	Time   time.Time
	Step   int64
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Scalar builds an Event stamped with the current time.
func Scalar(name string, step int64, value float64, tags map[string]string) Event {
	return Event{Name: name, Time: time.Now(), Step: step, Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev Event)
}

// Closer is implemented by observers holding files or connections.
type Closer interface {
	Close() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}
