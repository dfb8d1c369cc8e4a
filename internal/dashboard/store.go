package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cryptometrics/internal/metrics"
)

// ring keeps the most recent limit items. Safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

type eventStore struct {
	*ring[metrics.Metric]
}

func (s eventStore) handle(m metrics.Metric) {
	s.add(m)
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook capturing recent log lines. Warnings and above
// are kept unless debug is set.
type logStore struct {
	*ring[logRecord]
	debug   bool
	enabled atomic.Bool
}

func newLogStore(limit int, debug bool) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit), debug: debug}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	if s.debug {
		return logrus.AllLevels
	}
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		rec.Component = component
	}
	for k, v := range entry.Data {
		if k == "component" {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}

	s.add(rec)
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
