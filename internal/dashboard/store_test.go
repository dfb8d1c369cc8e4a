package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cryptometrics/internal/metrics"
)

func TestRingKeepsMostRecent(t *testing.T) {
	events := eventStore{newRing[metrics.Metric](2)}
	for i := 0; i < 5; i++ {
		events.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: float64(i)})
	}

	snapshot := events.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 events, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected events retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3, false)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "pipeline", "snapshot": "1633307658"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	if snapshot[0].Component != "pipeline" || snapshot[0].Fields["snapshot"] != "1633307658" {
		t.Fatalf("unexpected record: %#v", snapshot[0])
	}
}

func TestLogStoreLevels(t *testing.T) {
	if got := len(newLogStore(1, true).Levels()); got != len(logrus.AllLevels) {
		t.Fatalf("debug store levels = %d", got)
	}
	for _, l := range newLogStore(1, false).Levels() {
		if l > logrus.WarnLevel {
			t.Fatalf("non-debug store captures %s", l)
		}
	}
}

func TestLogStoreIgnoresEntriesAfterClose(t *testing.T) {
	store := newLogStore(2, false)
	store.close()

	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(store.snapshot()) != 0 {
		t.Fatalf("store accepted entries after close")
	}
}
