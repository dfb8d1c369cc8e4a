package processor

import "fmt"

// MalformedKeyError reports a snapshot key that does not parse. It is
// absorbed per key: the entry is dropped and the cycle continues.
type MalformedKeyError struct {
	Key    string
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed key %q: %s", e.Key, e.Reason)
}

// EmptyResultError means no record survived filtering.
type EmptyResultError struct {
	SnapshotID string
	Scanned    int
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("snapshot %s: no in-scope records among %d entries", e.SnapshotID, e.Scanned)
}

// BelowThresholdError means normalization produced fewer records than the
// configured minimum, usually a sign of upstream degradation.
type BelowThresholdError struct {
	SnapshotID string
	Count      int
	Threshold  int
}

func (e *BelowThresholdError) Error() string {
	return fmt.Sprintf("snapshot %s: %d records is below the threshold of %d", e.SnapshotID, e.Count, e.Threshold)
}
