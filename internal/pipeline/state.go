package pipeline

import "time"

// State is a step of the pipeline state machine.
type State string

const (
	StateIdle          State = "IDLE"
	StateDiscovering   State = "DISCOVERING"
	StateNormalizing   State = "NORMALIZING"
	StateMerging       State = "MERGING"
	StateRanking       State = "RANKING"
	StatePersisting    State = "PERSISTING"
	StateAcknowledging State = "ACKNOWLEDGING"
	StateFailed        State = "FAILED"
)

var transitions = map[State]State{
	StateIdle:          StateDiscovering,
	StateDiscovering:   StateNormalizing,
	StateNormalizing:   StateMerging,
	StateMerging:       StateRanking,
	StateRanking:       StatePersisting,
	StatePersisting:    StateAcknowledging,
	StateAcknowledging: StateIdle,
}

// Cycle records one run of the state machine.
type Cycle struct {
	RunID string
	State State
	// FailedAt is the step that failed when State is FAILED.
	FailedAt    State
	Recoverable bool
	// Skipped is set when another run held the lock.
	Skipped bool
	Err     error

	Snapshot   string
	CapturedAt time.Time
	Records    int
	Malformed  int
	Added      int
	Duplicate  bool

	Started  time.Time
	Finished time.Time
	Steps    []State
}

// Processed reports whether the cycle consumed a snapshot.
func (c *Cycle) Processed() bool {
	return c.State == StateIdle && c.Snapshot != "" && !c.Skipped
}

func (c *Cycle) Duration() time.Duration {
	return c.Finished.Sub(c.Started)
}

// advance moves to the next step; it panics on an illegal transition since
// that can only be a programming error.
func (c *Cycle) advance(to State) {
	if next, ok := transitions[c.State]; !ok || next != to {
		panic("pipeline: illegal transition " + string(c.State) + " -> " + string(to))
	}
	c.State = to
	c.Steps = append(c.Steps, to)
}
