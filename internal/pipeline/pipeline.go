// Package pipeline drives one snapshot at a time through discovery,
// normalization, ranking and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/lock"
	"cryptometrics/internal/metrics"
	"cryptometrics/internal/rank"
	"cryptometrics/internal/store"
	"cryptometrics/logger"
	"cryptometrics/models"
	"cryptometrics/processor"
	"cryptometrics/reader"
)

const (
	// topAssets is how many ranked assets a cycle logs.
	topAssets = 5

	lockReleaseTimeout = 5 * time.Second
)

// SnapshotSource is the holding area as seen by the pipeline.
type SnapshotSource interface {
	Next(ctx context.Context) (reader.SnapshotRef, bool, error)
	Load(ctx context.Context, ref reader.SnapshotRef) (models.RawSnapshot, error)
	Ack(ctx context.Context, ref reader.SnapshotRef) error
}

type Pipeline struct {
	source     SnapshotSource
	normalizer *processor.Normalizer
	store      store.Store
	locker     lock.Locker
	window     time.Duration
	retention  time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *logger.Log

	mu     sync.RWMutex
	latest []models.RankedMetric
}

func New(cfg *appconfig.Config, source SnapshotSource, normalizer *processor.Normalizer, st store.Store, locker lock.Locker) *Pipeline {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Pipeline{
		source:     source,
		normalizer: normalizer,
		store:      st,
		locker:     locker,
		window:     cfg.Pipeline.Window,
		retention:  cfg.Pipeline.RetentionHorizon,
		timeout:    cfg.Pipeline.CycleTimeout,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// RunOnce processes the oldest staged snapshot, if any. The returned cycle
// is never nil. The error is non-nil exactly when the cycle FAILED; nothing
// is acknowledged unless persisting succeeded.
func (p *Pipeline) RunOnce(ctx context.Context) (*Cycle, error) {
	c := &Cycle{RunID: uuid.NewString(), State: StateIdle, Started: p.now()}
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": c.RunID})

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	release, err := p.locker.Acquire(ctx)
	if errors.Is(err, lock.ErrHeld) {
		c.Skipped = true
		log.Info("another run holds the lock, skipping cycle")
		return p.finish(c), nil
	}
	if err != nil {
		c.advance(StateDiscovering)
		return p.fail(c, fmt.Errorf("acquire lock: %w", err))
	}
	defer releaseLock(ctx, release, log)

	c.advance(StateDiscovering)
	ref, ok, err := p.source.Next(ctx)
	if err != nil {
		return p.fail(c, err)
	}
	if !ok {
		c.State = StateIdle
		log.Debug("no staged snapshots")
		return p.finish(c), nil
	}
	c.Snapshot = ref.ID
	c.CapturedAt = ref.CapturedAt
	log = log.WithFields(logger.Fields{"snapshot_id": ref.ID})

	c.advance(StateNormalizing)
	snap, err := p.source.Load(ctx, ref)
	if err != nil {
		return p.fail(c, err)
	}
	records, stats, err := p.normalizer.Normalize(snap)
	c.Records = len(records)
	c.Malformed = stats.Malformed
	if err != nil {
		c.Recoverable = processor.IsRecoverable(err)
		return p.fail(c, err)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(c, err)
	}

	c.advance(StateMerging)
	history, err := p.store.Load(ctx, snap.CapturedAt.Add(-p.window))
	if err != nil {
		return p.fail(c, fmt.Errorf("load metrics window: %w", err))
	}
	newRows := models.RowsFromRecords(records)
	merged, _ := history.Merge(newRows)

	c.advance(StateRanking)
	ranked := rank.Calculate(merged, p.window)
	if err := ctx.Err(); err != nil {
		return p.fail(c, err)
	}

	c.advance(StatePersisting)
	res, err := p.store.Append(ctx, rank.Annotate(newRows, ranked))
	if err != nil {
		return p.fail(c, err)
	}
	c.Added = res.Added
	c.Duplicate = res.Duplicate

	c.advance(StateAcknowledging)
	if err := p.source.Ack(ctx, ref); err != nil {
		return p.fail(c, fmt.Errorf("acknowledge snapshot: %w", err))
	}
	c.advance(StateIdle)

	p.reportRanks(log, ranked, newRows)
	log.WithFields(logger.Fields{
		"records":   c.Records,
		"added":     c.Added,
		"duplicate": c.Duplicate,
		"window":    len(merged),
	}).Info("snapshot processed")
	return p.finish(c), nil
}

// Drain runs cycles until the holding area is empty, a cycle is skipped or
// one fails. It returns the number of snapshots processed.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		c, err := p.RunOnce(ctx)
		if err != nil {
			return processed, err
		}
		if !c.Processed() {
			return processed, nil
		}
		processed++
	}
}

// Trim discards rows older than the configured retention horizon, measured
// back from now. It is never run as part of a cycle.
func (p *Pipeline) Trim(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, errors.New("pipeline.retention_horizon is not configured")
	}
	release, err := p.locker.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lock: %w", err)
	}
	defer releaseLock(ctx, release, p.log.WithComponent("pipeline").WithFields(logger.Fields{"operation": "trim"}))

	horizon := p.now().Add(-p.retention)
	n, err := p.store.Trim(ctx, horizon)
	if err != nil {
		return 0, err
	}
	metrics.EmitMetric(p.log, "pipeline", metrics.MetricRowsTrimmed, float64(n), "counter", nil)
	return n, nil
}

// releaseLock gives the lock back even after ctx is done, bounded by
// lockReleaseTimeout.
func releaseLock(ctx context.Context, release lock.ReleaseFunc, log *logger.Entry) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := release(rctx); err != nil {
		log.WithError(err).Warn("failed to release lock")
	}
}

func (p *Pipeline) fail(c *Cycle, err error) (*Cycle, error) {
	c.FailedAt = c.State
	c.State = StateFailed
	c.Err = err

	entry := p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
		"run_id":      c.RunID,
		"snapshot_id": c.Snapshot,
		"failed_at":   string(c.FailedAt),
		"recoverable": c.Recoverable,
	})
	var empty *processor.EmptyResultError
	if errors.As(err, &empty) {
		entry.Warn("cycle failed")
	} else {
		entry.Error("cycle failed")
	}
	return p.finish(c), err
}

func (p *Pipeline) finish(c *Cycle) *Cycle {
	c.Finished = p.now()

	state := string(c.State)
	if c.Skipped {
		state = "SKIPPED"
	}
	log := p.log
	metrics.EmitMetric(log, "pipeline", metrics.MetricCycles, 1, "counter", logger.Fields{"state": state})
	metrics.EmitMetric(log, "pipeline", metrics.MetricCycleDuration, c.Duration().Seconds(), "gauge", nil)
	if c.Snapshot != "" {
		metrics.EmitMetric(log, "pipeline", metrics.MetricRecords, float64(c.Records), "counter", nil)
		metrics.EmitMetric(log, "pipeline", metrics.MetricMalformedKeys, float64(c.Malformed), "counter", nil)
	}
	if c.State == StateIdle && c.Snapshot != "" {
		metrics.EmitMetric(log, "pipeline", metrics.MetricRowsAppended, float64(c.Added), "counter", nil)
		if c.Duplicate {
			metrics.EmitMetric(log, "pipeline", metrics.MetricDuplicateAppends, 1, "counter", nil)
		}
	}
	logger.LogPerformanceEntry(log.WithComponent("pipeline"), "pipeline", "cycle", c.Duration(), logger.Fields{
		"run_id": c.RunID,
		"state":  state,
	})
	return c
}

func (p *Pipeline) reportRanks(log *logger.Entry, ranked map[string]models.RankedMetric, rows []models.MetricRow) {
	for _, row := range rows {
		m := ranked[row.Asset]
		metrics.EmitMetric(p.log, "pipeline", metrics.MetricAssetRank, m.Rank, "gauge", logger.Fields{"asset": row.Asset})
	}

	sorted := rank.Sorted(ranked)
	p.mu.Lock()
	p.latest = sorted
	p.mu.Unlock()

	if len(sorted) > topAssets {
		sorted = sorted[:topAssets]
	}
	top := make([]string, 0, len(sorted))
	for _, m := range sorted {
		top = append(top, fmt.Sprintf("%s=%.3f", m.Asset, m.Rank))
	}
	log.WithFields(logger.Fields{"top": top}).Debug("most volatile assets")
}

// Ranks returns the ranking computed by the most recent successful cycle,
// most volatile first.
func (p *Pipeline) Ranks() []models.RankedMetric {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.RankedMetric, len(p.latest))
	copy(out, p.latest)
	return out
}
