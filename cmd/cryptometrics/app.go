package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/internal/dashboard"
	"cryptometrics/internal/lock"
	"cryptometrics/internal/metrics"
	"cryptometrics/internal/pipeline"
	"cryptometrics/internal/store"
	"cryptometrics/logger"
	"cryptometrics/processor"
	"cryptometrics/reader"
)

var errUnknownCommand = errors.New("unknown command")

type app struct {
	cfg        *config.Config
	bucket     blob.Bucket
	store      store.Store
	locker     lock.Locker
	pipeline   *pipeline.Pipeline
	collector  *reader.Collector
	prometheus *metrics.Prometheus
	cloudwatch *metrics.CloudWatch
	handlerIDs []metrics.MetricHandlerID
	log        *logger.Log
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.GetLogger()}

	bucket, err := blob.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	a.bucket = bucket

	st, err := store.Open(ctx, cfg.Storage, bucket)
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}
	a.store = st

	normalizer, err := processor.NewNormalizer(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	locker, err := lock.New(ctx, cfg.Lock, filepath.Join(cfg.Storage.Local.Root, "locks"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open lock: %w", err)
	}
	a.locker = locker

	source := reader.NewSnapshotSource(bucket, cfg.Snapshots, cfg.Pipeline.AckMode)
	a.pipeline = pipeline.New(cfg, source, normalizer, st, locker)
	a.collector = reader.NewCollector(cfg.Collector, bucket, cfg.Snapshots)

	a.prometheus = metrics.NewPrometheus()
	a.handlerIDs = append(a.handlerIDs, metrics.RegisterMetricHandler(a.prometheus.Handle))

	if cfg.Metrics.CloudWatch.Enabled {
		cw, err := metrics.NewCloudWatch(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			a.log.WithComponent("main").WithError(err).Warn("CloudWatch metrics disabled")
		} else {
			a.cloudwatch = cw
			a.handlerIDs = append(a.handlerIDs, metrics.RegisterMetricHandler(cw.Handle))
		}
	}
	return a, nil
}

func (a *app) execute(ctx context.Context, command string, collect bool) error {
	log := a.log.WithComponent("main")
	switch command {
	case "run":
		c, err := a.pipeline.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logger.Fields{
			"run_id":   c.RunID,
			"snapshot": c.Snapshot,
			"added":    c.Added,
			"skipped":  c.Skipped,
		}).Info("run finished")
		return nil
	case "drain":
		n, err := a.pipeline.Drain(ctx)
		log.WithFields(logger.Fields{"processed": n}).Info("drain finished")
		return err
	case "trim":
		n, err := a.pipeline.Trim(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logger.Fields{"rows": n}).Info("trim finished")
		return nil
	case "collect":
		key, err := a.collector.Collect(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logger.Fields{"key": key}).Info("snapshot staged")
		return nil
	case "serve":
		return a.serve(ctx, collect)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, command)
	}
}

// scheduledTick is one serve iteration: optionally collect, then drain.
func (a *app) scheduledTick(ctx context.Context, collect bool) {
	log := a.log.WithComponent("scheduler")
	if collect {
		if _, err := a.collector.Collect(ctx); err != nil {
			log.WithError(err).Warn("collection failed")
		}
	}
	n, err := a.pipeline.Drain(ctx)
	if err != nil && !processor.IsRecoverable(err) {
		log.WithError(err).Error("scheduled drain failed")
	}
	log.WithFields(logger.Fields{"processed": n}).Debug("scheduled drain finished")
	a.flushMetrics(ctx)
}

func (a *app) serve(ctx context.Context, collect bool) error {
	log := a.log.WithComponent("main")

	status := dashboard.NewServer(a.cfg.Metrics, a.cfg.Cryptometrics.Name, a.log, a.prometheus.Handler(), a.pipeline.Ranks)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		if err := status.Run(ctx); err != nil {
			log.WithError(err).Error("status server failed")
		}
	}()

	if a.cloudwatch != nil {
		if err := a.cloudwatch.PutDashboard(ctx, a.cfg.Cryptometrics.Name); err != nil {
			log.WithError(err).Warn("failed to create CloudWatch dashboard")
		}
	}

	sched, err := newScheduler(ctx, a.cfg.Pipeline.Schedule, func(ctx context.Context) {
		a.scheduledTick(ctx, collect)
	})
	if err != nil {
		return err
	}
	sched.Start()
	log.WithFields(logger.Fields{"schedule": a.cfg.Pipeline.Schedule}).Info("scheduler started")

	<-ctx.Done()
	log.Info("shutdown signal received")
	sched.Stop()

	<-statusDone
	return nil
}

func (a *app) flushMetrics(ctx context.Context) {
	if a.cloudwatch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.cloudwatch.Flush(ctx); err != nil {
		a.log.WithComponent("main").WithError(err).Warn("failed to flush CloudWatch metrics")
	}
}

func (a *app) Close() {
	for _, id := range a.handlerIDs {
		metrics.UnregisterMetricHandler(id)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithComponent("main").WithError(err).Warn("failed to close metrics store")
		}
	}
	// the redis lock owns a client connection pool
	if c, ok := a.locker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.WithComponent("main").WithError(err).Warn("failed to close lock")
		}
	}
}
