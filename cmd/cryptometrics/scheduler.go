package main

import (
	"context"

	"github.com/robfig/cron/v3"

	"cryptometrics/logger"
)

// cronLogger routes cron's own logging through logrus.
type cronLogger struct {
	entry *logger.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	fields := make(logger.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}

type scheduler struct {
	cron *cron.Cron
	log  *logger.Entry
}

// newScheduler runs job on the cron schedule. A tick that fires while the
// previous one is still running is skipped.
func newScheduler(ctx context.Context, schedule string, job func(context.Context)) (*scheduler, error) {
	log := logger.GetLogger().WithComponent("scheduler")
	cl := cronLogger{entry: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, func() { job(ctx) }); err != nil {
		return nil, err
	}
	return &scheduler{cron: c, log: log}, nil
}

func (s *scheduler) Start() {
	s.cron.Start()
}

func (s *scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.log.Info("scheduler stopped")
}
