// Package scheduler drives the periodic jobs: bot evaluation and order queue processing.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Timeout bounds one run, zero means the interval.
	Timeout time.Duration
}

// Scheduler runs jobs on fixed intervals. A run still in progress when the next one is due is skipped.
type Scheduler struct {
	cron *cron.Cron
	l    *zap.Logger
}

func New(l *zap.Logger) *Scheduler {
	cl := cronLogger{l: l.Named("cron")}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		l:    l,
	}
}

// Add registers job. It must be called before Run.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Interval), func() {
		s.runOnce(ctx, job, timeout)
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.l.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	return nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.l.Info("scheduler stopped")
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(runCtx); err != nil {
		s.l.Error("job failed", zap.String("job", job.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	s.l.Debug("job done", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
