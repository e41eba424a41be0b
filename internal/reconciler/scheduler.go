package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a pass every ten minutes.
const DefaultSchedule = "@every 10m"

// Scheduler runs reconcile passes on a cron schedule. Overlapping passes are skipped.
type Scheduler struct {
	reconciler *Reconciler
	cron       *cron.Cron
	timeout    time.Duration
	logger     *slog.Logger
}

// NewScheduler registers r under schedule. An empty schedule uses DefaultSchedule.
func NewScheduler(r *Reconciler, schedule string, timeout time.Duration) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cl := cronLogger{r.logger}
	s := &Scheduler{
		reconciler: r,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		timeout:    timeout,
		logger:     r.logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the scheduler until ctx is cancelled, then waits for a running pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("reconcile scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("reconcile scheduler stopped")
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.reconciler.Run(ctx); err != nil {
		s.logger.Error("scheduled reconcile failed", slog.Any("error", err))
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
