package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"igsession/pkg/logger"
)

// Func is one run of a scheduled job
type Func func(ctx context.Context)

// Scheduler runs maintenance jobs on cron schedules. A run that is still going
// when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler whose runs are bounded by timeout
func New(log logger.Logger, timeout time.Duration) *Scheduler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	adapter := cronLogger{log: log.WithField("component", "jobs")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		timeout: timeout,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under schedule. An empty schedule disables the job.
func (s *Scheduler) Add(name, schedule string, fn Func) error {
	if schedule == "" {
		s.log.WithField("job", name).Info("Job disabled")
		return nil
	}

	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		fn(ctx)
		s.log.WithFields(map[string]interface{}{
			"job":      name,
			"duration": time.Since(start),
		}).Debug("Job finished")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	s.log.WithFields(map[string]interface{}{"job": name, "schedule": schedule}).Info("Job scheduled")
	return nil
}

// Len returns the number of scheduled jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Jobs still running at shutdown")
	}
}

// cronLogger adapts logger.Logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
