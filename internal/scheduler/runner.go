// Package scheduler runs the engine's cron jobs (auto square-off, daily PnL
// snapshot) in the market timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name   string
	spec   string
	stamp  string // time layout for the lock key; one run per distinct stamp
	lockTT time.Duration
	fn     JobFunc
}

// Runner wraps a robfig/cron scheduler. Each run takes the distributed lock
// "job:<name>:<stamp>" when a JobLock is configured so replicas do not run
// the same slot twice.
type Runner struct {
	cron   *cron.Cron
	loc    *time.Location
	lock   domain.JobLock
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]job
}

// New creates a Runner evaluating cron specs (with a seconds field) in loc.
// lock may be nil.
func New(loc *time.Location, lock domain.JobLock, logger *slog.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		loc:    loc,
		lock:   lock,
		logger: logger.With(slog.String("component", "scheduler")),
		now:    time.Now,
		jobs:   make(map[string]job),
	}
}

// Every registers fn on a cron spec. Runs are de-duplicated per minute.
func (r *Runner) Every(name, spec string, fn JobFunc) error {
	return r.add(job{name: name, spec: spec, stamp: "200601021504", lockTT: 50 * time.Second, fn: fn})
}

// DailyAt registers fn at hh:mm every day. Runs are de-duplicated per date.
func (r *Runner) DailyAt(name, hhmm string, fn JobFunc) error {
	spec, err := DailySpec(hhmm)
	if err != nil {
		return err
	}
	return r.add(job{name: name, spec: spec, stamp: "20060102", lockTT: 10 * time.Minute, fn: fn})
}

func (r *Runner) add(j job) error {
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(j.spec); err != nil {
		return fmt.Errorf("scheduler: job %s: bad spec %q: %w", j.name, j.spec, err)
	}
	r.mu.Lock()
	r.jobs[j.name] = j
	r.mu.Unlock()
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	for _, j := range r.jobs {
		j := j
		if _, err := r.cron.AddFunc(j.spec, func() { r.run(ctx, j) }); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("scheduler: add %s: %w", j.name, err)
		}
		r.logger.Info("job scheduled", slog.String("job", j.name), slog.String("spec", j.spec))
	}
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("scheduler started", slog.String("tz", r.loc.String()))
	<-ctx.Done()

	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("scheduler stopped")
	return nil
}

// Trigger runs a registered job immediately, honouring the job lock.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: job %s: %w", name, domain.ErrNotFound)
	}
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j job) error {
	logger := r.logger.With(slog.String("job", j.name))

	if r.lock != nil {
		key := "job:" + j.name + ":" + r.now().In(r.loc).Format(j.stamp)
		// the lock is left to expire so a replica with a skewed clock
		// cannot rerun the slot
		_, err := r.lock.Acquire(ctx, key, j.lockTT)
		if errors.Is(err, domain.ErrLockHeld) {
			metrics.JobRuns.WithLabelValues(j.name, "skipped").Inc()
			logger.DebugContext(ctx, "job slot held elsewhere", slog.String("key", key))
			return nil
		}
		if err != nil {
			metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
			logger.WarnContext(ctx, "job lock failed", slog.String("error", err.Error()))
			return err
		}
	}

	start := r.now()
	if err := j.fn(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
		logger.ErrorContext(ctx, "job failed", slog.String("error", err.Error()))
		return err
	}
	metrics.JobRuns.WithLabelValues(j.name, "ok").Inc()
	logger.DebugContext(ctx, "job done", slog.Duration("took", r.now().Sub(start)))
	return nil
}

// DailySpec converts "HH:MM" into a six-field cron spec.
func DailySpec(hhmm string) (string, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return "", fmt.Errorf("scheduler: bad time %q", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("scheduler: bad hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("scheduler: bad minute in %q", hhmm)
	}
	return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
}
