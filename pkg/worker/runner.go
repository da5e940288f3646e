package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Schedule binds a job to its interval.
type Schedule struct {
	Job        Job
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
}

type scheduled struct {
	Schedule
	running sync.Mutex
}

// Runner drives jobs on independent tickers. A job never runs twice
// concurrently: a tick that arrives while the previous run is still going is
// skipped.
type Runner struct {
	jobs    map[string]*scheduled
	order   []string
	logger  *logger.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewRunner(log *logger.Logger, m *metrics.Metrics, schedules ...Schedule) *Runner {
	r := &Runner{
		jobs:    make(map[string]*scheduled, len(schedules)),
		logger:  log,
		metrics: m,
	}
	for _, s := range schedules {
		// Config validation instead of defaults
		if s.Job == nil {
			panic("worker: schedule without a job")
		}
		if s.Interval <= 0 {
			panic(fmt.Sprintf("worker: interval for %s must be greater than 0", s.Job.Name()))
		}
		if _, dup := r.jobs[s.Job.Name()]; dup {
			panic(fmt.Sprintf("worker: job %s registered twice", s.Job.Name()))
		}
		r.jobs[s.Job.Name()] = &scheduled{Schedule: s}
		r.order = append(r.order, s.Job.Name())
	}
	return r
}

// Start runs every schedule until ctx is cancelled, then waits for in-flight
// runs to finish.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting job runner", "jobs", r.order)

	for _, name := range r.order {
		job := r.jobs[name]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, job)
		}()
	}

	<-ctx.Done()
	r.logger.Info("Shutting down job runner")
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job *scheduled) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		r.tick(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job *scheduled) {
	if !job.running.TryLock() {
		r.countSkip(job.Job.Name())
		r.logger.Warn("Previous run still in progress, skipping tick", "job", job.Job.Name())
		return
	}
	defer job.running.Unlock()

	if err := r.execute(ctx, job); err != nil {
		r.logger.Error(err, "Job failed", "job", job.Job.Name())
	}
}

// RunNow executes the named job immediately, unless it is already running.
// It reports whether the job ran.
func (r *Runner) RunNow(ctx context.Context, name string) (bool, error) {
	job, ok := r.jobs[name]
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	if !job.running.TryLock() {
		r.countSkip(name)
		return false, nil
	}
	defer job.running.Unlock()
	return true, r.execute(ctx, job)
}

func (r *Runner) execute(ctx context.Context, job *scheduled) (err error) {
	name := job.Job.Name()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", name, p)
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		if r.metrics != nil {
			r.metrics.JobRuns.WithLabelValues(name, outcome).Inc()
		}
	}()

	r.logger.Debug("Running job", "job", name)
	return job.Job.Run(ctx)
}

func (r *Runner) countSkip(name string) {
	if r.metrics != nil {
		r.metrics.JobSkipped.WithLabelValues(name).Inc()
	}
}
