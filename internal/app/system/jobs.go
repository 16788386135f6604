package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/pkg/logger"
)

var _ Service = (*JobRunner)(nil)

// ErrUnknownJob is returned by RunNow for names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID cron.EntryID
}

// JobRunner drives periodic jobs from cron specs. A job never overlaps with
// its own previous run.
type JobRunner struct {
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*job
	order   []string
	baseCtx context.Context
	cancel  context.CancelFunc
	running bool
}

// NewJobRunner constructs a runner. timeout bounds each individual run.
func NewJobRunner(timeout time.Duration, log *logger.Logger) *JobRunner {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cronLog := cron.PrintfLogger(log)
	return &JobRunner{
		log:     log,
		timeout: timeout,
		cron: cron.New(
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		jobs:    make(map[string]*job),
		baseCtx: context.Background(),
	}
}

func (r *JobRunner) Name() string { return "job-runner" }

// Add schedules fn under name. An empty spec registers the job for manual
// runs only.
func (r *JobRunner) Add(name, spec string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job function is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		id, err := r.cron.AddFunc(spec, func() { r.run(j) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		j.entryID = id
	}
	r.jobs[name] = j
	r.order = append(r.order, name)
	return nil
}

// RunNow executes a registered job synchronously.
func (r *JobRunner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, j)
}

// Jobs returns the registered job names with their specs and next run time.
func (r *JobRunner) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.order))
	for _, name := range r.order {
		j := r.jobs[name]
		info := JobInfo{Name: j.name, Spec: j.spec}
		if j.entryID != 0 {
			info.Next = r.cron.Entry(j.entryID).Next
		}
		out = append(out, info)
	}
	return out
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec,omitempty"`
	Next time.Time `json:"next_run,omitempty"`
}

func (r *JobRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.baseCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.cron.Start()
	r.running = true
	r.log.WithField("jobs", len(r.jobs)).Info("job runner started")
	return nil
}

func (r *JobRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("job runner stopped")
	return nil
}

func (r *JobRunner) run(j *job) {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if err := r.execute(ctx, j); err != nil {
		r.log.WithError(err).WithField("job", j.name).Warn("job run failed")
	}
}

func (r *JobRunner) execute(ctx context.Context, j *job) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(runCtx)
	duration := time.Since(start)
	metrics.RecordJobRun(j.name, duration, err == nil)
	if err == nil {
		r.log.WithField("job", j.name).WithField("duration_ms", duration.Milliseconds()).Debug("job run completed")
	}
	return err
}
