// Package scheduler runs the periodic jobs (accrual, reconciliation, deposit
// recovery) on one cron instance and keeps their health for the operator API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rewards/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Stats is what a job reports about one run.
type Stats struct {
	Processed int
	Failed    int
}

type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) (Stats, error)
}

type Status struct {
	Name          string     `json:"name"`
	Interval      string     `json:"interval"`
	Running       bool       `json:"running"`
	Runs          int        `json:"runs"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastDuration  string     `json:"last_duration,omitempty"`
	Processed     int        `json:"processed"`
	Failed        int        `json:"failed"`
	LastError     string     `json:"last_error,omitempty"`
}

type entry struct {
	job     Job
	running bool
	status  Status
}

type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
	wg   sync.WaitGroup
}

func New(log logrus.FieldLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		log:    log,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Register schedules job every job.Interval. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("invalid job %q", job.Name)
	}
	s.mu.Lock()
	if _, exists := s.jobs[job.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, status: Status{Name: job.Name, Interval: job.Interval.String()}}
	s.mu.Unlock()

	name := job.Name
	s.cron.Schedule(cron.Every(job.Interval), cron.FuncJob(func() {
		if _, err := s.run(s.ctx, name); err != nil && !errors.Is(err, ErrJobRunning) {
			s.log.WithFields(logrus.Fields{"job": name, "error": err}).Error("scheduled job failed")
		}
	}))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
// Jobs leave unprocessed work for the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job immediately on the caller's context, unless it is already
// running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Status, error) {
	return s.run(ctx, name)
}

func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		status := e.status
		status.Running = e.running
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, name string) (Status, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return Status{}, ErrUnknownJob
	}
	if e.running {
		s.mu.Unlock()
		return Status{}, ErrJobRunning
	}
	e.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = e.job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.now().UTC()
	stats, err := e.job.Run(runCtx)
	duration := s.now().UTC().Sub(started)
	metrics.RecordJob(name, duration, err == nil)

	fields := logrus.Fields{"job": name, "duration": duration.String(), "processed": stats.Processed, "failed": stats.Failed}
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("job run failed")
	} else if stats.Failed > 0 {
		s.log.WithFields(fields).Warn("job run finished with failures")
	} else {
		s.log.WithFields(fields).Info("job run finished")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	e.status.Runs++
	e.status.LastRunAt = &started
	e.status.LastDuration = duration.String()
	e.status.Processed = stats.Processed
	e.status.Failed = stats.Failed
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
		e.status.LastSuccessAt = &started
	}
	status := e.status
	return status, err
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
