package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/proxylog/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// job is one registered job and its runtime state.
type job struct {
	name    string
	fn      JobFunc
	entry   cron.EntryID
	wrapped cron.Job

	mu    sync.Mutex
	state JobState
}

func (j *job) markSkipped() {
	j.mu.Lock()
	j.state.Skipped++
	j.state.LastStatus = StatusSkipped
	j.mu.Unlock()
}

// Scheduler runs named jobs on cron schedules. A job never overlaps itself: a
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*job
	running bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	adapter := zerologAdapter{logger: logger.Component("cron")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(adapter)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name. Names are unique.
func (s *Scheduler) Add(name string, schedule Schedule, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job function is required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job already registered: %s", name)
	}

	j := &job{
		name:  name,
		fn:    fn,
		state: JobState{Name: name, Schedule: schedule},
	}
	jl := jobLogger{
		zerologAdapter: zerologAdapter{logger: logger.Component("cron").With().Str("job", name).Logger()},
		job:            j,
	}
	j.wrapped = cron.NewChain(
		cron.Recover(jl),
		cron.SkipIfStillRunning(jl),
	).Then(cron.FuncJob(func() { s.execute(j) }))
	j.entry = s.cron.Schedule(sched, j.wrapped)
	s.jobs[name] = j

	log.Info().
		Str("job", name).
		Str("expr", schedule.Expr).
		Msg("Job scheduled")

	return nil
}

// execute runs the job body and records its outcome.
func (s *Scheduler) execute(j *job) {
	start := time.Now()
	j.mu.Lock()
	j.state.Running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.state.Running = false
		j.mu.Unlock()
	}()

	err := j.fn(s.ctx)
	duration := time.Since(start)

	j.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = start
	j.state.LastDuration = duration
	if err != nil {
		j.state.LastStatus = StatusError
		j.state.LastError = err.Error()
		j.state.ConsecutiveErrors++
	} else {
		j.state.LastStatus = StatusOK
		j.state.LastError = ""
		j.state.ConsecutiveErrors = 0
	}
	j.mu.Unlock()

	event := log.Debug()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("job", j.name).
		Dur("duration", duration).
		Msg("Job finished")
}

// RunNow runs a job synchronously, outside its schedule. It returns
// ErrJobRunning if the job is executing at the time of the call.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	j.mu.Lock()
	skipped := j.state.Skipped
	j.mu.Unlock()

	j.wrapped.Run()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Skipped != skipped {
		return ErrJobRunning
	}
	if j.state.LastStatus == StatusError {
		return fmt.Errorf("job %s failed: %s", name, j.state.LastError)
	}
	return nil
}

// Start begins firing schedules. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Info().Int("jobCount", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops firing schedules, cancels the job context and waits for running
// jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// State returns a snapshot of one job's state.
func (s *Scheduler) State(name string) (JobState, bool) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return JobState{}, false
	}
	return s.snapshot(j), true
}

// Jobs returns the state of every job sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	states := make([]JobState, 0, len(jobs))
	for _, j := range jobs {
		states = append(states, s.snapshot(j))
	}
	sort.Slice(states, func(i, k int) bool { return states[i].Name < states[k].Name })
	return states
}

func (s *Scheduler) snapshot(j *job) JobState {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	state.NextRunAt = s.cron.Entry(j.entry).Next
	return state
}
