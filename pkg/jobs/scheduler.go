package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/events"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
)

// Scheduler runs persisted background jobs on cron, interval, and
// one-shot triggers. Job definitions live in the repository; the
// scheduler loads enabled jobs on start and can resynchronize later.
type Scheduler struct {
	repo     storage.Repository
	registry *Registry
	opts     config.JobsConfig
	logger   zerolog.Logger
	broker   *events.Broker // Optional; nil disables event publication
	now      func() time.Time
	tick     time.Duration

	mu      sync.Mutex
	jobs    map[string]*types.ScheduledJob
	running map[string]int // Active instance count per job id

	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewScheduler creates a job scheduler
func NewScheduler(repo storage.Repository, registry *Registry, opts config.JobsConfig) *Scheduler {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 1
	}
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = 5 * time.Minute
	}
	return &Scheduler{
		repo:     repo,
		registry: registry,
		opts:     opts,
		logger:   log.WithComponent("jobs"),
		now:      time.Now,
		tick:     time.Second,
		jobs:     make(map[string]*types.ScheduledJob),
		running:  make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// SetBroker wires an event broker for job lifecycle events
func (s *Scheduler) SetBroker(broker *events.Broker) {
	s.broker = broker
}

// SetClock replaces the scheduler's time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetTick overrides the polling cadence
func (s *Scheduler) SetTick(tick time.Duration) {
	s.tick = tick
}

// Start loads enabled jobs from the repository and begins the firing loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	count, err := s.Sync()
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	s.logger.Info().Int("jobs", count).Msg("Job scheduler started")

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop stops the firing loop and waits for in-flight runs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Job scheduler stopped")
}

// Sync reconciles in-memory jobs with the repository: new jobs are
// installed, deleted jobs dropped, and modified jobs updated. Returns
// the number of installed jobs.
func (s *Scheduler) Sync() (int, error) {
	stored, err := s.repo.ListJobs(true)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]*types.ScheduledJob, len(stored))
	for _, job := range stored {
		if job.NextRun == nil {
			if trigger, err := NewTrigger(job.Trigger); err == nil {
				if next, ok := trigger.Next(s.now()); ok {
					job.NextRun = &next
					_ = s.repo.UpdateJob(job)
				}
			} else {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("Skipping job with invalid trigger")
				continue
			}
		}
		fresh[job.ID] = job
	}
	s.jobs = fresh
	metrics.JobsEnabled.Set(float64(len(fresh)))
	return len(fresh), nil
}

// AddJob validates, persists, and installs a new job
func (s *Scheduler) AddJob(name, funcRef string, trigger types.TriggerSpec, args map[string]string) (string, error) {
	if _, err := s.registry.Resolve(funcRef); err != nil {
		return "", err
	}
	tr, err := NewTrigger(trigger)
	if err != nil {
		return "", err
	}

	job := &types.ScheduledJob{
		ID:      uuid.New().String(),
		Name:    name,
		FuncRef: funcRef,
		Trigger: trigger,
		Args:    args,
		Enabled: true,
	}
	if next, ok := tr.Next(s.now()); ok {
		job.NextRun = &next
	}

	if err := s.repo.CreateJob(job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	metrics.JobsEnabled.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("name", name).
		Str("trigger", string(trigger.Kind)).
		Msg("Job added")
	return job.ID, nil
}

// RemoveJob deletes a job from the repository and the scheduler
func (s *Scheduler) RemoveJob(jobID string) error {
	if err := s.repo.DeleteJob(jobID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, jobID)
	metrics.JobsEnabled.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	return nil
}

// PauseJob disables a job without deleting it
func (s *Scheduler) PauseJob(jobID string) error {
	job, err := s.repo.GetJob(jobID)
	if err != nil {
		return err
	}
	job.Enabled = false
	if err := s.repo.UpdateJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, jobID)
	metrics.JobsEnabled.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	return nil
}

// ResumeJob re-enables a paused job and recomputes its next run
func (s *Scheduler) ResumeJob(jobID string) error {
	job, err := s.repo.GetJob(jobID)
	if err != nil {
		return err
	}
	trigger, err := NewTrigger(job.Trigger)
	if err != nil {
		return err
	}
	job.Enabled = true
	job.NextRun = nil
	if next, ok := trigger.Next(s.now()); ok {
		job.NextRun = &next
	}
	if err := s.repo.UpdateJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	metrics.JobsEnabled.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	return nil
}

// ListJobs returns all persisted jobs, enabled or not
func (s *Scheduler) ListJobs() ([]*types.ScheduledJob, error) {
	return s.repo.ListJobs(false)
}

func (s *Scheduler) publish(eventType events.EventType, job *types.ScheduledJob, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"job_id": job.ID,
			"job":    job.Name,
		},
	})
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.fireDue()
		case <-s.stopCh:
			return
		}
	}
}

// fireDue starts every job whose next run has arrived. A job that was
// due longer ago than the misfire grace is logged and skipped; within
// the grace, coalescing collapses all missed firings into one run.
func (s *Scheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	var due []*types.ScheduledJob
	for _, job := range s.jobs {
		if job.NextRun != nil && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		scheduledTime := *job.NextRun
		trigger, err := NewTrigger(job.Trigger)
		if err != nil {
			continue
		}

		// With coalescing, all firings missed since the scheduled time
		// collapse into one run; without it each firing replays
		firings := []time.Time{scheduledTime}
		if !s.opts.Coalesce {
			at := scheduledTime
			for {
				next, ok := trigger.Next(at)
				if !ok || next.After(now) {
					break
				}
				firings = append(firings, next)
				at = next
			}
		}

		next, ok := trigger.Next(now)
		s.mu.Lock()
		if ok {
			job.NextRun = &next
		} else {
			job.NextRun = nil
		}
		s.mu.Unlock()
		_ = s.repo.UpdateJob(job)

		for _, firedAt := range firings {
			if now.Sub(firedAt) > s.opts.MisfireGrace {
				metrics.JobRunsMissed.WithLabelValues(job.Name).Inc()
				s.logger.Warn().
					Str("job", job.Name).
					Time("scheduled", firedAt).
					Dur("late_by", now.Sub(firedAt)).
					Msg("Missed run beyond misfire grace, skipping")
				continue
			}
			s.launch(job, firedAt)
		}
	}
}

// launch runs one job execution unless the instance cap is reached
func (s *Scheduler) launch(job *types.ScheduledJob, scheduledTime time.Time) {
	s.mu.Lock()
	if s.running[job.ID] >= s.opts.MaxInstances {
		s.mu.Unlock()
		metrics.JobRunsDropped.WithLabelValues(job.Name).Inc()
		s.logger.Warn().
			Str("job", job.Name).
			Int("max_instances", s.opts.MaxInstances).
			Msg("Dropping overlapping execution")
		return
	}
	s.running[job.ID]++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running[job.ID]--
			s.mu.Unlock()
		}()
		s.execute(job, scheduledTime)
	}()
}

// execute wraps one run with its JobExecution record
func (s *Scheduler) execute(job *types.ScheduledJob, scheduledTime time.Time) {
	execution := &types.JobExecution{
		JobID:         job.ID,
		ScheduledTime: scheduledTime,
		StartedAt:     s.now(),
	}
	if err := s.repo.RecordExecution(execution); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Failed to record execution start")
	}

	fn, err := s.registry.Resolve(job.FuncRef)
	var result string
	if err == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job panicked: %v", r)
				}
			}()
			result, err = fn(context.Background(), job.Args)
		}()
	}

	finished := s.now()
	execution.FinishedAt = &finished
	if err != nil {
		execution.Error = err.Error()
		metrics.JobRunsFailed.WithLabelValues(job.Name).Inc()
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Job execution failed")
		s.publish(events.EventJobFailed, job, err.Error())
	} else {
		execution.Result = result
		metrics.JobRunsSucceeded.WithLabelValues(job.Name).Inc()
		s.logger.Debug().Str("job", job.Name).Str("result", result).Msg("Job execution finished")
		s.publish(events.EventJobCompleted, job, result)
	}
	if err := s.repo.UpdateExecution(execution); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Failed to record execution result")
	}

	s.mu.Lock()
	job.RunCount++
	started := execution.StartedAt
	job.LastRun = &started
	s.mu.Unlock()
	_ = s.repo.UpdateJob(job)
}
