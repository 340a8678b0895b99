package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	cronparser "github.com/robfig/cron/v3"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

var logger = log.GetLogger("cron")

// TickInterval is the scheduler's due-job evaluation resolution.
const TickInterval = 5 * time.Second

var scheduleParser = cronparser.NewParser(
	cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow,
)

var (
	ErrJobNotFound = fmt.Errorf("cron job not found")
	ErrUnknownType = fmt.Errorf("unknown cron job type")
)

// Scheduler evaluates which jobs are due every TickInterval, invokes their
// checkers, and spawns one session per previously-unseen trigger.
type Scheduler struct {
	store   *fileStore
	spawner SessionSpawner

	mu   sync.Mutex
	jobs map[string]*Job
	runs []*Run
	seen map[string]map[string]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler loads persisted jobs and runs from dir. Call Start to begin
// ticking.
func NewScheduler(dir string, spawner SessionSpawner) (*Scheduler, error) {
	st, err := newFileStore(dir)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		store:   st,
		spawner: spawner,
		jobs:    make(map[string]*Job),
		seen:    make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
	}

	if err := s.reloadJobs(); err != nil {
		return nil, err
	}

	runs, err := st.loadRuns()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load cron runs, starting empty")
	} else {
		s.runs = runs
	}

	return s, nil
}

// Start begins the due-job ticker and watches the jobs file for external
// edits.
func (s *Scheduler) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create jobs watcher, hot reload disabled")
	} else if err := watcher.Add(s.store.dir); err != nil {
		logger.Warn().Err(err).Msg("failed to watch cron dir, hot reload disabled")
		watcher.Close()
	} else {
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop()
	}

	s.wg.Add(1)
	go s.tickLoop()

	logger.Info().Int("jobs", s.jobCount()).Msg("cron scheduler started")
}

// Stop halts ticking and waits for in-flight runs to record.
func (s *Scheduler) Stop() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, job := range s.dueJobs(now) {
				s.runJob(job)
			}
		}
	}
}

// watchLoop reloads the job set when jobs.json changes on disk.
func (s *Scheduler) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.store.jobsPath() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reloadJobs(); err != nil {
				logger.Warn().Err(err).Msg("failed to reload jobs after file change")
			} else {
				logger.Info().Int("jobs", s.jobCount()).Msg("reloaded cron jobs from disk")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("jobs watcher error")
		}
	}
}

func (s *Scheduler) reloadJobs() error {
	jobs, err := s.store.loadJobs()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*Job, len(jobs))
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// dueJobs returns enabled jobs whose interval or schedule has elapsed.
func (s *Scheduler) dueJobs(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if jobDue(job, now) {
			due = append(due, job)
		}
	}
	return due
}

func jobDue(job *Job, now time.Time) bool {
	last := job.LastRunAt
	if last.IsZero() {
		last = job.CreatedAt
	}

	if job.Schedule != "" {
		sched, err := scheduleParser.Parse(job.Schedule)
		if err != nil {
			logger.Warn().Err(err).Str("jobId", job.ID).Str("schedule", job.Schedule).Msg("invalid schedule expression")
			return false
		}
		return !sched.Next(last).After(now)
	}

	if job.IntervalSeconds <= 0 {
		return false
	}
	return now.Sub(last) >= time.Duration(job.IntervalSeconds)*time.Second
}

// runJob executes one job invocation end to end: checker, dedupe, spawn,
// run record.
func (s *Scheduler) runJob(job *Job) {
	run := &Run{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		StartedAt: time.Now(),
		Status:    RunStatusRunning,
	}
	s.appendRun(run)
	s.touchJob(job.ID, run.StartedAt)

	checker, ok := lookupChecker(job.Type)
	if !ok {
		s.finishRun(run, RunStatusFailed, fmt.Sprintf("no checker for job type %q", job.Type), 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), CheckerTimeout)
	defer cancel()

	triggers, err := checker(ctx, job.Config)
	if err != nil {
		s.finishRun(run, RunStatusFailed, err.Error(), 0)
		return
	}

	seen := s.seenSet(job.ID)

	var spawned []string
	var summaries []string
	for _, trigger := range triggers {
		s.mu.Lock()
		_, dup := seen[trigger.DedupeKey]
		s.mu.Unlock()
		if dup {
			continue
		}

		cwd := trigger.Cwd
		if cwd == "" {
			cwd = job.Cwd
		}

		sessionID, err := s.spawner.SpawnSession(SpawnRequest{
			Model:          job.Model,
			PermissionMode: job.PermissionMode,
			Cwd:            cwd,
			SessionName:    trigger.SessionName,
			Prompt:         trigger.Prompt,
		})
		if err != nil {
			logger.Error().Err(err).Str("jobId", job.ID).Str("dedupeKey", trigger.DedupeKey).Msg("failed to spawn session for trigger")
			continue
		}

		// Seen means acted on: a failed spawn above stays eligible for the
		// next tick.
		s.mu.Lock()
		seen[trigger.DedupeKey] = struct{}{}
		seenCopy := copyKeys(seen)
		s.mu.Unlock()
		if err := s.store.saveSeen(job.ID, seenCopy); err != nil {
			logger.Error().Err(err).Str("jobId", job.ID).Msg("failed to persist seen set")
		}

		spawned = append(spawned, sessionID)
		summaries = append(summaries, trigger.Summary)

		logger.Info().
			Str("jobId", job.ID).
			Str("sessionId", sessionID).
			Str("dedupeKey", trigger.DedupeKey).
			Msg("spawned session for trigger")
	}

	run.SpawnedSessionIDs = spawned
	run.TriggerSummary = joinSummaries(summaries)

	status := RunStatusCompleted
	if len(triggers) > 0 && len(spawned) == 0 {
		status = RunStatusSkipped
	}
	s.finishRun(run, status, "", len(triggers))
}

// RunNow performs one immediate invocation of the job.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	s.runJob(job)
	return nil
}

// ResetSeen clears the job's dedupe set so past triggers fire again.
func (s *Scheduler) ResetSeen(jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	if ok {
		delete(s.seen, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	s.store.removeSeen(jobID)
	return nil
}

func (s *Scheduler) seenSet(jobID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seen[jobID]
	if !ok {
		seen = s.store.loadSeen(jobID)
		s.seen[jobID] = seen
	}
	return seen
}

func copyKeys(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func joinSummaries(summaries []string) string {
	switch len(summaries) {
	case 0:
		return ""
	case 1:
		return summaries[0]
	default:
		return fmt.Sprintf("%s (+%d more)", summaries[0], len(summaries)-1)
	}
}

func (s *Scheduler) appendRun(run *Run) {
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.capRunsLocked(run.JobID)
	runs := s.runsCopyLocked()
	s.mu.Unlock()

	if err := s.store.saveRuns(runs); err != nil {
		logger.Error().Err(err).Msg("failed to persist cron runs")
	}
}

func (s *Scheduler) finishRun(run *Run, status, errMsg string, triggerCount int) {
	s.mu.Lock()
	run.FinishedAt = time.Now()
	run.Status = status
	run.Error = errMsg
	run.TriggerCount = triggerCount
	runs := s.runsCopyLocked()
	s.mu.Unlock()

	if err := s.store.saveRuns(runs); err != nil {
		logger.Error().Err(err).Msg("failed to persist cron runs")
	}
}

func (s *Scheduler) capRunsLocked(jobID string) {
	count := 0
	for _, r := range s.runs {
		if r.JobID == jobID {
			count++
		}
	}
	for count > RunHistoryCap {
		for i, r := range s.runs {
			if r.JobID == jobID {
				s.runs = append(s.runs[:i], s.runs[i+1:]...)
				count--
				break
			}
		}
	}
}

func (s *Scheduler) runsCopyLocked() []*Run {
	runs := make([]*Run, len(s.runs))
	copy(runs, s.runs)
	return runs
}

func (s *Scheduler) touchJob(jobID string, at time.Time) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		job.LastRunAt = at
	}
	jobs := s.jobListLocked()
	s.mu.Unlock()

	if ok {
		if err := s.store.saveJobs(jobs); err != nil {
			logger.Error().Err(err).Msg("failed to persist cron jobs")
		}
	}
}

// =============================================================================
// Job CRUD (backs the REST surface)
// =============================================================================

// CreateJob validates and persists a new job definition.
func (s *Scheduler) CreateJob(job *Job) (*Job, error) {
	if _, ok := lookupChecker(job.Type); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, job.Type)
	}
	if job.Schedule != "" {
		if _, err := scheduleParser.Parse(job.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule expression: %w", err)
		}
	} else if job.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("job needs a positive intervalSeconds or a schedule")
	}
	if job.Config == nil {
		job.Config = json.RawMessage("{}")
	}

	job.ID = uuid.New().String()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	s.mu.Lock()
	s.jobs[job.ID] = job
	jobs := s.jobListLocked()
	s.mu.Unlock()

	if err := s.store.saveJobs(jobs); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob overwrites mutable fields of an existing job.
func (s *Scheduler) UpdateJob(jobID string, update *Job) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}

	if update.Name != "" {
		job.Name = update.Name
	}
	if update.Type != "" {
		job.Type = update.Type
	}
	job.Enabled = update.Enabled
	if update.IntervalSeconds > 0 {
		job.IntervalSeconds = update.IntervalSeconds
	}
	job.Schedule = update.Schedule
	if update.Config != nil {
		job.Config = update.Config
	}
	job.Model = update.Model
	job.PermissionMode = update.PermissionMode
	job.Cwd = update.Cwd
	job.UpdatedAt = time.Now()

	jobs := s.jobListLocked()
	s.mu.Unlock()

	if err := s.store.saveJobs(jobs); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes the job, its seen set, and keeps past runs for history.
func (s *Scheduler) DeleteJob(jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
		delete(s.seen, jobID)
	}
	jobs := s.jobListLocked()
	s.mu.Unlock()

	if !ok {
		return ErrJobNotFound
	}

	s.store.removeSeen(jobID)
	return s.store.saveJobs(jobs)
}

// GetJob returns one job or ErrJobNotFound.
func (s *Scheduler) GetJob(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns all jobs, oldest first.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobListLocked()
}

func (s *Scheduler) jobListLocked() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// ListRuns returns runs, newest first, optionally filtered by job.
func (s *Scheduler) ListRuns(jobID string) []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*Run
	for _, run := range s.runs {
		if jobID == "" || run.JobID == jobID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}
