package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RunHistoryCap is the maximum retained runs per job; older runs are dropped.
const RunHistoryCap = 100

const (
	fileJobs = "jobs.json"
	fileRuns = "runs.json"
)

// fileStore persists jobs, runs, and per-job seen-trigger sets as JSON files
// under the cron directory. Writes are atomic (temp sibling + rename).
type fileStore struct {
	dir string
	mu  sync.Mutex
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cron dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) jobsPath() string { return filepath.Join(s.dir, fileJobs) }

func (s *fileStore) loadJobs() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.jobsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("corrupt jobs file: %w", err)
	}
	return jobs, nil
}

func (s *fileStore) saveJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(fileJobs, jobs)
}

func (s *fileStore) loadRuns() ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, fileRuns))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var runs []*Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("corrupt runs file: %w", err)
	}
	return runs, nil
}

func (s *fileStore) saveRuns(runs []*Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(fileRuns, runs)
}

// loadSeen returns the persisted dedupe set for one job.
func (s *fileStore) loadSeen(jobID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	data, err := os.ReadFile(filepath.Join(s.dir, seenFile(jobID)))
	if err != nil {
		return seen
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		logger.Warn().Err(err).Str("jobId", jobID).Msg("corrupt seen file, starting empty")
		return seen
	}
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	return seen
}

func (s *fileStore) saveSeen(jobID string, seen map[string]struct{}) error {
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(seenFile(jobID), keys)
}

func (s *fileStore) removeSeen(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(filepath.Join(s.dir, seenFile(jobID)))
}

func seenFile(jobID string) string {
	return "seen-" + jobID + ".json"
}

func (s *fileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
