package cron

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeSpawner records spawn requests and hands out sequential ids.
type fakeSpawner struct {
	mu       sync.Mutex
	requests []SpawnRequest
}

func (f *fakeSpawner) SpawnSession(req SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "session-" + req.SessionName, nil
}

func (f *fakeSpawner) spawned() []SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SpawnRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func createTestScheduler(t *testing.T, dir string, spawner SessionSpawner) *Scheduler {
	t.Helper()
	s, err := NewScheduler(dir, spawner)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return s
}

func stubChecker(t *testing.T, jobType string, fn Checker) {
	t.Helper()
	RegisterChecker(jobType, fn)
}

func TestTriggerDedupe(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{}
	s := createTestScheduler(t, dir, spawner)

	var tick int
	stubChecker(t, "test_dedupe", func(ctx context.Context, config json.RawMessage) ([]Trigger, error) {
		tick++
		if tick == 1 {
			return []Trigger{
				{DedupeKey: "k1", SessionName: "one", Prompt: "p1", Summary: "s1"},
				{DedupeKey: "k2", SessionName: "two", Prompt: "p2", Summary: "s2"},
			}, nil
		}
		return []Trigger{
			{DedupeKey: "k2", SessionName: "two", Prompt: "p2", Summary: "s2"},
			{DedupeKey: "k3", SessionName: "three", Prompt: "p3", Summary: "s3"},
		}, nil
	})

	job, err := s.CreateJob(&Job{Name: "j", Type: "test_dedupe", Enabled: true, IntervalSeconds: 60})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if got := len(spawner.spawned()); got != 2 {
		t.Fatalf("first run should spawn 2 sessions, got %d", got)
	}

	if err := s.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	spawned := spawner.spawned()
	if len(spawned) != 3 {
		t.Fatalf("second run should spawn exactly 1 more session, got %d total", len(spawned))
	}
	if spawned[2].SessionName != "three" {
		t.Errorf("expected k3's session, got %q", spawned[2].SessionName)
	}
}

func TestDedupeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	stubChecker(t, "test_restart", func(ctx context.Context, config json.RawMessage) ([]Trigger, error) {
		return []Trigger{{DedupeKey: "only", SessionName: "n", Prompt: "p", Summary: "s"}}, nil
	})

	spawner := &fakeSpawner{}
	s := createTestScheduler(t, dir, spawner)
	job, _ := s.CreateJob(&Job{Name: "j", Type: "test_restart", Enabled: true, IntervalSeconds: 60})
	s.RunNow(job.ID)
	if len(spawner.spawned()) != 1 {
		t.Fatal("first run should spawn")
	}

	// New scheduler over the same directory: seen set must persist.
	spawner2 := &fakeSpawner{}
	s2 := createTestScheduler(t, dir, spawner2)
	if err := s2.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow after restart failed: %v", err)
	}
	if len(spawner2.spawned()) != 0 {
		t.Error("seen trigger respawned after restart")
	}

	// Explicit reset re-arms the trigger.
	if err := s2.ResetSeen(job.ID); err != nil {
		t.Fatalf("ResetSeen failed: %v", err)
	}
	s2.RunNow(job.ID)
	if len(spawner2.spawned()) != 1 {
		t.Error("reset seen set should allow the trigger again")
	}
}

func TestCheckerFailureRecordsFailedRun(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{}
	s := createTestScheduler(t, dir, spawner)

	stubChecker(t, "test_fail", func(ctx context.Context, config json.RawMessage) ([]Trigger, error) {
		return nil, context.DeadlineExceeded
	})

	job, _ := s.CreateJob(&Job{Name: "j", Type: "test_fail", Enabled: true, IntervalSeconds: 60})
	s.RunNow(job.ID)

	runs := s.ListRuns(job.ID)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != RunStatusFailed || runs[0].Error == "" {
		t.Errorf("expected failed run with error, got %+v", runs[0])
	}
	if len(spawner.spawned()) != 0 {
		t.Error("failed checker must not spawn sessions")
	}
}

func TestHTTPPollChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode([]Trigger{
			{DedupeKey: "a", SessionName: "n", Summary: "issue a"},
			{SessionName: "missing-key"},
		})
	}))
	defer server.Close()

	config, _ := json.Marshal(httpPollConfig{
		URL:            server.URL,
		Headers:        map[string]string{"X-Token": "tok"},
		PromptTemplate: "handle: {{summary}}",
	})

	triggers, err := httpPollChecker(context.Background(), config)
	if err != nil {
		t.Fatalf("checker failed: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("keyless triggers must be dropped, got %d", len(triggers))
	}
	if triggers[0].Prompt != "handle: issue a" {
		t.Errorf("template not applied: %q", triggers[0].Prompt)
	}
}

func TestHTTPPollCheckerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config, _ := json.Marshal(httpPollConfig{URL: server.URL})
	if _, err := httpPollChecker(context.Background(), config); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestJobDue(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)

	interval := &Job{Enabled: true, IntervalSeconds: 60, LastRunAt: now.Add(-2 * time.Minute)}
	if !jobDue(interval, now) {
		t.Error("elapsed interval should be due")
	}
	interval.LastRunAt = now.Add(-10 * time.Second)
	if jobDue(interval, now) {
		t.Error("fresh interval should not be due")
	}

	sched := &Job{Enabled: true, Schedule: "*/5 * * * *", LastRunAt: now.Add(-10 * time.Minute)}
	if !jobDue(sched, now) {
		t.Error("past schedule slot should be due")
	}
	sched.LastRunAt = now.Add(-10 * time.Second)
	if jobDue(sched, now) {
		t.Error("schedule with no elapsed slot should not be due")
	}

	bad := &Job{Enabled: true, Schedule: "not a schedule", LastRunAt: now.Add(-time.Hour)}
	if jobDue(bad, now) {
		t.Error("invalid schedule must never fire")
	}
}

func TestJobCRUD(t *testing.T) {
	dir := t.TempDir()
	s := createTestScheduler(t, dir, &fakeSpawner{})

	if _, err := s.CreateJob(&Job{Name: "bad", Type: "no_such_type", IntervalSeconds: 60}); err == nil {
		t.Fatal("unknown job type should be rejected")
	}
	if _, err := s.CreateJob(&Job{Name: "bad", Type: "http_poll"}); err == nil {
		t.Fatal("job without interval or schedule should be rejected")
	}

	job, err := s.CreateJob(&Job{Name: "poll", Type: "http_poll", Enabled: true, IntervalSeconds: 300})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	updated, err := s.UpdateJob(job.ID, &Job{Name: "renamed", Enabled: false, IntervalSeconds: 600})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if updated.Name != "renamed" || updated.Enabled || updated.IntervalSeconds != 600 {
		t.Errorf("update not applied: %+v", updated)
	}

	// Definitions persist across scheduler instances.
	s2 := createTestScheduler(t, dir, &fakeSpawner{})
	loaded, err := s2.GetJob(job.ID)
	if err != nil {
		t.Fatalf("job lost across restart: %v", err)
	}
	if loaded.Name != "renamed" {
		t.Errorf("stale job loaded: %+v", loaded)
	}

	if err := s2.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := s2.GetJob(job.ID); err == nil {
		t.Error("deleted job still present")
	}
}

func TestRunHistoryCap(t *testing.T) {
	dir := t.TempDir()
	s := createTestScheduler(t, dir, &fakeSpawner{})

	stubChecker(t, "test_cap", func(ctx context.Context, config json.RawMessage) ([]Trigger, error) {
		return nil, nil
	})

	job, _ := s.CreateJob(&Job{Name: "j", Type: "test_cap", Enabled: true, IntervalSeconds: 60})
	for i := 0; i < RunHistoryCap+20; i++ {
		s.RunNow(job.ID)
	}

	if got := len(s.ListRuns(job.ID)); got != RunHistoryCap {
		t.Errorf("expected %d retained runs, got %d", RunHistoryCap, got)
	}
}
