package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/bridge"
	"github.com/xiaoyuanzhu-com/claude-bridge/cron"
	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	dir, err := os.MkdirTemp("", "bridge-api-test")
	if err != nil {
		panic(err)
	}
	os.Setenv("ENV", "test")
	os.Setenv("DATA_DIR", dir)
	os.Setenv("DATABASE_PATH", filepath.Join(dir, "test.db"))

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func createTestRouter(t *testing.T) (*gin.Engine, *Handlers) {
	t.Helper()

	st := store.NewNullStore()
	b := bridge.New(st)
	l := launcher.New(launcher.Options{
		Store:         st,
		SubprocessURL: func(id string) string { return "ws://127.0.0.1/ws/sub/" + id },
		DefaultCwd:    t.TempDir(),
	})
	sched, err := cron.NewScheduler(t.TempDir(), spawnerFunc(func(req cron.SpawnRequest) (string, error) {
		return "spawned", nil
	}))
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	h := NewHandlers(l, b, sched, st)
	r := gin.New()
	SetupRoutes(r, h)
	return r, h
}

type spawnerFunc func(req cron.SpawnRequest) (string, error)

func (f spawnerFunc) SpawnSession(req cron.SpawnRequest) (string, error) { return f(req) }

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	r, _ := createTestRouter(t)

	// Create with a binary that cannot spawn: the record must still exist.
	w := doJSON(t, r, http.MethodPost, "/api/sessions/create", gin.H{
		"model":       "opus",
		"sessionName": "test session",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", w.Code, w.Body)
	}

	var created struct {
		Data struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Model string `json:"model"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad create response: %v", err)
	}
	if created.Data.ID == "" || created.Data.Model != "opus" {
		t.Fatalf("unexpected create payload: %+v", created.Data)
	}
	id := created.Data.ID

	w = doJSON(t, r, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPatch, "/api/sessions/"+id+"/name", gin.H{"sessionName": "renamed"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("rename returned %d: %s", w.Code, w.Body)
	}

	// Kill without a running child is a conflict, not a crash.
	w = doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/kill", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("kill returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/sessions/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted session still present: %d", w.Code)
	}
}

func TestSessionNotFound(t *testing.T) {
	r, _ := createTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/nope"},
		{http.MethodPost, "/api/sessions/nope/kill"},
		{http.MethodDelete, "/api/sessions/nope"},
		{http.MethodPost, "/api/sessions/nope/resume"},
	} {
		if w := doJSON(t, r, tc.method, tc.path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s %s returned %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestCronJobEndpoints(t *testing.T) {
	r, _ := createTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/cron/jobs", gin.H{
		"name":            "poller",
		"type":            "http_poll",
		"enabled":         true,
		"intervalSeconds": 300,
		"config":          gin.H{"url": "https://example.test/triggers"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create job returned %d: %s", w.Code, w.Body)
	}

	var created struct {
		Data cron.Job `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Data.ID == "" {
		t.Fatal("job id missing")
	}

	w = doJSON(t, r, http.MethodGet, "/api/cron/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list jobs returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/cron/jobs/"+created.Data.ID+"/reset", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/cron/jobs/"+created.Data.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete job returned %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/cron/jobs", gin.H{"name": "bad", "type": "nope", "intervalSeconds": 1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid job type returned %d", w.Code)
	}
}

func TestSubprocessWebSocketRejectsBadID(t *testing.T) {
	r, _ := createTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/ws/sub/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", w.Code)
	}
}

func TestListDirectoryHidesDotfiles(t *testing.T) {
	r, _ := createTestRouter(t)

	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "visible"), 0755)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0644)

	w := doJSON(t, r, http.MethodGet, "/api/fs/list?path="+dir, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list returned %d", w.Code)
	}

	var resp struct {
		Data []DirEntry `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 visible entries, got %d", len(resp.Data))
	}
	// Directories sort first.
	if !resp.Data[0].IsDir || resp.Data[0].Name != "visible" {
		t.Errorf("unexpected order: %+v", resp.Data)
	}
	for _, e := range resp.Data {
		if e.Name == ".hidden" {
			t.Error("hidden entry exposed")
		}
	}
}
