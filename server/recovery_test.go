package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/bridge"
	"github.com/xiaoyuanzhu-com/claude-bridge/config"
	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

// newBareServer wires just the pieces recovery touches, skipping the router,
// database, and scheduler.
func newBareServer(t *testing.T, st *store.FileStore, ttlDays int) *Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &Server{
		cfg:            &config.Config{SessionTTLDays: ttlDays},
		store:          st,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	s.bridge = bridge.New(st)
	s.launcher = launcher.New(launcher.Options{
		Store:         st,
		SubprocessURL: func(id string) string { return "ws://127.0.0.1/ws/sub/" + id },
		DefaultCwd:    t.TempDir(),
	})
	return s
}

func TestRestoreSessionsClassifiesByPID(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(st.Close)

	now := time.Now()
	// This test process is alive, so its pid probes true.
	st.SaveMeta("alive-session", &store.SessionMeta{
		ID:        "alive-session",
		PID:       os.Getpid(),
		CreatedAt: now,
	})
	st.SaveMeta("dead-session", &store.SessionMeta{
		ID:        "dead-session",
		CreatedAt: now,
	})
	st.Flush()

	s := newBareServer(t, st, 0)
	s.restoreSessions()

	alive, err := s.launcher.GetSession("alive-session")
	if err != nil {
		t.Fatalf("alive session not restored: %v", err)
	}
	if alive.State != launcher.StateConnected {
		t.Errorf("alive session state = %s, want connected", alive.State)
	}
	if alive.Archived {
		t.Error("alive session should not be archived")
	}

	dead, err := s.launcher.GetSession("dead-session")
	if err != nil {
		t.Fatalf("dead session not restored: %v", err)
	}
	if dead.State != launcher.StateExited {
		t.Errorf("dead session state = %s, want exited", dead.State)
	}
	if !dead.Archived {
		t.Error("dead session should be archived")
	}
	if dead.ExitCode == nil || *dead.ExitCode != -1 {
		t.Errorf("dead session exit code = %v, want -1", dead.ExitCode)
	}
}

func TestCheckOrphanedPIDs(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(st.Close)

	s := newBareServer(t, st, 0)

	// A restored session whose pid no longer exists. Pid 1 is init and always
	// alive, so use an impossible value instead.
	s.launcher.RestoreSession(&launcher.Session{
		ID:    "orphan",
		PID:   1 << 22,
		State: launcher.StateConnected,
	})

	s.checkOrphanedPIDs()

	session, err := s.launcher.GetSession("orphan")
	if err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if session.State != launcher.StateExited {
		t.Errorf("orphan state = %s, want exited", session.State)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(st.Close)

	s := newBareServer(t, st, 7)

	old := time.Now().AddDate(0, 0, -30)
	code := -1
	s.launcher.RestoreSession(&launcher.Session{
		ID:             "expired",
		State:          launcher.StateExited,
		ExitCode:       &code,
		CreatedAt:      old,
		LastActivityAt: old,
	})
	s.launcher.RestoreSession(&launcher.Session{
		ID:             "recent",
		State:          launcher.StateExited,
		ExitCode:       &code,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	})
	s.launcher.RestoreSession(&launcher.Session{
		ID:        "still-running",
		State:     launcher.StateConnected,
		CreatedAt: old,
	})

	s.cleanupExpiredSessions()

	if _, err := s.launcher.GetSession("expired"); err == nil {
		t.Error("expired session survived cleanup")
	}
	if _, err := s.launcher.GetSession("recent"); err != nil {
		t.Error("recent session removed by cleanup")
	}
	if _, err := s.launcher.GetSession("still-running"); err != nil {
		t.Error("non-exited session removed by cleanup")
	}
}
