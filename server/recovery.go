package server

import (
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

// restoreSessions rebuilds in-memory records from persisted session data.
// A recorded pid that still answers a signal-0 probe means the child survived
// the restart; its session comes back as connected and the subprocess will
// re-attach on its own. Everything else is marked exited and archived.
func (s *Server) restoreSessions() {
	restored, revived, archived := 0, 0, 0

	for _, data := range s.store.LoadAll() {
		meta := data.Meta

		session := &launcher.Session{
			ID:             meta.ID,
			PID:            meta.PID,
			Model:          meta.Model,
			PermissionMode: meta.PermissionMode,
			Provider:       meta.Provider,
			Cwd:            meta.Cwd,
			CreatedAt:      meta.CreatedAt,
			SessionName:    meta.SessionName,
			LastActivityAt: meta.LastActivityAt,
		}

		alive := launcher.ProbePID(meta.PID)
		if alive {
			session.State = launcher.StateConnected
			revived++
		} else {
			session.State = launcher.StateExited
			code := -1
			session.ExitCode = &code
			session.Archived = true
			archived++
		}

		s.launcher.RestoreSession(session)
		s.bridge.RestoreSession(meta.ID, data.State, data.History, !alive)
		restored++
	}

	if restored > 0 {
		log.Info().
			Int("restored", restored).
			Int("alive", revived).
			Int("archived", archived).
			Msg("restored sessions from disk")
	}
}

// pidMonitorLoop catches children the launcher does not own, which only
// happens for sessions revived across a restart. Owned children are reaped by
// the launcher's own exit watcher.
func (s *Server) pidMonitorLoop() {
	ticker := time.NewTicker(pidMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.checkOrphanedPIDs()
		}
	}
}

func (s *Server) checkOrphanedPIDs() {
	for _, session := range s.launcher.ListSessions() {
		if session.State == launcher.StateExited || session.PID <= 0 {
			continue
		}
		if s.launcher.HasProcess(session.ID) {
			continue
		}
		if launcher.ProbePID(session.PID) {
			continue
		}

		log.Info().Str("sessionId", session.ID).Int("pid", session.PID).Msg("revived subprocess gone, archiving session")
		s.launcher.MarkExited(session.ID, -1)
		s.bridge.ArchiveSession(session.ID)
	}
}

// cleanupLoop removes exited sessions older than the configured TTL. A zero
// TTL disables removal entirely.
func (s *Server) cleanupLoop() {
	if s.cfg.SessionTTLDays <= 0 {
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	// One pass at startup so a long-idle server does not wait an hour.
	s.cleanupExpiredSessions()

	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredSessions()
		}
	}
}

func (s *Server) cleanupExpiredSessions() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.SessionTTLDays)
	removed := 0

	for _, session := range s.launcher.ListSessions() {
		if session.State != launcher.StateExited {
			continue
		}
		stamp := session.LastActivityAt
		if stamp.IsZero() {
			stamp = session.CreatedAt
		}
		if stamp.After(cutoff) {
			continue
		}

		s.launcher.RemoveSession(session.ID)
		if err := s.bridge.RemoveSession(session.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to remove expired session data")
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Int("ttlDays", s.cfg.SessionTTLDays).Msg("cleaned up expired sessions")
	}
}
