package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

// SessionDetail is a launcher record joined with its live bridge state.
type SessionDetail struct {
	*launcher.Session
	State        *store.SessionState `json:"state,omitempty"`
	BrowserCount int                 `json:"browserCount"`
}

// ListSessions handles GET /api/sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.Launcher.ListSessions()

	details := make([]*SessionDetail, 0, len(sessions))
	for _, s := range sessions {
		details = append(details, &SessionDetail{
			Session:      s,
			State:        h.Bridge.GetState(s.ID),
			BrowserCount: h.Bridge.BrowserCount(s.ID),
		})
	}
	RespondList(c, details)
}

// GetSession handles GET /api/sessions/:id.
func (h *Handlers) GetSession(c *gin.Context) {
	id := c.Param("id")

	session, err := h.Launcher.GetSession(id)
	if err != nil {
		RespondNotFound(c, "session not found")
		return
	}

	RespondData(c, &SessionDetail{
		Session:      session,
		State:        h.Bridge.GetState(id),
		BrowserCount: h.Bridge.BrowserCount(id),
	})
}

type createSessionRequest struct {
	Model          string            `json:"model"`
	PermissionMode string            `json:"permissionMode"`
	Provider       string            `json:"provider"`
	Cwd            string            `json:"cwd"`
	SessionName    string            `json:"sessionName"`
	AllowedTools   []string          `json:"allowedTools"`
	Env            map[string]string `json:"env"`
}

// CreateSession handles POST /api/sessions/create.
func (h *Handlers) CreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	session, err := h.Launcher.Launch(launcher.LaunchOptions{
		Model:          body.Model,
		PermissionMode: body.PermissionMode,
		Provider:       store.Provider(body.Provider),
		Cwd:            body.Cwd,
		SessionName:    body.SessionName,
		AllowedTools:   body.AllowedTools,
		Env:            body.Env,
	})
	if err != nil {
		if errors.Is(err, launcher.ErrUnknownProvider) {
			RespondBadRequest(c, err.Error())
			return
		}
		logger.Error().Err(err).Msg("failed to create session")
		RespondInternalError(c, "failed to create session")
		return
	}

	RespondCreated(c, &SessionDetail{
		Session: session,
		State:   h.Bridge.GetState(session.ID),
	})
}

// KillSession handles POST /api/sessions/:id/kill.
func (h *Handlers) KillSession(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.Launcher.GetSession(id); err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	if !h.Launcher.Kill(id) {
		RespondConflict(c, "session has no running subprocess")
		return
	}
	RespondNoContent(c)
}

// DeleteSession handles DELETE /api/sessions/:id: kill the child, drop the
// launcher and bridge records, and delete persisted data.
func (h *Handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.Launcher.GetSession(id); err != nil {
		RespondNotFound(c, "session not found")
		return
	}

	h.Launcher.Kill(id)
	h.Launcher.RemoveSession(id)
	if err := h.Bridge.RemoveSession(id); err != nil {
		logger.Error().Err(err).Str("sessionId", id).Msg("failed to remove persisted session")
		RespondInternalError(c, "failed to remove session data")
		return
	}
	RespondNoContent(c)
}

type resumeSessionRequest struct {
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
}

// ResumeSession handles POST /api/sessions/:id/resume: launches a fresh
// session that resumes an archived one's upstream conversation.
func (h *Handlers) ResumeSession(c *gin.Context) {
	id := c.Param("id")

	var body resumeSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		RespondBadRequest(c, "invalid request body")
		return
	}

	old, err := h.Launcher.GetSession(id)
	if err != nil {
		RespondNotFound(c, "session not found")
		return
	}

	state := h.Bridge.GetState(id)
	if state == nil || state.UpstreamSessionID == "" {
		RespondConflict(c, "session has no resumable upstream id")
		return
	}

	model := body.Model
	if model == "" {
		model = old.Model
	}
	mode := body.PermissionMode
	if mode == "" {
		mode = old.PermissionMode
	}

	session, err := h.Launcher.Launch(launcher.LaunchOptions{
		Model:          model,
		PermissionMode: mode,
		Provider:       old.Provider,
		Cwd:            old.Cwd,
		SessionName:    old.SessionName,
		ResumeID:       state.UpstreamSessionID,
	})
	if err != nil {
		logger.Error().Err(err).Str("sessionId", id).Msg("failed to resume session")
		RespondInternalError(c, "failed to resume session")
		return
	}

	RespondCreated(c, &SessionDetail{Session: session})
}

type renameSessionRequest struct {
	SessionName string `json:"sessionName" binding:"required"`
}

// RenameSession handles PATCH /api/sessions/:id/name.
func (h *Handlers) RenameSession(c *gin.Context) {
	id := c.Param("id")

	var body renameSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "sessionName is required")
		return
	}

	if err := h.Launcher.SetSessionName(id, body.SessionName); err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	RespondNoContent(c)
}
