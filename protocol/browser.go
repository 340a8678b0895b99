package protocol

import (
	"encoding/json"

	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

// Browser-inbound message types.
const (
	BrowserTypeUserMessage        = "user_message"
	BrowserTypePermissionResponse = "permission_response"
	BrowserTypeInterrupt          = "interrupt"
	BrowserTypeSetModel           = "set_model"
	BrowserTypeSetPermissionMode  = "set_permission_mode"

	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// BrowserInbound is the envelope for frames arriving from a browser socket.
type BrowserInbound struct {
	Type string `json:"type"`

	// user_message fields
	Content string            `json:"content,omitempty"`
	Images  []ImageAttachment `json:"images,omitempty"`

	// permission_response fields
	RequestID          string          `json:"requestId,omitempty"`
	Behavior           string          `json:"behavior,omitempty"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string          `json:"message,omitempty"`

	// set_model / set_permission_mode fields
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// ParseBrowserInbound parses one browser text frame.
func ParseBrowserInbound(data []byte) (*BrowserInbound, error) {
	var msg BrowserInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PermissionRequest is the browser-facing form of a pending can_use_tool
// round-trip. Kept in memory only; never persisted.
type PermissionRequest struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	Description string          `json:"description,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	Timestamp   int64           `json:"timestamp"` // unix millis
}

// =============================================================================
// Browser-outbound frame builders
// =============================================================================

// SessionInit carries the full state snapshot, sent on browser attach and
// whenever the subprocess reports system/init.
func SessionInit(state *store.SessionState) []byte {
	return mustMarshal(map[string]any{"type": "session_init", "session": state})
}

// MessageHistory carries the persisted conversation replay on browser attach.
func MessageHistory(history []store.HistoryEntry) []byte {
	return mustMarshal(map[string]any{"type": "message_history", "messages": history})
}

// PermissionRequestFrame forwards a pending permission round-trip.
func PermissionRequestFrame(req *PermissionRequest) []byte {
	return mustMarshal(map[string]any{"type": "permission_request", "request": req})
}

// PermissionCancelled tells browsers an outstanding request died with the
// subprocess.
func PermissionCancelled(requestID string) []byte {
	return mustMarshal(map[string]any{"type": "permission_cancelled", "request_id": requestID})
}

// CLIConnected announces the subprocess socket attaching.
func CLIConnected() []byte {
	return mustMarshal(map[string]any{"type": "cli_connected"})
}

// CLIDisconnected announces the subprocess socket detaching (or never having
// attached).
func CLIDisconnected() []byte {
	return mustMarshal(map[string]any{"type": "cli_disconnected"})
}

// StatusChange forwards a system/status report (e.g. compacting).
func StatusChange(status string) []byte {
	return mustMarshal(map[string]any{"type": "status_change", "status": status})
}

// AssistantFrame forwards an assistant message verbatim.
func AssistantFrame(message json.RawMessage, parentToolUseID string) []byte {
	frame := map[string]any{"type": "assistant", "message": message}
	if parentToolUseID != "" {
		frame["parentToolUseId"] = parentToolUseID
	}
	return mustMarshal(frame)
}

// StreamEventFrame forwards a transient token delta. Never persisted.
func StreamEventFrame(event json.RawMessage, parentToolUseID string) []byte {
	frame := map[string]any{"type": "stream_event", "event": event}
	if parentToolUseID != "" {
		frame["parentToolUseId"] = parentToolUseID
	}
	return mustMarshal(frame)
}

// ToolProgress forwards a long-running tool heartbeat.
func ToolProgress(toolUseID, toolName string, elapsedSeconds float64) []byte {
	return mustMarshal(map[string]any{
		"type":           "tool_progress",
		"toolUseId":      toolUseID,
		"toolName":       toolName,
		"elapsedSeconds": elapsedSeconds,
	})
}

// ToolUseSummary forwards a completed-tool summary.
func ToolUseSummary(summary string, toolUseIDs []string) []byte {
	return mustMarshal(map[string]any{
		"type":       "tool_use_summary",
		"summary":    summary,
		"toolUseIds": toolUseIDs,
	})
}

// AuthStatus forwards subprocess authentication progress.
func AuthStatus(isAuthenticating bool, output, errMsg string) []byte {
	return mustMarshal(map[string]any{
		"type":             "auth_status",
		"isAuthenticating": isAuthenticating,
		"output":           output,
		"error":            errMsg,
	})
}

// ErrorFrame surfaces a session-scoped error to browsers (e.g. a user_message
// sent to an archived session).
func ErrorFrame(message string) []byte {
	return mustMarshal(map[string]any{"type": "error", "error": message})
}
