package store

import (
	"encoding/json"
	"time"
)

// Provider identifies which backend drives a session's subprocess half.
type Provider string

const (
	// ProviderClaude is the default provider: a locally spawned Claude CLI
	// subprocess that dials back over the /ws/sub WebSocket.
	ProviderClaude Provider = "claude"
)

// SessionMeta is the small, seldom-changing identity document for a session.
type SessionMeta struct {
	ID             string    `json:"id"`
	PID            int       `json:"pid,omitempty"` // present only for locally spawned children
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	Provider       Provider  `json:"provider"`
	Cwd            string    `json:"cwd"`
	CreatedAt      time.Time `json:"createdAt"`
	SessionName    string    `json:"sessionName,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
}

// SessionState mirrors what the subprocess last reported about itself.
// It mutates on every system/init and result message.
type SessionState struct {
	ID                 string          `json:"id"`
	Model              string          `json:"model"`
	Cwd                string          `json:"cwd"`
	Tools              []string        `json:"tools"`
	PermissionMode     string          `json:"permissionMode"`
	Version            string          `json:"version"`
	// UpstreamSessionID is the id the subprocess reports for itself. It is
	// recorded for resume and for outbound user frames, never used as the
	// session's identity.
	UpstreamSessionID  string          `json:"upstreamSessionId,omitempty"`
	MCPServers         json.RawMessage `json:"mcpServers,omitempty"`
	Agents             json.RawMessage `json:"agents,omitempty"`
	SlashCommands      []string        `json:"slashCommands,omitempty"`
	Skills             []string        `json:"skills,omitempty"`
	TotalCostUSD       float64         `json:"totalCostUsd"`
	NumTurns           int             `json:"numTurns"`
	ContextUsedPercent int             `json:"contextUsedPercent"`
	IsCompacting       bool            `json:"isCompacting"`
	Archived           bool            `json:"archived,omitempty"`
}

// DefaultState returns the state document used before the subprocess has
// reported anything, seeded from whatever identity is known.
func DefaultState(id string) *SessionState {
	return &SessionState{
		ID:             id,
		PermissionMode: "default",
		Tools:          []string{},
	}
}

// DefaultStateFromMeta seeds a default state with the meta's identifiers.
// Used when state.json is missing but meta.json exists.
func DefaultStateFromMeta(meta *SessionMeta) *SessionState {
	state := DefaultState(meta.ID)
	state.Model = meta.Model
	state.Cwd = meta.Cwd
	if meta.PermissionMode != "" {
		state.PermissionMode = meta.PermissionMode
	}
	return state
}

// History entry types. Stream deltas and permission prompts are deliberately
// never written to history; they are transient runtime state.
const (
	HistoryUserMessage = "user_message"
	HistoryAssistant   = "assistant"
	HistoryResult      = "result"
)

// HistoryEntry is one element of a session's append-only conversation history.
type HistoryEntry struct {
	Type string `json:"type"` // user_message | assistant | result

	// user_message fields
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis

	// assistant fields
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`

	// result fields
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionData bundles the three persisted artifacts of one session.
type SessionData struct {
	Meta    *SessionMeta
	State   *SessionState
	History []HistoryEntry
}

// SessionStore is the persistence interface the bridge and launcher write
// through. Save calls are buffered and flushed on a debounce interval; reads
// always observe the latest logical value.
type SessionStore interface {
	SaveMeta(id string, meta *SessionMeta)
	SaveState(id string, state *SessionState)
	SaveHistory(id string, history []HistoryEntry)
	Load(id string) (*SessionData, bool)
	LoadAll() []*SessionData
	Remove(id string) error
	Flush()
}
