// Package protocol defines the tagged message envelopes flowing through the
// bridge: NDJSON frames on the subprocess socket and JSON frames on the
// browser sockets. Dispatch is by the "type" field; unknown tags are dropped
// by the caller.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Subprocess-inbound message types.
const (
	CLITypeSystem         = "system"
	CLITypeAssistant      = "assistant"
	CLITypeResult         = "result"
	CLITypeStreamEvent    = "stream_event"
	CLITypeControlRequest = "control_request"
	CLITypeToolProgress   = "tool_progress"
	CLITypeToolUseSummary = "tool_use_summary"
	CLITypeAuthStatus     = "auth_status"
	CLITypeKeepAlive      = "keep_alive"

	CLISubtypeInit       = "init"
	CLISubtypeStatus     = "status"
	CLISubtypeCanUseTool = "can_use_tool"

	StatusCompacting = "compacting"
)

// ModelUsage is the per-model token accounting attached to result messages.
type ModelUsage struct {
	InputTokens   int `json:"inputTokens"`
	OutputTokens  int `json:"outputTokens"`
	ContextWindow int `json:"contextWindow"`
}

// CLIMessage is the envelope for one NDJSON line read from the subprocess
// socket. One struct covers every inbound type; which fields are populated
// depends on Type/Subtype.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init payload. The subprocess-reported session id is parsed but
	// never trusted; the launcher-assigned id stays canonical.
	SessionID          string          `json:"session_id,omitempty"`
	Model              string          `json:"model,omitempty"`
	Cwd                string          `json:"cwd,omitempty"`
	Tools              []string        `json:"tools,omitempty"`
	PermissionMode     string          `json:"permissionMode,omitempty"`
	Version            string          `json:"version,omitempty"`
	MCPServers         json.RawMessage `json:"mcp_servers,omitempty"`
	Agents             json.RawMessage `json:"agents,omitempty"`
	SlashCommands      []string        `json:"slash_commands,omitempty"`
	Skills             []string        `json:"skills,omitempty"`
	ContextUsedPercent *int            `json:"contextUsedPercent,omitempty"`
	IsCompacting       *bool           `json:"isCompacting,omitempty"`

	// system/status payload
	Status string `json:"status,omitempty"`

	// assistant payload
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// result payload
	TotalCostUSD *float64              `json:"total_cost_usd,omitempty"`
	NumTurns     *int                  `json:"num_turns,omitempty"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"`

	// control_request payload
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// stream_event payload
	Event json.RawMessage `json:"event,omitempty"`

	// tool_progress payload
	ToolUseID      string  `json:"tool_use_id,omitempty"`
	ToolName       string  `json:"tool_name,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_time_seconds,omitempty"`

	// tool_use_summary payload
	Summary    string   `json:"summary,omitempty"`
	ToolUseIDs []string `json:"tool_use_ids,omitempty"`

	// auth_status payload
	IsAuthenticating bool   `json:"isAuthenticating,omitempty"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`

	// Raw is the original line, kept for verbatim forwarding and for history
	// entries that must preserve unknown payload fields.
	Raw json.RawMessage `json:"-"`
}

// ControlRequestPayload is the request field of a control_request envelope.
type ControlRequestPayload struct {
	Subtype     string          `json:"subtype"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Description string          `json:"description,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
}

// ParseCLIMessage parses one NDJSON line into an envelope, preserving the
// original bytes in Raw.
func ParseCLIMessage(line []byte) (*CLIMessage, error) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed subprocess message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("subprocess message missing type tag")
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	msg.Raw = raw
	return &msg, nil
}

// SplitNDJSON splits a text frame containing one or more JSON objects,
// newline-delimited or directly concatenated, into individual objects.
func SplitNDJSON(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var result [][]byte
	decoder := json.NewDecoder(bytes.NewReader(data))

	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		// Make a copy since raw may be backed by the original slice
		obj := make([]byte, len(raw))
		copy(obj, raw)
		result = append(result, obj)
	}

	return result
}

// =============================================================================
// Subprocess-outbound frame builders
// =============================================================================

// ImageAttachment is a base64 image block attached to a user message.
type ImageAttachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

type userFrame struct {
	Type            string      `json:"type"`
	Message         userMessage `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type imageBlock struct {
	Type   string      `json:"type"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserFrame builds the subprocess-facing user message. With images the content
// becomes a block array (images first, then the text); otherwise plain text.
func UserFrame(content string, images []ImageAttachment, sessionID string) []byte {
	var body any = content
	if len(images) > 0 {
		blocks := make([]any, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, imageBlock{
				Type: "image",
				Source: imageSource{
					Type:      "base64",
					MediaType: img.MediaType,
					Data:      img.Data,
				},
			})
		}
		blocks = append(blocks, textBlock{Type: "text", Text: content})
		body = blocks
	}

	return mustMarshal(userFrame{
		Type:      "user",
		Message:   userMessage{Role: "user", Content: body},
		SessionID: sessionID,
	})
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response"`
}

type allowResponse struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
}

type denyResponse struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

// ControlResponseAllow builds the success/allow reply to a can_use_tool request.
func ControlResponseAllow(requestID string, updatedInput, updatedPermissions json.RawMessage) []byte {
	return mustMarshal(controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response: allowResponse{
				Behavior:           "allow",
				UpdatedInput:       updatedInput,
				UpdatedPermissions: updatedPermissions,
			},
		},
	})
}

// ControlResponseDeny builds the success/deny reply to a can_use_tool request.
func ControlResponseDeny(requestID, message string) []byte {
	return mustMarshal(controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  denyResponse{Behavior: "deny", Message: message},
		},
	})
}

type controlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// InterruptFrame builds a control_request asking the subprocess to interrupt
// the current turn.
func InterruptFrame(requestID string) []byte {
	return mustMarshal(controlRequest{
		Type:      "control_request",
		RequestID: requestID,
		Request:   map[string]any{"subtype": "interrupt"},
	})
}

// SetModelFrame builds a control_request switching the subprocess model.
func SetModelFrame(requestID, model string) []byte {
	return mustMarshal(controlRequest{
		Type:      "control_request",
		RequestID: requestID,
		Request:   map[string]any{"subtype": "set_model", "model": model},
	})
}

// SetPermissionModeFrame builds a control_request switching the permission mode.
func SetPermissionModeFrame(requestID, mode string) []byte {
	return mustMarshal(controlRequest{
		Type:      "control_request",
		RequestID: requestID,
		Request:   map[string]any{"subtype": "set_permission_mode", "mode": mode},
	})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All builder inputs are marshalable; this indicates a programming error.
		panic(err)
	}
	return data
}
