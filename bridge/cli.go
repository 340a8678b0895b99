package bridge

import (
	"encoding/json"
	"math"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/protocol"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// AttachCLI binds the subprocess socket to the session. A later attach
// supersedes the previous socket; the predecessor is closed and its reads
// fail harmlessly. Queued browser frames are flushed in order before any
// frame produced by later browser events can be sent.
func (b *Bridge) AttachCLI(id string, sock CLISocket) {
	s := b.getOrCreate(id)

	s.mu.Lock()
	if s.cli != nil && s.cli != sock {
		s.cli.Close()
	}
	s.cli = sock

	s.broadcast(protocol.CLIConnected())

	queue := s.queue
	s.queue = nil
	for _, frame := range queue {
		if err := sock.SendLine(frame); err != nil {
			logger.Error().Err(err).Str("sessionId", id).Msg("failed to flush queued frame")
		}
	}
	s.mu.Unlock()

	logger.Info().Str("sessionId", id).Int("flushed", len(queue)).Msg("subprocess attached")

	if b.hooks.CLIConnected != nil {
		b.hooks.CLIConnected(id)
	}
}

// DetachCLI clears the subprocess socket if it is still the current one,
// announces the disconnect, and cancels every pending permission round-trip.
func (b *Bridge) DetachCLI(id string, sock CLISocket) {
	s, ok := b.get(id)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.cli != sock {
		// A newer socket superseded this one; nothing to tear down.
		s.mu.Unlock()
		return
	}
	s.cli = nil

	for requestID := range s.pending {
		s.broadcast(protocol.PermissionCancelled(requestID))
	}
	s.pending = make(map[string]*protocol.PermissionRequest)

	s.broadcast(protocol.CLIDisconnected())
	s.mu.Unlock()

	logger.Info().Str("sessionId", id).Msg("subprocess detached")
}

// HandleCLIData splits one subprocess text frame into NDJSON objects and
// dispatches each.
func (b *Bridge) HandleCLIData(id string, data []byte) {
	for _, line := range protocol.SplitNDJSON(data) {
		b.handleCLILine(id, line)
	}
}

func (b *Bridge) handleCLILine(id string, line []byte) {
	msg, err := protocol.ParseCLIMessage(line)
	if err != nil {
		logger.Warn().Err(err).Str("sessionId", id).Msg("dropping malformed subprocess frame")
		return
	}

	s := b.getOrCreate(id)

	switch msg.Type {
	case protocol.CLITypeSystem:
		b.handleSystem(s, msg)

	case protocol.CLITypeAssistant:
		s.mu.Lock()
		s.history = append(s.history, store.HistoryEntry{
			Type:            store.HistoryAssistant,
			Message:         msg.Message,
			ParentToolUseID: msg.ParentToolUseID,
			Timestamp:       nowMillis(),
		})
		b.store.SaveHistory(id, s.history)
		s.broadcast(protocol.AssistantFrame(msg.Message, msg.ParentToolUseID))
		s.mu.Unlock()

		b.fire(b.hooks.Activity, id)
		b.fire(b.hooks.Running, id)

	case protocol.CLITypeResult:
		b.handleResult(s, msg)

	case protocol.CLITypeStreamEvent:
		// Transient token deltas: forwarded, never persisted.
		s.mu.Lock()
		s.broadcast(protocol.StreamEventFrame(msg.Event, msg.ParentToolUseID))
		s.mu.Unlock()

		b.fire(b.hooks.Running, id)

	case protocol.CLITypeControlRequest:
		b.handleControlRequest(s, msg)

	case protocol.CLITypeToolProgress:
		s.mu.Lock()
		s.broadcast(protocol.ToolProgress(msg.ToolUseID, msg.ToolName, msg.ElapsedSeconds))
		s.mu.Unlock()

	case protocol.CLITypeToolUseSummary:
		s.mu.Lock()
		s.broadcast(protocol.ToolUseSummary(msg.Summary, msg.ToolUseIDs))
		s.mu.Unlock()

	case protocol.CLITypeAuthStatus:
		s.mu.Lock()
		s.broadcast(protocol.AuthStatus(msg.IsAuthenticating, msg.Output, msg.Error))
		s.mu.Unlock()

	case protocol.CLITypeKeepAlive:
		// Consumed silently.

	default:
		logger.Warn().Str("sessionId", id).Str("type", msg.Type).Msg("dropping unknown subprocess frame type")
	}
}

func (b *Bridge) handleSystem(s *session, msg *protocol.CLIMessage) {
	switch msg.Subtype {
	case protocol.CLISubtypeInit:
		s.mu.Lock()
		// The launcher-assigned id stays canonical; the subprocess-reported id
		// is recorded only for resume and outbound user frames.
		if msg.SessionID != "" {
			s.state.UpstreamSessionID = msg.SessionID
		}
		s.state.Model = msg.Model
		s.state.Cwd = msg.Cwd
		if msg.Tools != nil {
			s.state.Tools = msg.Tools
		}
		if msg.PermissionMode != "" {
			s.state.PermissionMode = msg.PermissionMode
		}
		s.state.Version = msg.Version
		s.state.MCPServers = msg.MCPServers
		s.state.Agents = msg.Agents
		s.state.SlashCommands = msg.SlashCommands
		s.state.Skills = msg.Skills
		if msg.ContextUsedPercent != nil {
			s.state.ContextUsedPercent = *msg.ContextUsedPercent
		}
		if msg.IsCompacting != nil {
			s.state.IsCompacting = *msg.IsCompacting
		}
		state := *s.state
		s.broadcast(protocol.SessionInit(&state))
		s.mu.Unlock()

		b.store.SaveState(s.id, &state)

	case protocol.CLISubtypeStatus:
		s.mu.Lock()
		s.state.IsCompacting = msg.Status == protocol.StatusCompacting
		if msg.PermissionMode != "" {
			s.state.PermissionMode = msg.PermissionMode
		}
		s.broadcast(protocol.StatusChange(msg.Status))
		s.mu.Unlock()

	default:
		logger.Debug().Str("sessionId", s.id).Str("subtype", msg.Subtype).Msg("ignoring system subtype")
	}
}

func (b *Bridge) handleResult(s *session, msg *protocol.CLIMessage) {
	s.mu.Lock()
	if msg.TotalCostUSD != nil {
		s.state.TotalCostUSD = *msg.TotalCostUSD
	}
	if msg.NumTurns != nil {
		s.state.NumTurns = *msg.NumTurns
	}
	if pct, ok := contextUsedPercent(msg); ok {
		s.state.ContextUsedPercent = pct
	}

	s.history = append(s.history, store.HistoryEntry{
		Type:      store.HistoryResult,
		Data:      msg.Raw,
		Timestamp: nowMillis(),
	})

	state := *s.state
	b.store.SaveState(s.id, &state)
	b.store.SaveHistory(s.id, s.history)

	s.broadcast(msg.Raw)
	s.mu.Unlock()

	b.fire(b.hooks.Activity, s.id)
	b.fire(b.hooks.Idle, s.id)
	b.fire(b.hooks.Result, s.id)
}

// contextUsedPercent prefers the directly-reported value, otherwise derives
// it from per-model token usage against the context window.
func contextUsedPercent(msg *protocol.CLIMessage) (int, bool) {
	if msg.ContextUsedPercent != nil {
		return *msg.ContextUsedPercent, true
	}
	for _, usage := range msg.ModelUsage {
		if usage.ContextWindow > 0 {
			used := float64(usage.InputTokens+usage.OutputTokens) / float64(usage.ContextWindow)
			return int(math.Round(used * 100)), true
		}
	}
	return 0, false
}

func (b *Bridge) handleControlRequest(s *session, msg *protocol.CLIMessage) {
	var payload protocol.ControlRequestPayload
	if err := json.Unmarshal(msg.Request, &payload); err != nil {
		logger.Warn().Err(err).Str("sessionId", s.id).Msg("dropping malformed control_request")
		return
	}
	if payload.Subtype != protocol.CLISubtypeCanUseTool {
		logger.Debug().Str("sessionId", s.id).Str("subtype", payload.Subtype).Msg("ignoring control_request subtype")
		return
	}

	req := &protocol.PermissionRequest{
		RequestID:   msg.RequestID,
		ToolName:    payload.ToolName,
		Input:       payload.Input,
		Suggestions: payload.Suggestions,
		Description: payload.Description,
		ToolUseID:   payload.ToolUseID,
		AgentID:     payload.AgentID,
		Timestamp:   nowMillis(),
	}

	s.mu.Lock()
	s.pending[req.RequestID] = req
	s.broadcast(protocol.PermissionRequestFrame(req))
	s.mu.Unlock()
}

func (b *Bridge) fire(hook func(string), id string) {
	if hook != nil {
		hook(id)
	}
}
