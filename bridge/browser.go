package bridge

import (
	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-bridge/protocol"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

// AttachBrowser adds a browser socket to the session and queues its initial
// snapshot: session_init, message_history (if any), every pending permission
// request, and finally cli_disconnected when no subprocess or external
// handler is present. The snapshot is assembled under the session lock so no
// later event can interleave with it.
func (b *Bridge) AttachBrowser(id string) *Client {
	s := b.getOrCreate(id)
	c := NewClient()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c] = struct{}{}

	state := *s.state
	s.sendToClient(c, protocol.SessionInit(&state))

	if len(s.history) > 0 {
		s.sendToClient(c, protocol.MessageHistory(s.history))
	}

	for _, req := range s.pending {
		s.sendToClient(c, protocol.PermissionRequestFrame(req))
	}

	if s.cli == nil && s.external == nil {
		s.sendToClient(c, protocol.CLIDisconnected())
	}

	return c
}

// DetachBrowser removes a browser socket from the session.
func (b *Bridge) DetachBrowser(id string, c *Client) {
	s, ok := b.get(id)
	if !ok {
		c.close()
		return
	}

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// HandleBrowserData parses and dispatches one browser text frame.
func (b *Bridge) HandleBrowserData(id string, data []byte) {
	msg, err := protocol.ParseBrowserInbound(data)
	if err != nil {
		logger.Warn().Err(err).Str("sessionId", id).Msg("dropping malformed browser frame")
		return
	}

	s := b.getOrCreate(id)

	switch msg.Type {
	case protocol.BrowserTypeUserMessage:
		b.handleUserMessage(s, msg, data)

	case protocol.BrowserTypePermissionResponse:
		b.handlePermissionResponse(s, msg, data)

	case protocol.BrowserTypeInterrupt:
		s.mu.Lock()
		s.forward(protocol.InterruptFrame(uuid.New().String()), data)
		s.mu.Unlock()

	case protocol.BrowserTypeSetModel:
		s.mu.Lock()
		s.forward(protocol.SetModelFrame(uuid.New().String(), msg.Model), data)
		s.mu.Unlock()

	case protocol.BrowserTypeSetPermissionMode:
		s.mu.Lock()
		s.forward(protocol.SetPermissionModeFrame(uuid.New().String(), msg.Mode), data)
		s.mu.Unlock()

	default:
		logger.Warn().Str("sessionId", id).Str("type", msg.Type).Msg("dropping unknown browser frame type")
	}
}

func (b *Bridge) handleUserMessage(s *session, msg *protocol.BrowserInbound, raw []byte) {
	s.mu.Lock()
	if s.state.Archived {
		s.broadcast(protocol.ErrorFrame("session is archived and read-only"))
		s.mu.Unlock()
		return
	}

	s.history = append(s.history, store.HistoryEntry{
		Type:      store.HistoryUserMessage,
		Content:   msg.Content,
		Timestamp: nowMillis(),
	})
	b.store.SaveHistory(s.id, s.history)

	first := !s.firstMessageReceived
	s.firstMessageReceived = true

	frame := protocol.UserFrame(msg.Content, msg.Images, s.state.UpstreamSessionID)
	s.forward(frame, raw)
	s.mu.Unlock()

	b.fire(b.hooks.Activity, s.id)
	if first && b.hooks.FirstUserMessage != nil {
		// Naming runs off the message path.
		go b.hooks.FirstUserMessage(s.id, msg.Content)
	}
}

func (b *Bridge) handlePermissionResponse(s *session, msg *protocol.BrowserInbound, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[msg.RequestID]; !ok {
		logger.Warn().Str("sessionId", s.id).Str("requestId", msg.RequestID).Msg("permission response for unknown request")
		return
	}
	delete(s.pending, msg.RequestID)

	var frame []byte
	if msg.Behavior == protocol.BehaviorAllow {
		frame = protocol.ControlResponseAllow(msg.RequestID, msg.UpdatedInput, msg.UpdatedPermissions)
	} else {
		frame = protocol.ControlResponseDeny(msg.RequestID, msg.Message)
	}
	s.forward(frame, raw)
}

// forward delivers a subprocess-facing frame. A registered external handler
// takes the browser's original frame instead; otherwise the frame goes to the
// subprocess socket, or into the queue when none is attached. Callers hold
// s.mu, which keeps queue order aligned with browser event order.
func (s *session) forward(frame, browserRaw []byte) {
	if s.external != nil {
		handler := s.external
		id := s.id
		raw := make([]byte, len(browserRaw))
		copy(raw, browserRaw)
		go handler(id, raw)
		return
	}

	if s.cli == nil {
		s.queue = append(s.queue, frame)
		return
	}

	if err := s.cli.SendLine(frame); err != nil {
		logger.Error().Err(err).Str("sessionId", s.id).Msg("subprocess send failed, dropping frame")
	}
}
