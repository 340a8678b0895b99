// Package bridge couples one subprocess socket to an N-browser fan-out per
// session. It translates between the subprocess NDJSON protocol and the
// browser frame protocol, queues browser intents while no subprocess is
// attached, tracks pending permission round-trips, and mirrors state and
// history to the store.
package bridge

import (
	"sync"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
	"github.com/xiaoyuanzhu-com/claude-bridge/protocol"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

var logger = log.GetLogger("bridge")

// ClientSendBuffer is the per-browser outbound channel depth. A browser that
// cannot drain this many frames is removed rather than allowed to stall the
// session.
const ClientSendBuffer = 256

// Client is one attached browser socket's bridge-side handle. The transport
// layer runs a write pump that drains Send; the bridge closes Send when the
// client is removed.
type Client struct {
	Send chan []byte

	closeOnce sync.Once
}

// NewClient allocates a browser handle with a buffered send channel.
func NewClient() *Client {
	return &Client{Send: make(chan []byte, ClientSendBuffer)}
}

// close shuts the send channel exactly once. The write pump observes the
// close and tears down the socket.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// CLISocket is the subprocess socket as the bridge sees it. SendLine writes
// one NDJSON line (the implementation appends the newline framing).
type CLISocket interface {
	SendLine(frame []byte) error
	Close() error
}

// ExternalHandler replaces the subprocess half for non-default providers. It
// receives the browser's frames verbatim and answers through InjectToBrowsers.
type ExternalHandler func(sessionID string, message []byte)

// Hooks are the bridge's outward notifications. All are optional; nil hooks
// are skipped. They are invoked outside the session lock.
type Hooks struct {
	// CLIConnected fires when a subprocess socket attaches.
	CLIConnected func(sessionID string)
	// Activity fires on user messages and assistant/result traffic.
	Activity func(sessionID string)
	// Running fires when the subprocess starts streaming a turn.
	Running func(sessionID string)
	// Idle fires at each result boundary.
	Idle func(sessionID string)
	// FirstUserMessage fires once per session, off the message path.
	FirstUserMessage func(sessionID, content string)
	// Result fires after a result message has been recorded.
	Result func(sessionID string)
}

// session is the per-session record. Its mutex is the unit of serialization:
// every mutation (attach, detach, history append, queue flush, pending map)
// happens under it, so frame order is preserved per session while distinct
// sessions never contend.
type session struct {
	id string

	mu       sync.Mutex
	cli      CLISocket
	clients  map[*Client]struct{}
	state    *store.SessionState
	pending  map[string]*protocol.PermissionRequest
	history  []store.HistoryEntry
	queue    [][]byte
	external ExternalHandler

	firstMessageReceived bool
}

func newSession(id string) *session {
	return &session{
		id:      id,
		clients: make(map[*Client]struct{}),
		state:   store.DefaultState(id),
		pending: make(map[string]*protocol.PermissionRequest),
	}
}

// Bridge owns the session records. Its own lock guards only the map; the
// records serialize themselves.
type Bridge struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store store.SessionStore
	hooks Hooks
}

// New creates a bridge persisting through the given store.
func New(st store.SessionStore) *Bridge {
	return &Bridge{
		sessions: make(map[string]*session),
		store:    st,
	}
}

// SetHooks installs the outward notifications. Must be called before traffic.
func (b *Bridge) SetHooks(hooks Hooks) {
	b.hooks = hooks
}

// getOrCreate returns the record for id, creating a default one on first
// reference.
func (b *Bridge) getOrCreate(id string) *session {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.sessions[id]; ok {
		return s
	}
	s = newSession(id)
	b.sessions[id] = s
	return s
}

func (b *Bridge) get(id string) (*session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

// HasSession reports whether an in-memory record exists for id.
func (b *Bridge) HasSession(id string) bool {
	_, ok := b.get(id)
	return ok
}

// GetState returns a copy of the session's current state, or nil.
func (b *Bridge) GetState(id string) *store.SessionState {
	s, ok := b.get(id)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := *s.state
	return &state
}

// BrowserCount returns how many browser sockets are attached.
func (b *Bridge) BrowserCount(id string) int {
	s, ok := b.get(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RestoreSession rebuilds a record from persisted data without any sockets.
// Used by startup recovery.
func (b *Bridge) RestoreSession(id string, state *store.SessionState, history []store.HistoryEntry, archived bool) {
	s := b.getOrCreate(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if state != nil {
		s.state = state
	}
	s.state.Archived = archived
	s.history = history

	s.firstMessageReceived = false
	for _, entry := range history {
		if entry.Type == store.HistoryUserMessage {
			s.firstMessageReceived = true
			break
		}
	}
}

// ArchiveSession marks the session read-only after its subprocess exited and
// persists the flag. Further user messages are refused.
func (b *Bridge) ArchiveSession(id string) {
	s, ok := b.get(id)
	if !ok {
		return
	}

	s.mu.Lock()
	s.state.Archived = true
	state := *s.state
	s.mu.Unlock()

	b.store.SaveState(id, &state)
}

// RegisterExternalHandler installs a handler that substitutes for the
// subprocess half of the session. The cli_disconnected placeholder is
// suppressed while a handler is registered.
func (b *Bridge) RegisterExternalHandler(id string, handler ExternalHandler) {
	s := b.getOrCreate(id)
	s.mu.Lock()
	s.external = handler
	s.mu.Unlock()
}

// UnregisterExternalHandler removes the handler for id.
func (b *Bridge) UnregisterExternalHandler(id string) {
	s, ok := b.get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.external = nil
	s.mu.Unlock()
}

// InjectToBrowsers feeds a browser-directed frame from an external handler:
// assistant and result payloads are appended to history, everything is
// broadcast as-is.
func (b *Bridge) InjectToBrowsers(id string, message []byte) {
	s := b.getOrCreate(id)

	msg, err := protocol.ParseCLIMessage(message)
	if err != nil {
		logger.Warn().Err(err).Str("sessionId", id).Msg("dropping malformed injected message")
		return
	}

	s.mu.Lock()
	switch msg.Type {
	case protocol.CLITypeAssistant:
		s.history = append(s.history, store.HistoryEntry{
			Type:            store.HistoryAssistant,
			Message:         msg.Message,
			ParentToolUseID: msg.ParentToolUseID,
			Timestamp:       nowMillis(),
		})
		b.store.SaveHistory(id, s.history)
	case protocol.CLITypeResult:
		s.history = append(s.history, store.HistoryEntry{
			Type:      store.HistoryResult,
			Data:      msg.Raw,
			Timestamp: nowMillis(),
		})
		b.store.SaveHistory(id, s.history)
	}
	s.broadcast(message)
	s.mu.Unlock()
}

// CloseSession tears down sockets and drops the in-memory record. Persisted
// data stays on disk.
func (b *Bridge) CloseSession(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	if s.cli != nil {
		s.cli.Close()
		s.cli = nil
	}
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()
}

// RemoveSession tears down the record and deletes the persisted directory.
func (b *Bridge) RemoveSession(id string) error {
	b.CloseSession(id)
	return b.store.Remove(id)
}

// broadcast writes one already-serialized frame to every browser. Callers
// hold s.mu, which is what preserves per-session ordering. A client whose
// buffer is full cannot keep up and is removed.
func (s *session) broadcast(frame []byte) {
	for c := range s.clients {
		select {
		case c.Send <- frame:
		default:
			logger.Warn().Str("sessionId", s.id).Msg("browser send buffer full, removing client")
			delete(s.clients, c)
			c.close()
		}
	}
}

// sendToClient delivers directly to one client, removing it on overflow.
func (s *session) sendToClient(c *Client, frame []byte) {
	select {
	case c.Send <- frame:
	default:
		logger.Warn().Str("sessionId", s.id).Msg("browser send buffer full during snapshot, removing client")
		delete(s.clients, c)
		c.close()
	}
}
