// Package launcher spawns and supervises the Claude CLI subprocesses backing
// sessions. Each child is started with arguments that make it dial back to
// this server's subprocess WebSocket endpoint; the launcher tracks lifecycle
// state, reaps exits, and provides graceful termination.
package launcher

import (
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrUnknownProvider = fmt.Errorf("unknown provider")
)

// KillGracePeriod is how long a child gets after SIGTERM before SIGKILL.
const KillGracePeriod = 5 * time.Second

var logger = log.GetLogger("launcher")

// State is a launcher record's lifecycle phase.
type State string

const (
	StateStarting  State = "starting"  // spawned, subprocess socket not yet attached
	StateConnected State = "connected" // subprocess socket attached (or handler ready)
	StateRunning   State = "running"   // subprocess is streaming a turn
	StateExited    State = "exited"    // child terminated
)

// Session is the launcher's in-memory record for one session.
type Session struct {
	ID             string         `json:"id"`
	PID            int            `json:"pid,omitempty"`
	State          State          `json:"state"`
	ExitCode       *int           `json:"exitCode,omitempty"`
	Model          string         `json:"model,omitempty"`
	PermissionMode string         `json:"permissionMode,omitempty"`
	Provider       store.Provider `json:"provider"`
	Cwd            string         `json:"cwd"`
	CreatedAt      time.Time      `json:"createdAt"`
	SessionName    string         `json:"sessionName,omitempty"`
	Archived       bool           `json:"archived,omitempty"`
	LastActivityAt time.Time      `json:"lastActivityAt,omitempty"`

	child *child
}

// LaunchOptions are the inputs to Launch. All fields are optional.
type LaunchOptions struct {
	Model          string
	PermissionMode string
	Provider       store.Provider
	Cwd            string
	BinaryOverride string
	AllowedTools   []string
	Env            map[string]string
	ResumeID       string // upstream session id to resume from
	SessionName    string
}

// ProviderLaunchFunc starts the external half of a session for a non-default
// provider. It is expected to report readiness asynchronously via the bridge.
type ProviderLaunchFunc func(sessionID string, opts LaunchOptions) error

// ExitHandler is notified when a launcher-owned child exits.
type ExitHandler func(sessionID string, exitCode int)

// Launcher tracks every session's launcher record and owns the child
// processes. The session map is its own lock domain; the bridge's map is
// separate and they communicate by id only.
type Launcher struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store store.SessionStore

	// subprocessURL builds the WebSocket URL a child dials back to.
	subprocessURL func(sessionID string) string
	// selfSigned controls NODE_TLS_REJECT_UNAUTHORIZED for children.
	selfSigned bool
	// binaryOverride is the configured binary path, if any.
	binaryOverride string
	defaultCwd     string

	providersMu sync.RWMutex
	providers   map[store.Provider]ProviderLaunchFunc

	onExit ExitHandler
}

// Options configures a new Launcher.
type Options struct {
	Store          store.SessionStore
	SubprocessURL  func(sessionID string) string
	SelfSignedTLS  bool
	BinaryOverride string
	DefaultCwd     string
}

// New creates a launcher. The store is used to persist session meta at spawn
// and exit boundaries.
func New(opts Options) *Launcher {
	return &Launcher{
		sessions:       make(map[string]*Session),
		store:          opts.Store,
		subprocessURL:  opts.SubprocessURL,
		selfSigned:     opts.SelfSignedTLS,
		binaryOverride: opts.BinaryOverride,
		defaultCwd:     opts.DefaultCwd,
		providers:      make(map[store.Provider]ProviderLaunchFunc),
	}
}

// SetExitHandler registers the callback invoked when a child exits. Must be
// set before Launch is first called.
func (l *Launcher) SetExitHandler(h ExitHandler) {
	l.onExit = h
}

// RegisterProvider installs an external launch path for a provider tag.
func (l *Launcher) RegisterProvider(p store.Provider, fn ProviderLaunchFunc) {
	l.providersMu.Lock()
	defer l.providersMu.Unlock()
	l.providers[p] = fn
}

// Launch creates a fresh session id and starts its subprocess (or delegates
// to an external provider). A spawn failure still leaves a record in
// "starting": the bridge surfaces the missing subprocess as cli_disconnected.
func (l *Launcher) Launch(opts LaunchOptions) (*Session, error) {
	id := uuid.New().String()

	provider := opts.Provider
	if provider == "" {
		provider = store.ProviderClaude
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = l.defaultCwd
	}

	session := &Session{
		ID:             id,
		State:          StateStarting,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		Provider:       provider,
		Cwd:            cwd,
		CreatedAt:      time.Now(),
		SessionName:    opts.SessionName,
	}

	// Non-default providers own the subprocess half entirely; the handler
	// flips the record to connected when it is ready.
	if provider != store.ProviderClaude {
		l.providersMu.RLock()
		fn, ok := l.providers[provider]
		l.providersMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
		}

		l.insert(session)
		l.persistMeta(session)

		if err := fn(id, opts); err != nil {
			logger.Error().Err(err).Str("sessionId", id).Str("provider", string(provider)).Msg("provider launch failed")
		}
		return l.snapshot(id), nil
	}

	binary := l.resolveBinary(opts.BinaryOverride)
	args := buildArgs(l.subprocessURL(id), opts)
	env := buildEnv(opts.Env, l.selfSigned)

	l.insert(session)

	ch, err := spawn(id, binary, args, cwd, env)
	if err != nil {
		// Keep the record in "starting"; it never transitions. Browsers see
		// cli_disconnected because the subprocess socket never arrives.
		logger.Error().Err(err).Str("sessionId", id).Str("binary", binary).Msg("failed to spawn subprocess")
		l.persistMeta(session)
		return l.snapshot(id), nil
	}

	l.mu.Lock()
	session.child = ch
	session.PID = ch.pid
	l.mu.Unlock()

	l.persistMeta(session)

	logger.Info().
		Str("sessionId", id).
		Int("pid", ch.pid).
		Str("binary", binary).
		Str("cwd", cwd).
		Msg("launched subprocess")

	go l.watchExit(session, ch)

	return l.snapshot(id), nil
}

// watchExit waits for the child and records the terminal state.
func (l *Launcher) watchExit(session *Session, ch *child) {
	exitCode := ch.wait()

	l.mu.Lock()
	session.State = StateExited
	session.ExitCode = &exitCode
	session.child = nil
	l.mu.Unlock()

	logger.Info().
		Str("sessionId", session.ID).
		Int("exitCode", exitCode).
		Msg("subprocess exited")

	l.persistMeta(session)

	if l.onExit != nil {
		l.onExit(session.ID, exitCode)
	}
}

// MarkConnected transitions starting → connected when the subprocess socket
// attaches. Later re-attaches keep whatever state the record is in.
func (l *Launcher) MarkConnected(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.sessions[id]
	if !ok {
		return
	}
	if session.State == StateStarting {
		session.State = StateConnected
	}
}

// MarkRunning flags the session as streaming a turn.
func (l *Launcher) MarkRunning(id string) {
	l.setState(id, StateRunning)
}

// MarkIdle returns a running session to connected at a result boundary.
func (l *Launcher) MarkIdle(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.sessions[id]
	if !ok {
		return
	}
	if session.State == StateRunning {
		session.State = StateConnected
	}
}

func (l *Launcher) setState(id string, state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if session, ok := l.sessions[id]; ok && session.State != StateExited {
		session.State = state
	}
}

// MarkExited demotes a session whose process is gone (used by the pid
// monitor for restored sessions the launcher doesn't own).
func (l *Launcher) MarkExited(id string, exitCode int) {
	l.mu.Lock()
	session, ok := l.sessions[id]
	if ok {
		session.State = StateExited
		session.ExitCode = &exitCode
		session.Archived = true
		session.child = nil
	}
	l.mu.Unlock()

	if ok {
		l.persistMeta(session)
	}
}

// Kill terminates a session's child: SIGTERM, then SIGKILL after the grace
// period. Returns false for unknown sessions or sessions without a child.
func (l *Launcher) Kill(id string) bool {
	l.mu.RLock()
	session, ok := l.sessions[id]
	var ch *child
	if ok {
		ch = session.child
	}
	l.mu.RUnlock()

	if !ok || ch == nil {
		return false
	}

	ch.terminate(KillGracePeriod)
	return true
}

// KillAll terminates every launcher-owned child. Used at shutdown.
func (l *Launcher) KillAll() {
	l.mu.RLock()
	children := make([]*child, 0, len(l.sessions))
	for _, session := range l.sessions {
		if session.child != nil {
			children = append(children, session.child)
		}
	}
	l.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range children {
		wg.Add(1)
		go func(ch *child) {
			defer wg.Done()
			ch.terminate(KillGracePeriod)
		}(ch)
	}
	wg.Wait()
}

// GetSession returns a snapshot of one record.
func (l *Launcher) GetSession(id string) (*Session, error) {
	snap := l.snapshot(id)
	if snap == nil {
		return nil, ErrSessionNotFound
	}
	return snap, nil
}

// ListSessions returns snapshots of all records, oldest first.
func (l *Launcher) ListSessions() []*Session {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s.copy())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// IsAlive reports whether the session exists and has not exited.
func (l *Launcher) IsAlive(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	session, ok := l.sessions[id]
	return ok && session.State != StateExited
}

// HasProcess distinguishes launcher-owned children from restored records.
func (l *Launcher) HasProcess(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	session, ok := l.sessions[id]
	return ok && session.child != nil
}

// TouchActivity updates the record's last-activity stamp and persists the
// meta. The store debounces, so per-message calls stay cheap.
func (l *Launcher) TouchActivity(id string) {
	l.mu.Lock()
	session, ok := l.sessions[id]
	if ok {
		session.LastActivityAt = time.Now()
	}
	l.mu.Unlock()

	if ok {
		l.persistMeta(session)
	}
}

// SetSessionName updates the display name in the record and persists the meta.
func (l *Launcher) SetSessionName(id, name string) error {
	l.mu.Lock()
	session, ok := l.sessions[id]
	if ok {
		session.SessionName = name
	}
	l.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	l.persistMeta(session)
	return nil
}

// RestoreSession inserts a record without spawning. Used by startup recovery.
func (l *Launcher) RestoreSession(session *Session) {
	l.insert(session)
}

// RemoveSession drops the record. The caller is responsible for killing the
// child first and for removing persisted data.
func (l *Launcher) RemoveSession(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[id]; !ok {
		return false
	}
	delete(l.sessions, id)
	return true
}

// PruneExited removes all exited records and returns their ids.
func (l *Launcher) PruneExited() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pruned []string
	for id, session := range l.sessions {
		if session.State == StateExited {
			delete(l.sessions, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// ProbePID reports whether a process with the given pid exists, using the
// signal-0 no-op probe.
func ProbePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (l *Launcher) insert(session *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[session.ID] = session
}

func (l *Launcher) snapshot(id string) *Session {
	l.mu.RLock()
	defer l.mu.RUnlock()

	session, ok := l.sessions[id]
	if !ok {
		return nil
	}
	return session.copy()
}

func (s *Session) copy() *Session {
	dup := *s
	dup.child = nil
	if s.ExitCode != nil {
		code := *s.ExitCode
		dup.ExitCode = &code
	}
	return &dup
}

// Meta builds the persisted meta document for a record.
func (s *Session) Meta() *store.SessionMeta {
	return &store.SessionMeta{
		ID:             s.ID,
		PID:            s.PID,
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
		Provider:       s.Provider,
		Cwd:            s.Cwd,
		CreatedAt:      s.CreatedAt,
		SessionName:    s.SessionName,
		LastActivityAt: s.LastActivityAt,
	}
}

func (l *Launcher) persistMeta(session *Session) {
	l.mu.RLock()
	meta := session.Meta()
	l.mu.RUnlock()
	l.store.SaveMeta(meta.ID, meta)
}
