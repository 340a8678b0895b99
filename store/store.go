package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

// FlushInterval is the debounce window for buffered writes. Repeated saves of
// the same (session, artifact) within the window coalesce into one disk write.
const FlushInterval = 500 * time.Millisecond

const (
	fileMeta    = "meta.json"
	fileState   = "state.json"
	fileHistory = "history.json"
)

var logger = log.GetLogger("store")

// FileStore persists sessions as one directory per session id containing
// meta.json, state.json, and history.json. All writes are atomic
// (temp sibling + fsync + rename) so a crash mid-write leaves the previous
// good version intact.
type FileStore struct {
	baseDir string

	mu      sync.Mutex
	pending map[string]map[string][]byte // session id → file name → marshaled document

	// flushMu serializes Remove against a flush cycle. Without it a batch
	// swapped out of pending before Remove runs would recreate the deleted
	// session directory when its writes land.
	flushMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileStore creates the base directory and starts the debounce flusher.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		pending: make(map[string]map[string][]byte),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// SaveMeta buffers the meta document for a debounced flush.
func (s *FileStore) SaveMeta(id string, meta *SessionMeta) {
	s.buffer(id, fileMeta, meta)
}

// SaveState buffers the state document for a debounced flush.
func (s *FileStore) SaveState(id string, state *SessionState) {
	s.buffer(id, fileState, state)
}

// SaveHistory buffers the full history array for a debounced flush.
func (s *FileStore) SaveHistory(id string, history []HistoryEntry) {
	if history == nil {
		history = []HistoryEntry{}
	}
	s.buffer(id, fileHistory, history)
}

// buffer marshals immediately so later mutations by the caller cannot leak
// into the buffered document. The latest call per (id, file) wins.
func (s *FileStore) buffer(id, file string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error().Err(err).Str("sessionId", id).Str("file", file).Msg("failed to marshal document")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files, ok := s.pending[id]
	if !ok {
		files = make(map[string][]byte)
		s.pending[id] = files
	}
	files[file] = data
}

// Load returns the most recent logical value for a session, merging unflushed
// buffers over on-disk content. It returns false iff no meta has ever been
// saved for the id.
func (s *FileStore) Load(id string) (*SessionData, bool) {
	s.mu.Lock()
	var pendingMeta, pendingState, pendingHistory []byte
	if files, ok := s.pending[id]; ok {
		pendingMeta = files[fileMeta]
		pendingState = files[fileState]
		pendingHistory = files[fileHistory]
	}
	s.mu.Unlock()

	dir := filepath.Join(s.baseDir, id)

	var meta SessionMeta
	if !s.loadDocument(id, dir, fileMeta, pendingMeta, &meta) {
		return nil, false
	}

	data := &SessionData{Meta: &meta}

	var state SessionState
	if s.loadDocument(id, dir, fileState, pendingState, &state) {
		data.State = &state
	} else {
		// Missing or corrupt state: seed a default from the meta's identifiers.
		data.State = DefaultStateFromMeta(&meta)
	}

	var history []HistoryEntry
	if s.loadDocument(id, dir, fileHistory, pendingHistory, &history) {
		data.History = history
	} else {
		data.History = []HistoryEntry{}
	}

	return data, true
}

// loadDocument unmarshals the pending buffer if present, otherwise the on-disk
// file. Corrupt JSON counts as missing; the server never crashes on bad data.
func (s *FileStore) loadDocument(id, dir, file string, pending []byte, v any) bool {
	data := pending
	if data == nil {
		fileData, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return false
		}
		data = fileData
	}

	if err := json.Unmarshal(data, v); err != nil {
		logger.Warn().Err(err).Str("sessionId", id).Str("file", file).Msg("corrupt document, using default")
		return false
	}
	return true
}

// LoadAll enumerates session directories and returns each successful load,
// ordered by creation time.
func (s *FileStore) LoadAll() []*SessionData {
	// Include sessions that exist only in the pending buffer.
	ids := make(map[string]struct{})

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		logger.Error().Err(err).Str("dir", s.baseDir).Msg("failed to read sessions dir")
	} else {
		for _, entry := range entries {
			if entry.IsDir() {
				ids[entry.Name()] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	for id := range s.pending {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()

	sessions := make([]*SessionData, 0, len(ids))
	for id := range ids {
		if data, ok := s.Load(id); ok {
			sessions = append(sessions, data)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Meta.CreatedAt.Before(sessions[j].Meta.CreatedAt)
	})

	return sessions
}

// Remove cancels any pending writes for the session and deletes its directory.
// A buffered write must never resurrect a removed session.
func (s *FileStore) Remove(id string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	dir := filepath.Join(s.baseDir, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session dir: %w", err)
	}
	return nil
}

// Flush forces all buffered writes to disk before returning.
func (s *FileStore) Flush() {
	s.flushPending()
}

// Close stops the flusher after a final synchronous flush.
func (s *FileStore) Close() {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}
	s.wg.Wait()
	s.flushPending()
}

// flushLoop drains the pending buffer every FlushInterval.
func (s *FileStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushPending()
		}
	}
}

// flushPending writes every buffered document. On a disk error the document is
// put back into the buffer (unless a newer write superseded it) so the next
// tick retries. The flush mutex covers the whole swap-and-write cycle; Remove
// takes it too, so a removed session's captured writes either land before the
// directory is deleted or are discarded with the pending buffer.
func (s *FileStore) flushPending() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]map[string][]byte)
	s.mu.Unlock()

	for id, files := range batch {
		dir := filepath.Join(s.baseDir, id)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error().Err(err).Str("sessionId", id).Msg("failed to create session dir, retaining writes")
			s.retain(id, files)
			continue
		}

		for file, data := range files {
			if err := writeFileAtomic(filepath.Join(dir, file), data); err != nil {
				logger.Error().Err(err).Str("sessionId", id).Str("file", file).Msg("write failed, retaining for retry")
				s.retain(id, map[string][]byte{file: data})
			}
		}
	}
}

// retain puts failed writes back unless a newer buffered write exists.
func (s *FileStore) retain(id string, files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pending[id]
	if !ok {
		current = make(map[string][]byte)
		s.pending[id] = current
	}
	for file, data := range files {
		if _, newer := current[file]; !newer {
			current[file] = data
		}
	}
}

// writeFileAtomic writes to a temp sibling in the same directory, fsyncs, then
// renames over the destination. Readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}
