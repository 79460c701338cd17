package acp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store persists agent session state under a data directory so sessions and
// thread transcripts survive daemon restarts. Layout:
//
//	sessions.json       {"sessions":[...], "lastSessionId":"..."}
//	modes.json          {"modes":{"<sid>":"<modeId>"}}
//	threads/<sid>.json  one {"timestamp":..., "update":...} JSON line per update
//	threads/index.json  {"threads":{"<sid>":{id, firstSeen, lastSeen, messageCount}}}
//
// All writes are best-effort: failures are logged and never fail the
// operation that caused them.
type Store struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex
	sessions []string
	lastSID  string
	modes    map[string]string
	index    map[string]*ThreadSummary
}

// ThreadSummary is the per-session entry in threads/index.json.
type ThreadSummary struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	MessageCount int       `json:"messageCount"`
}

// ThreadEntry is one persisted session_update.
type ThreadEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Update    json.RawMessage `json:"update"`
}

type sessionsFile struct {
	Sessions      []string `json:"sessions"`
	LastSessionID string   `json:"lastSessionId"`
}

type modesFile struct {
	Modes map[string]string `json:"modes"`
}

type indexFile struct {
	Threads map[string]*ThreadSummary `json:"threads"`
}

// NewStore opens (and if needed creates) the data directory and loads any
// existing state.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, "threads"), 0o755); err != nil {
		return nil, fmt.Errorf("create acp data dir: %w", err)
	}
	s := &Store{
		dir:   dir,
		log:   log,
		modes: make(map[string]string),
		index: make(map[string]*ThreadSummary),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	var sf sessionsFile
	if readJSONFile(filepath.Join(s.dir, "sessions.json"), &sf) {
		s.sessions = sf.Sessions
		s.lastSID = sf.LastSessionID
	}
	var mf modesFile
	if readJSONFile(filepath.Join(s.dir, "modes.json"), &mf) && mf.Modes != nil {
		s.modes = mf.Modes
	}
	var xf indexFile
	if readJSONFile(filepath.Join(s.dir, "threads", "index.json"), &xf) && xf.Threads != nil {
		s.index = xf.Threads
	}
}

func readJSONFile(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// AddSession records a session id and marks it as the last-used one.
func (s *Store) AddSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, sid := range s.sessions {
		if sid == id {
			found = true
			break
		}
	}
	if !found {
		s.sessions = append(s.sessions, id)
	}
	s.lastSID = id
	s.writeSessionsLocked()
}

// SetLastSession records the last-selected session id.
func (s *Store) SetLastSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSID = id
	s.writeSessionsLocked()
}

// LastSession returns the last-used session id, or "".
func (s *Store) LastSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSID
}

// Sessions returns the known session ids.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// HasSession reports whether id is a known session.
func (s *Store) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sid := range s.sessions {
		if sid == id {
			return true
		}
	}
	return false
}

// RemoveSession deletes a session, its mode, its thread file and index entry.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	for _, sid := range s.sessions {
		if sid != id {
			kept = append(kept, sid)
		}
	}
	s.sessions = kept
	if s.lastSID == id {
		s.lastSID = ""
		if len(s.sessions) > 0 {
			s.lastSID = s.sessions[len(s.sessions)-1]
		}
	}
	delete(s.modes, id)
	delete(s.index, id)
	s.writeSessionsLocked()
	s.writeModesLocked()
	s.writeIndexLocked()
	if err := os.Remove(s.threadPath(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove thread file failed", zap.String("session_id", id), zap.Error(err))
	}
}

// ReplaceSession rewires a recovered session: the old id's mode and thread
// summary carry over to the new id.
func (s *Store) ReplaceSession(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, sid := range s.sessions {
		if sid == oldID {
			s.sessions[i] = newID
			replaced = true
			break
		}
	}
	if !replaced {
		s.sessions = append(s.sessions, newID)
	}
	if mode, ok := s.modes[oldID]; ok {
		delete(s.modes, oldID)
		s.modes[newID] = mode
	}
	if sum, ok := s.index[oldID]; ok {
		delete(s.index, oldID)
		sum.ID = newID
		s.index[newID] = sum
	}
	if s.lastSID == oldID || s.lastSID == "" {
		s.lastSID = newID
	}
	if err := os.Rename(s.threadPath(oldID), s.threadPath(newID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("rename thread file failed", zap.String("old", oldID), zap.String("new", newID), zap.Error(err))
	}
	s.writeSessionsLocked()
	s.writeModesLocked()
	s.writeIndexLocked()
}

// SetMode records the last-selected mode for a session.
func (s *Store) SetMode(sessionID, modeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[sessionID] = modeID
	s.writeModesLocked()
}

// Mode returns the recorded mode for a session, or "".
func (s *Store) Mode(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[sessionID]
}

// AppendUpdate appends one session_update to the session's thread file and
// bumps the index entry.
func (s *Store) AppendUpdate(sessionID string, update json.RawMessage) {
	now := time.Now()
	entry := ThreadEntry{Timestamp: now, Update: update}
	line, err := json.Marshal(entry)
	if err != nil {
		s.log.Warn("marshal thread entry failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.threadPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Warn("open thread file failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		s.log.Warn("append thread entry failed", zap.String("session_id", sessionID),
			zap.NamedError("write", werr), zap.NamedError("close", cerr))
		return
	}

	sum := s.index[sessionID]
	if sum == nil {
		sum = &ThreadSummary{ID: sessionID, FirstSeen: now}
		s.index[sessionID] = sum
	}
	sum.LastSeen = now
	sum.MessageCount++
	s.writeIndexLocked()
}

// Thread reads a session's transcript in append order.
func (s *Store) Thread(sessionID string) ([]ThreadEntry, error) {
	f, err := os.Open(s.threadPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []ThreadEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ThreadEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crashed write is skipped, not fatal.
			s.log.Warn("skipping corrupt thread entry", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// Threads returns the per-session summaries, newest last-seen first.
func (s *Store) Threads() []ThreadSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ThreadSummary, 0, len(s.index))
	for _, sum := range s.index {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

func (s *Store) threadPath(sessionID string) string {
	return filepath.Join(s.dir, "threads", sanitizeSessionID(sessionID)+".json")
}

// sanitizeSessionID keeps thread filenames inside the threads directory no
// matter what the agent handed us as a session id.
func sanitizeSessionID(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

func (s *Store) writeSessionsLocked() {
	s.writeAtomic("sessions.json", sessionsFile{Sessions: s.sessions, LastSessionID: s.lastSID})
}

func (s *Store) writeModesLocked() {
	s.writeAtomic("modes.json", modesFile{Modes: s.modes})
}

func (s *Store) writeIndexLocked() {
	s.writeAtomic(filepath.Join("threads", "index.json"), indexFile{Threads: s.index})
}

// writeAtomic writes JSON to a temp file in the same directory then renames
// it over the target.
func (s *Store) writeAtomic(rel string, v any) {
	path := filepath.Join(s.dir, rel)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Warn("marshal store file failed", zap.String("file", rel), zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Warn("write store file failed", zap.String("file", rel), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn("rename store file failed", zap.String("file", rel), zap.Error(err))
		_ = os.Remove(tmp)
	}
}
