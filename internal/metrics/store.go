package metrics

import (
	"sync"
	"time"

	"examguard/internal/model"
)

// SessionSnapshot is the live pipeline view of one proctoring session.
type SessionSnapshot struct {
	SessionID        string                      `json:"session_id"`
	FramesAccepted   int                         `json:"frames_accepted"`
	FramesRejected   int                         `json:"frames_rejected"`
	WindowsClosed    int                         `json:"windows_closed"`
	DetectorTimeouts int                         `json:"detector_timeouts"`
	AlertsCreated    int                         `json:"alerts_created"`
	LastWindowID     string                      `json:"last_window_id,omitempty"`
	LastFindings     []model.ConsolidatedFinding `json:"last_findings,omitempty"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// Store keeps the most recently updated session snapshots in memory. The least
// recently updated session is evicted once limit is exceeded.
type Store struct {
	mu        sync.RWMutex
	bySession map[string]*SessionSnapshot
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySession: make(map[string]*SessionSnapshot),
		limit:     limit,
	}
}

func (s *Store) Update(sessionID string, fn func(*SessionSnapshot)) {
	if s == nil || sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.bySession[sessionID]
	if !ok {
		snap = &SessionSnapshot{SessionID: sessionID}
		s.bySession[sessionID] = snap
	}
	fn(snap)
	snap.UpdatedAt = time.Now().UTC()
	if len(s.bySession) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(sessionID string) (SessionSnapshot, bool) {
	if s == nil {
		return SessionSnapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.bySession[sessionID]
	if !ok {
		return SessionSnapshot{}, false
	}
	return copySnapshot(snap), true
}

func (s *Store) GetAll() map[string]SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SessionSnapshot, len(s.bySession))
	for id, snap := range s.bySession {
		out[id] = copySnapshot(snap)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

func copySnapshot(snap *SessionSnapshot) SessionSnapshot {
	cp := *snap
	if snap.LastFindings != nil {
		cp.LastFindings = append([]model.ConsolidatedFinding(nil), snap.LastFindings...)
	}
	return cp
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.bySession {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.bySession, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string]*SessionSnapshot)
}
