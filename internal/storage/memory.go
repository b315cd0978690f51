package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"examguard/internal/model"
)

// memoryStore keeps everything in process. It backs tests and deployments that run
// with storage disabled; data does not survive a restart.
type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*model.ExamSession
	alerts    map[string]*model.Alert
	alertKeys map[string]string
	incidents map[string]*model.Incident
	order     []string
}

func NewMemory() Store {
	return &memoryStore{
		sessions:  make(map[string]*model.ExamSession),
		alerts:    make(map[string]*model.Alert),
		alertKeys: make(map[string]string),
		incidents: make(map[string]*model.Incident),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) CreateSession(_ context.Context, s model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = nowUTC()
	}
	if s.Status == "" {
		s.Status = model.SessionNotStarted
	}
	m.sessions[s.ID] = &s
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memoryStore) UpdateSessionStatus(_ context.Context, t SessionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[t.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.ID, model.ErrNotFound)
	}
	if s.Status != t.From {
		return fmt.Errorf("session %s: %w", t.ID, model.ErrInvalidTransition)
	}
	at := t.At
	if at.IsZero() {
		at = nowUTC()
	}
	at = at.UTC()
	s.Status = t.To
	if t.To == model.SessionInProgress && s.StartedAt == nil {
		s.StartedAt = &at
	}
	if t.To.Terminal() && s.EndedAt == nil {
		s.EndedAt = &at
	}
	if t.BiometricVerified {
		s.BiometricVerified = true
	}
	if t.AuditRequired {
		s.AuditRequired = true
	}
	if t.Reason != "" {
		s.TerminationReason = t.Reason
	}
	return nil
}

func (m *memoryStore) CreateAlert(_ context.Context, a model.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[a.SessionID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", a.SessionID, model.ErrNotFound)
	}
	if _, dup := m.alertKeys[a.DedupeKey]; dup {
		return false, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	m.alerts[a.ID] = &a
	m.alertKeys[a.DedupeKey] = a.ID
	m.order = append(m.order, a.ID)
	s.SuspiciousActivityCount++
	return true, nil
}

func (m *memoryStore) ListAlerts(_ context.Context, sessionID string, f AlertFilter) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, id := range m.order {
		a := m.alerts[id]
		if sessionID != "" && a.SessionID != sessionID {
			continue
		}
		if !f.matches(*a) {
			continue
		}
		out = append(out, *a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) AcknowledgeAlert(_ context.Context, alertID, proctorID string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, model.ErrNotFound)
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedBy = proctorID
	}
	cp := *a
	return &cp, nil
}

func (m *memoryStore) CreateIncidentIfNoneOpen(_ context.Context, inc model.Incident) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[inc.SessionID]; !ok {
		return false, fmt.Errorf("session %s: %w", inc.SessionID, model.ErrNotFound)
	}
	if m.openIncidentLocked(inc.SessionID) != nil {
		return false, nil
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = nowUTC()
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	if inc.Status == "" {
		inc.Status = model.IncidentPending
	}
	m.incidents[inc.ID] = &inc
	return true, nil
}

func (m *memoryStore) openIncidentLocked(sessionID string) *model.Incident {
	for _, inc := range m.incidents {
		if inc.SessionID == sessionID && inc.Status.Open() {
			return inc
		}
	}
	return nil
}

func (m *memoryStore) FindOpenIncident(_ context.Context, sessionID string) (*model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc := m.openIncidentLocked(sessionID)
	if inc == nil {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

func (m *memoryStore) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	cp := *inc
	return &cp, nil
}

func (m *memoryStore) UpdateIncidentStatus(_ context.Context, t IncidentTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[t.ID]
	if !ok {
		return fmt.Errorf("incident %s: %w", t.ID, model.ErrNotFound)
	}
	if inc.Status != t.From {
		return fmt.Errorf("incident %s: %w", t.ID, model.ErrInvalidTransition)
	}
	at := t.At
	if at.IsZero() {
		at = nowUTC()
	}
	inc.Status = t.To
	inc.UpdatedAt = at.UTC()
	if t.Note != "" {
		inc.ResolutionNote = t.Note
	}
	return nil
}

func (m *memoryStore) ListIncidents(_ context.Context, sessionID string, limit int) ([]model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if sessionID != "" && inc.SessionID != sessionID {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
