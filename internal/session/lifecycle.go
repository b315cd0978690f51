// Package session owns the exam-session state machine and decides the final
// disposition of a session from the evidence accumulated by the pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"examguard/internal/engine"
	"examguard/internal/incidents"
	"examguard/internal/metrics"
	"examguard/internal/model"
	"examguard/internal/notify"
	"examguard/internal/storage"
)

var sessionEdges = map[model.SessionStatus][]model.SessionStatus{
	model.SessionNotStarted: {model.SessionInProgress, model.SessionTerminated},
	model.SessionInProgress: {model.SessionSubmitted, model.SessionFlagged, model.SessionTerminated},
}

// CanTransition reports whether from -> to is a forward edge of the session state
// machine. Terminal states have no outgoing edges.
func CanTransition(from, to model.SessionStatus) bool {
	for _, next := range sessionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pipeline is the part of the frame engine the lifecycle drives. Seal stops frame
// intake and closes the open window; Admit reopens a sealed session.
type Pipeline interface {
	Admit(sessionID string)
	Seal(ctx context.Context, sessionID string) (*engine.WindowReport, error)
	Close(sessionID string)
}

type Evaluator interface {
	Evaluate(ctx context.Context, sessionID string) (incidents.Result, error)
}

// Disposition is the outcome of finalizing a session.
type Disposition struct {
	SessionID               string              `json:"session_id"`
	Status                  model.SessionStatus `json:"status"`
	SuspiciousActivityCount int                 `json:"suspicious_activity_count"`
	OpenIncident            *model.Incident     `json:"open_incident,omitempty"`
	// AuditRequired is set when escalation could not be fully evaluated.
	AuditRequired bool     `json:"audit_required"`
	Warnings      []string `json:"warnings,omitempty"`
	// Persisted is false when the final status could not be written; the session
	// then stays in its prior state.
	Persisted bool `json:"persisted"`
}

type NewSession struct {
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type Manager struct {
	store     storage.Store
	pipeline  Pipeline
	escalator Evaluator
	events    *notify.Notifier
	inst      *metrics.Instruments
	logger    *slog.Logger
	autoFlag  atomic.Int64
	now       func() time.Time
	newID     func() string
}

func NewManager(store storage.Store, pipeline Pipeline, escalator Evaluator, autoFlagThreshold int, events *notify.Notifier, logger *slog.Logger) *Manager {
	m := &Manager{
		store:     store,
		pipeline:  pipeline,
		escalator: escalator,
		events:    events,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	m.SetAutoFlagThreshold(autoFlagThreshold)
	return m
}

func (m *Manager) SetAutoFlagThreshold(n int) {
	m.autoFlag.Store(int64(n))
}

func (m *Manager) SetInstruments(inst *metrics.Instruments) {
	m.inst = inst
}

func (m *Manager) Get(ctx context.Context, id string) (*model.ExamSession, error) {
	return m.store.GetSession(ctx, id)
}

// Report is the reviewer's view of a session.
type Report struct {
	Session      *model.ExamSession `json:"session"`
	OpenIncident *model.Incident    `json:"open_incident,omitempty"`
	// WouldFlag is the disposition the session would receive if finalized now.
	WouldFlag bool `json:"would_flag"`
}

func (m *Manager) Report(ctx context.Context, id string) (*Report, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := m.store.FindOpenIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	d := Disposition{SuspiciousActivityCount: sess.SuspiciousActivityCount, OpenIncident: open}
	wouldFlag := sess.Status == model.SessionFlagged ||
		(sess.Status == model.SessionInProgress && m.decide(d) == model.SessionFlagged)
	return &Report{Session: sess, OpenIncident: open, WouldFlag: wouldFlag}, nil
}

// Schedule creates a session in not_started.
func (m *Manager) Schedule(ctx context.Context, req NewSession) (*model.ExamSession, error) {
	if req.ExamID == "" || req.StudentID == "" {
		return nil, fmt.Errorf("exam_id and student_id are required: %w", model.ErrInvariantViolation)
	}
	sess := model.ExamSession{
		ID:        m.newID(),
		ExamID:    req.ExamID,
		StudentID: req.StudentID,
		Status:    model.SessionNotStarted,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Start moves a session into in_progress and admits it to frame streaming.
func (m *Manager) Start(ctx context.Context, id string, biometricVerified bool) (*model.ExamSession, error) {
	if err := m.transition(ctx, storage.SessionTransition{
		ID:                id,
		From:              model.SessionNotStarted,
		To:                model.SessionInProgress,
		At:                m.now(),
		BiometricVerified: biometricVerified,
	}); err != nil {
		return nil, err
	}
	if m.pipeline != nil {
		m.pipeline.Admit(id)
	}
	if m.logger != nil {
		m.logger.Info("session started", "session_id", id, "biometric_verified", biometricVerified)
	}
	return m.store.GetSession(ctx, id)
}

// Submit finalizes a student-submitted session as submitted or flagged. Pipeline
// errors never fail the submission: they mark the disposition for audit instead.
func (m *Manager) Submit(ctx context.Context, id string) (Disposition, error) {
	return m.finalize(ctx, id, "")
}

// Terminate ends a session administratively. The partial window is still closed
// so the evidence is kept for audit.
func (m *Manager) Terminate(ctx context.Context, id, reason string) (Disposition, error) {
	if reason == "" {
		reason = "terminated"
	}
	return m.finalize(ctx, id, reason)
}

func (m *Manager) finalize(ctx context.Context, id, terminateReason string) (Disposition, error) {
	terminating := terminateReason != ""
	target := model.SessionSubmitted
	if terminating {
		target = model.SessionTerminated
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrPersistence) {
			return Disposition{}, err
		}
		// Nothing can be evaluated; accept the request and leave it to an audit.
		d := Disposition{SessionID: id, Status: target, AuditRequired: true}
		d.Warnings = append(d.Warnings, "session could not be read")
		m.unpersisted(ctx, &d, "read session", err)
		return d, nil
	}
	if !CanTransition(sess.Status, target) {
		return Disposition{}, fmt.Errorf("session %s %s -> %s: %w", id, sess.Status, target, model.ErrInvalidTransition)
	}

	d := Disposition{SessionID: id, SuspiciousActivityCount: sess.SuspiciousActivityCount}
	if sess.Status == model.SessionInProgress {
		m.settleEvidence(ctx, id, &d)
		if !terminating {
			target = m.decide(d)
		}
	}
	d.Status = target

	err = m.transition(ctx, storage.SessionTransition{
		ID:            id,
		From:          sess.Status,
		To:            target,
		At:            m.now(),
		AuditRequired: d.AuditRequired,
		Reason:        terminateReason,
	})
	if err != nil {
		if errors.Is(err, model.ErrInvariantViolation) || errors.Is(err, model.ErrNotFound) {
			return Disposition{}, err
		}
		// The session keeps its prior status, so it streams again.
		if sess.Status == model.SessionInProgress && m.pipeline != nil {
			m.pipeline.Admit(id)
		}
		d.Warnings = append(d.Warnings, "final status could not be stored")
		m.unpersisted(ctx, &d, "update session status", err)
		return d, nil
	}
	d.Persisted = true
	m.inst.SessionFinalized(ctx, string(d.Status), d.AuditRequired)
	if m.pipeline != nil {
		m.pipeline.Close(id)
	}
	m.events.Emit(ctx, notify.Event{Type: notify.EventSessionFinalized, SessionID: id, Payload: d})
	if m.logger != nil {
		m.logger.Info("session finalized",
			"session_id", id,
			"status", d.Status,
			"suspicious_activity_count", d.SuspiciousActivityCount,
			"audit_required", d.AuditRequired,
		)
	}
	return d, nil
}

// unpersisted reports a disposition the caller receives but the store does not hold.
func (m *Manager) unpersisted(ctx context.Context, d *Disposition, op string, err error) {
	d.Persisted = false
	m.inst.PersistenceFailure(ctx, op)
	m.events.Operator(ctx, notify.OperatorPersistenceFailure, d.SessionID, err)
	if m.logger != nil {
		m.logger.Error("session finalization not persisted", "session_id", d.SessionID, "status", d.Status, "err", err)
	}
}

// settleEvidence seals the session, so no frame can land after the decision,
// re-runs escalation synchronously and reloads the counters, recording anything
// that could not be evaluated.
func (m *Manager) settleEvidence(ctx context.Context, id string, d *Disposition) {
	if m.pipeline != nil {
		if _, err := m.pipeline.Seal(ctx, id); err != nil {
			m.degrade(d, "pending evidence could not be persisted", err, id)
		}
	}

	if m.escalator != nil {
		res, err := m.escalator.Evaluate(ctx, id)
		if err != nil {
			m.degrade(d, "escalation could not be evaluated", err, id)
			m.events.Operator(ctx, notify.OperatorEscalationUnavailable, id, err)
		} else {
			d.OpenIncident = res.Incident
		}
	}
	// Below the threshold Evaluate reports nothing, but an earlier incident may
	// still be open.
	if d.OpenIncident == nil {
		if open, err := m.store.FindOpenIncident(ctx, id); err == nil {
			d.OpenIncident = open
		} else {
			m.degrade(d, "open incidents could not be read", err, id)
		}
	}

	if fresh, err := m.store.GetSession(ctx, id); err != nil {
		m.degrade(d, "session counters could not be reloaded", err, id)
	} else {
		d.SuspiciousActivityCount = fresh.SuspiciousActivityCount
	}
}

func (m *Manager) degrade(d *Disposition, warning string, err error, id string) {
	d.AuditRequired = true
	d.Warnings = append(d.Warnings, warning)
	if m.logger != nil {
		m.logger.Warn(warning, "session_id", id, "err", err)
	}
}

func (m *Manager) decide(d Disposition) model.SessionStatus {
	if inc := d.OpenIncident; inc != nil && inc.Status.Open() &&
		(inc.Severity == model.IncidentMajor || inc.Severity == model.IncidentCritical) {
		return model.SessionFlagged
	}
	if int64(d.SuspiciousActivityCount) > m.autoFlag.Load() {
		return model.SessionFlagged
	}
	return model.SessionSubmitted
}

// transition writes a status change, treating a retried write that already landed
// as success.
func (m *Manager) transition(ctx context.Context, t storage.SessionTransition) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("session %s %s -> %s: %w", t.ID, t.From, t.To, model.ErrInvalidTransition)
	}
	err := m.store.UpdateSessionStatus(ctx, t)
	if err == nil || !errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	if cur, gerr := m.store.GetSession(ctx, t.ID); gerr == nil && cur.Status == t.To {
		return nil
	}
	return err
}
