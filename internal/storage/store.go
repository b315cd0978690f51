package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
)

// Store is the persistence boundary of the pipeline. Every method is atomic on its
// own; CreateAlert and CreateIncidentIfNoneOpen carry the cross-row guarantees the
// pipeline relies on.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	CreateSession(ctx context.Context, s model.ExamSession) error
	GetSession(ctx context.Context, id string) (*model.ExamSession, error)
	UpdateSessionStatus(ctx context.Context, t SessionTransition) error

	// CreateAlert inserts the alert and increments the owning session's
	// suspicious_activity_count in one transaction. A second call with the same
	// DedupeKey changes nothing and reports created=false.
	CreateAlert(ctx context.Context, a model.Alert) (created bool, err error)
	ListAlerts(ctx context.Context, sessionID string, f AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, proctorID string) (*model.Alert, error)

	// CreateIncidentIfNoneOpen inserts the incident unless the session already has a
	// pending or investigating incident, in which case created is false.
	CreateIncidentIfNoneOpen(ctx context.Context, inc model.Incident) (created bool, err error)
	FindOpenIncident(ctx context.Context, sessionID string) (*model.Incident, error)
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	UpdateIncidentStatus(ctx context.Context, t IncidentTransition) error
	ListIncidents(ctx context.Context, sessionID string, limit int) ([]model.Incident, error)
}

// SessionTransition is a compare-and-set on session status. EndedAt is stamped only
// when To is terminal and only if it was not already set.
type SessionTransition struct {
	ID                string
	From              model.SessionStatus
	To                model.SessionStatus
	At                time.Time
	BiometricVerified bool
	AuditRequired     bool
	Reason            string
}

// IncidentTransition is a compare-and-set on incident status.
type IncidentTransition struct {
	ID   string
	From model.IncidentStatus
	To   model.IncidentStatus
	Note string
	At   time.Time
}

type AlertFilter struct {
	UnacknowledgedOnly bool
	Severities         []model.AlertSeverity
	Limit              int
}

func (f AlertFilter) matches(a model.Alert) bool {
	if f.UnacknowledgedOnly && a.Acknowledged {
		return false
	}
	if len(f.Severities) == 0 {
		return true
	}
	for _, s := range f.Severities {
		if a.Severity == s {
			return true
		}
	}
	return false
}

// NewStore returns the configured SQL store, or an in-memory store when storage is
// disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		st, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		st.(*postgresStore).skipMigrate = !cfg.MigrateOnStart
		return st, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
