// Package notify publishes pipeline events for downstream consumers and raises
// operator notices when the pipeline degrades.
package notify

import (
	"context"
	"time"
)

type EventType string

const (
	EventAlertCreated          EventType = "alert.created"
	EventIncidentOpened        EventType = "incident.opened"
	EventIncidentStatusChanged EventType = "incident.status_changed"
	EventSessionFinalized      EventType = "session.finalized"

	OperatorPersistenceFailure    EventType = "operator.persistence_failure"
	OperatorEscalationUnavailable EventType = "operator.escalation_unavailable"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher delivers events. Callers treat delivery as best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}
