package incidents

import (
	"context"
	"fmt"

	"examguard/internal/model"
	"examguard/internal/notify"
	"examguard/internal/storage"
)

var incidentEdges = map[model.IncidentStatus][]model.IncidentStatus{
	model.IncidentPending:       {model.IncidentInvestigating, model.IncidentDismissed},
	model.IncidentInvestigating: {model.IncidentResolved, model.IncidentDismissed},
}

// CanTransition reports whether an incident may move from one status to another.
// Resolved and dismissed are final.
func CanTransition(from, to model.IncidentStatus) bool {
	for _, next := range incidentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves an incident along the review workflow. A concurrent reviewer
// changing the status first surfaces as model.ErrInvalidTransition.
func (e *Escalator) Transition(ctx context.Context, incidentID string, to model.IncidentStatus, note string) (*model.Incident, error) {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(inc.Status, to) {
		return nil, fmt.Errorf("incident %s %s -> %s: %w", incidentID, inc.Status, to, model.ErrInvalidTransition)
	}
	err = e.store.UpdateIncidentStatus(ctx, storage.IncidentTransition{
		ID:   incidentID,
		From: inc.Status,
		To:   to,
		Note: note,
		At:   e.now(),
	})
	if err != nil {
		return nil, err
	}
	updated, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	e.events.Emit(ctx, notify.Event{
		Type:      notify.EventIncidentStatusChanged,
		SessionID: updated.SessionID,
		Payload:   map[string]any{"incident": updated, "from": inc.Status},
	})
	if e.logger != nil {
		e.logger.Info("incident status changed", "incident_id", incidentID, "from", inc.Status, "to", to)
	}
	return updated, nil
}
