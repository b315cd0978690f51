// Package incidents escalates accumulated high-severity alerts into incidents for
// human review and drives the incident review workflow.
package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"examguard/internal/config"
	"examguard/internal/metrics"
	"examguard/internal/model"
	"examguard/internal/notify"
	"examguard/internal/storage"
)

const ReportedBy = "system:escalator"

// Settings control when an incident is opened and how it is typed.
type Settings struct {
	Threshold int
	KindTypes map[model.DetectionKind]model.IncidentType
}

func SettingsFromConfig(cfg config.EscalationConfig) Settings {
	kinds := cfg.KindIncidentTypes
	if len(kinds) == 0 {
		kinds = config.DefaultKindIncidentTypes()
	}
	out := Settings{Threshold: cfg.IncidentAlertThreshold, KindTypes: make(map[model.DetectionKind]model.IncidentType, len(kinds))}
	for k, v := range kinds {
		out.KindTypes[model.DetectionKind(k)] = model.IncidentType(v)
	}
	if out.Threshold <= 0 {
		out.Threshold = 3
	}
	return out
}

// SeverityFor maps the highest alert severity onto the incident scale.
func SeverityFor(s model.AlertSeverity) model.IncidentSeverity {
	switch s {
	case model.AlertCritical:
		return model.IncidentCritical
	case model.AlertHigh:
		return model.IncidentMajor
	case model.AlertMedium:
		return model.IncidentModerate
	default:
		return model.IncidentMinor
	}
}

type Escalator struct {
	store    storage.Store
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	events   *notify.Notifier
	inst     *metrics.Instruments
	now      func() time.Time
	newID    func() string
}

func NewEscalator(store storage.Store, settings Settings, logger *slog.Logger, events *notify.Notifier, inst *metrics.Instruments) *Escalator {
	e := &Escalator{
		store:  store,
		logger: logger,
		events: events,
		inst:   inst,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	e.settings.Store(&settings)
	return e
}

// UpdateSettings applies a reloaded configuration to subsequent evaluations.
func (e *Escalator) UpdateSettings(s Settings) {
	e.settings.Store(&s)
}

// Result describes one evaluation. Incident is the open incident of the session,
// whether it was created by this call or already existed.
type Result struct {
	Incident *model.Incident
	Created  bool
	Pending  int
}

// Evaluate opens an incident when the session has accumulated at least Threshold
// unacknowledged high or critical alerts and no incident is already open. Alerts
// raised before a proctor closed an incident of the session were already reviewed
// and do not count again.
func (e *Escalator) Evaluate(ctx context.Context, sessionID string) (Result, error) {
	settings := e.settings.Load()
	alerts, err := e.store.ListAlerts(ctx, sessionID, storage.AlertFilter{
		UnacknowledgedOnly: true,
		Severities:         []model.AlertSeverity{model.AlertHigh, model.AlertCritical},
	})
	if err != nil {
		return Result{}, fmt.Errorf("list pending alerts: %w", err)
	}
	reviewed, err := e.reviewedUntil(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("list incidents: %w", err)
	}
	pending := alerts[:0]
	for _, a := range alerts {
		if a.CreatedAt.After(reviewed) {
			pending = append(pending, a)
		}
	}
	res := Result{Pending: len(pending)}
	if len(pending) < settings.Threshold {
		return res, nil
	}

	now := e.now()
	inc := model.Incident{
		ID:           e.newID(),
		SessionID:    sessionID,
		IncidentType: incidentType(pending, settings.KindTypes),
		Severity:     SeverityFor(highestSeverity(pending)),
		Status:       model.IncidentPending,
		ReportedBy:   ReportedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := e.store.CreateIncidentIfNoneOpen(ctx, inc)
	if err != nil {
		return res, fmt.Errorf("create incident: %w", err)
	}
	if !created {
		open, err := e.store.FindOpenIncident(ctx, sessionID)
		if err != nil {
			return res, fmt.Errorf("find open incident: %w", err)
		}
		res.Incident = open
		return res, nil
	}
	res.Incident = &inc
	res.Created = true
	e.inst.IncidentOpened(ctx, string(inc.IncidentType))
	e.events.Emit(ctx, notify.Event{Type: notify.EventIncidentOpened, SessionID: sessionID, Payload: inc})
	if e.logger != nil {
		e.logger.Warn("incident opened",
			"session_id", sessionID,
			"incident_id", inc.ID,
			"incident_type", inc.IncidentType,
			"severity", inc.Severity,
			"pending_alerts", len(pending),
		)
	}
	return res, nil
}

// reviewedUntil returns when the session's most recently closed incident was
// closed, or the zero time if none was.
func (e *Escalator) reviewedUntil(ctx context.Context, sessionID string) (time.Time, error) {
	list, err := e.store.ListIncidents(ctx, sessionID, 0)
	if err != nil {
		return time.Time{}, err
	}
	var until time.Time
	for _, inc := range list {
		if !inc.Status.Open() && inc.UpdatedAt.After(until) {
			until = inc.UpdatedAt
		}
	}
	return until, nil
}

// incidentType picks the type mapped from the most frequent alert kind. Ties go to
// the kind declared first.
func incidentType(alerts []model.Alert, kindTypes map[model.DetectionKind]model.IncidentType) model.IncidentType {
	counts := make(map[model.DetectionKind]int, len(model.Kinds))
	for _, a := range alerts {
		counts[a.AlertType]++
	}
	var dominant model.DetectionKind
	best := 0
	for _, k := range model.Kinds {
		if counts[k] > best {
			dominant, best = k, counts[k]
		}
	}
	if t, ok := kindTypes[dominant]; ok && t.Valid() {
		return t
	}
	return model.IncidentUnauthorizedAssistance
}

func highestSeverity(alerts []model.Alert) model.AlertSeverity {
	best := model.AlertLow
	for _, a := range alerts {
		if a.Severity.Rank() > best.Rank() {
			best = a.Severity
		}
	}
	return best
}
