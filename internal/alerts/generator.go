// Package alerts turns consolidated findings into persisted, severity-classified
// alerts.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"examguard/internal/metrics"
	"examguard/internal/model"
	"examguard/internal/notify"
	"examguard/internal/storage"
)

// Thresholds gate which findings become alerts.
type Thresholds struct {
	MinConfidence int
	MinOccurrence int
}

// Severity classifies a confidence score: below 70 is low, 70-84 medium, 85-94 high
// and 95 or more critical.
func Severity(confidence int) model.AlertSeverity {
	switch {
	case confidence >= 95:
		return model.AlertCritical
	case confidence >= 85:
		return model.AlertHigh
	case confidence >= 70:
		return model.AlertMedium
	default:
		return model.AlertLow
	}
}

// Describe renders the operator-facing text for a finding.
func Describe(f model.ConsolidatedFinding) string {
	kind := strings.ReplaceAll(string(f.Kind), "_", " ")
	if kind != "" {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	frames := "frame"
	if f.OccurrenceCount != 1 {
		frames = "frames"
	}
	return fmt.Sprintf("%s detected in %d %s (peak confidence %d%%, average %.0f%%)",
		kind, f.OccurrenceCount, frames, f.MaxConfidence, f.AvgConfidence)
}

type Generator struct {
	store  storage.Store
	recent *Store
	seen   *lru.Cache[string, struct{}]
	logger *slog.Logger
	events *notify.Notifier
	inst   *metrics.Instruments
	now    func() time.Time
	newID  func() string
}

type Option func(*Generator)

func WithRecent(s *Store) Option                     { return func(g *Generator) { g.recent = s } }
func WithNotifier(n *notify.Notifier) Option         { return func(g *Generator) { g.events = n } }
func WithInstruments(in *metrics.Instruments) Option { return func(g *Generator) { g.inst = in } }
func WithClock(now func() time.Time) Option          { return func(g *Generator) { g.now = now } }

// NewGenerator builds a generator. cacheSize bounds the in-process set of dedupe
// keys already settled in storage.
func NewGenerator(store storage.Store, cacheSize int, logger *slog.Logger, opts ...Option) (*Generator, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		store:  store,
		seen:   seen,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate persists one alert per qualifying finding and returns the alerts that
// were newly created. Findings whose dedupe key was already stored produce
// nothing, so calling Generate again for the same window is harmless. Errors from
// individual findings are joined; the remaining findings are still attempted.
func (g *Generator) Generate(ctx context.Context, sessionID string, findings []model.ConsolidatedFinding, th Thresholds) ([]model.Alert, error) {
	var (
		out  []model.Alert
		errs []error
	)
	for _, f := range findings {
		if f.MaxConfidence < th.MinConfidence || f.OccurrenceCount < th.MinOccurrence {
			continue
		}
		key := f.DedupeKey()
		if g.seen.Contains(key) {
			continue
		}
		alert := model.Alert{
			ID:              g.newID(),
			SessionID:       sessionID,
			AlertType:       f.Kind,
			Severity:        Severity(f.MaxConfidence),
			ConfidenceScore: f.MaxConfidence,
			Description:     Describe(f),
			DedupeKey:       key,
			CreatedAt:       g.now(),
		}
		created, err := g.store.CreateAlert(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", key, err))
			continue
		}
		g.seen.Add(key, struct{}{})
		if !created {
			continue
		}
		out = append(out, alert)
		if g.recent != nil {
			g.recent.Add(alert)
		}
		g.inst.AlertCreated(ctx, string(alert.AlertType), string(alert.Severity))
		g.events.Emit(ctx, notify.Event{Type: notify.EventAlertCreated, SessionID: sessionID, Payload: alert})
		if g.logger != nil {
			g.logger.Warn("alert created",
				"session_id", sessionID,
				"alert_type", alert.AlertType,
				"severity", alert.Severity,
				"confidence", alert.ConfidenceScore,
				"dedupe_key", key,
			)
		}
	}
	return out, errors.Join(errs...)
}

// Forget drops cached dedupe keys of a session's windows, e.g. once the session is
// finalized.
func (g *Generator) Forget(sessionID string) {
	prefix := sessionID + ":w"
	for _, key := range g.seen.Keys() {
		if strings.HasPrefix(key, prefix) {
			g.seen.Remove(key)
		}
	}
}
