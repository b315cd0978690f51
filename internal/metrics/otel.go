package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments records pipeline counters through OpenTelemetry. A nil *Instruments
// is valid and records nothing.
type Instruments struct {
	framesAccepted      metric.Int64Counter
	framesRejected      metric.Int64Counter
	windowsClosed       metric.Int64Counter
	detectorTimeouts    metric.Int64Counter
	alertsCreated       metric.Int64Counter
	incidentsOpened     metric.Int64Counter
	persistenceFailures metric.Int64Counter
	sessionsFinalized   metric.Int64Counter
	windowDuration      metric.Float64Histogram
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.framesAccepted, err = meter.Int64Counter("examguard.frames.accepted",
		metric.WithDescription("Frames accepted into a session window")); err != nil {
		return nil, err
	}
	if in.framesRejected, err = meter.Int64Counter("examguard.frames.rejected",
		metric.WithDescription("Frames dropped before windowing")); err != nil {
		return nil, err
	}
	if in.windowsClosed, err = meter.Int64Counter("examguard.windows.closed"); err != nil {
		return nil, err
	}
	if in.detectorTimeouts, err = meter.Int64Counter("examguard.detector.timeouts",
		metric.WithDescription("Detector calls that exceeded their bound")); err != nil {
		return nil, err
	}
	if in.alertsCreated, err = meter.Int64Counter("examguard.alerts.created"); err != nil {
		return nil, err
	}
	if in.incidentsOpened, err = meter.Int64Counter("examguard.incidents.opened"); err != nil {
		return nil, err
	}
	if in.persistenceFailures, err = meter.Int64Counter("examguard.persistence.failures",
		metric.WithDescription("Storage operations that failed after retries")); err != nil {
		return nil, err
	}
	if in.sessionsFinalized, err = meter.Int64Counter("examguard.sessions.finalized"); err != nil {
		return nil, err
	}
	if in.windowDuration, err = meter.Float64Histogram("examguard.window.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent detecting and consolidating one window")); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Instruments) FrameAccepted(ctx context.Context) {
	if in == nil {
		return
	}
	in.framesAccepted.Add(ctx, 1)
}

func (in *Instruments) FrameRejected(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	in.framesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (in *Instruments) WindowClosed(ctx context.Context, took time.Duration, timeouts int) {
	if in == nil {
		return
	}
	in.windowsClosed.Add(ctx, 1)
	in.windowDuration.Record(ctx, took.Seconds())
	if timeouts > 0 {
		in.detectorTimeouts.Add(ctx, int64(timeouts))
	}
}

func (in *Instruments) AlertCreated(ctx context.Context, kind, severity string) {
	if in == nil {
		return
	}
	in.alertsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("severity", severity),
	))
}

func (in *Instruments) IncidentOpened(ctx context.Context, incidentType string) {
	if in == nil {
		return
	}
	in.incidentsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("incident_type", incidentType)))
}

func (in *Instruments) PersistenceFailure(ctx context.Context, op string) {
	if in == nil {
		return
	}
	in.persistenceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) SessionFinalized(ctx context.Context, status string, auditRequired bool) {
	if in == nil {
		return
	}
	in.sessionsFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("audit_required", auditRequired),
	))
}
