// Package engine windows the frame stream of each session, runs detection over
// closed windows and hands the consolidated findings to alerting and escalation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"examguard/internal/alerts"
	"examguard/internal/config"
	"examguard/internal/detector"
	"examguard/internal/incidents"
	"examguard/internal/metrics"
	"examguard/internal/model"
	"examguard/internal/notify"
)

// SessionLookup resolves sessions the engine has not seen yet, e.g. after a restart.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*model.ExamSession, error)
}

type Deps struct {
	Detector    *detector.Guarded
	Alerts      *alerts.Generator
	Escalator   *incidents.Escalator
	Lookup      SessionLookup
	Snapshots   *metrics.Store
	Instruments *metrics.Instruments
	Events      *notify.Notifier
	Logger      *slog.Logger
}

type Engine struct {
	logger    *slog.Logger
	cfg       atomic.Pointer[config.Config]
	detector  *detector.Guarded
	alerts    *alerts.Generator
	escalator *incidents.Escalator
	lookup    SessionLookup
	snapshots *metrics.Store
	inst      *metrics.Instruments
	events    *notify.Notifier
	tracer    trace.Tracer
	frames    *DedupeCache
	finished  *lru.Cache[string, struct{}]
	mu        sync.Mutex
	sessions  map[string]*sessionState
	started   time.Time
	wg        sync.WaitGroup
}

type sessionState struct {
	mu      sync.Mutex
	id      string
	window  *Window
	pending []model.ConsolidatedFinding
	closed  bool
}

// WindowReport summarizes one closed window.
type WindowReport struct {
	SessionID        string                      `json:"session_id"`
	WindowID         string                      `json:"window_id"`
	Frames           int                         `json:"frames"`
	DetectorTimeouts int                         `json:"detector_timeouts"`
	Findings         []model.ConsolidatedFinding `json:"findings"`
	Alerts           []model.Alert               `json:"alerts"`
	Incident         *model.Incident             `json:"incident,omitempty"`
}

func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	finished, err := lru.New[string, struct{}](10000)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:    deps.Logger,
		detector:  deps.Detector,
		alerts:    deps.Alerts,
		escalator: deps.Escalator,
		lookup:    deps.Lookup,
		snapshots: deps.Snapshots,
		inst:      deps.Instruments,
		events:    deps.Events,
		tracer:    otel.Tracer("examguard/engine"),
		frames:    NewDedupeCache(50000, 10*time.Minute),
		finished:  finished,
		sessions:  make(map[string]*sessionState),
		started:   time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	return e, nil
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	if e.detector != nil {
		e.detector.SetTimeout(cfg.Detection.Timeout)
	}
	if e.escalator != nil {
		e.escalator.UpdateSettings(incidents.SettingsFromConfig(cfg.Escalation))
	}
}

func (e *Engine) config() *config.Config {
	if cfg := e.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

// Start consumes frames until in is closed or ctx is done. Frames are sharded to
// workers by session id, so one session's frames are processed in arrival order.
func (e *Engine) Start(ctx context.Context, in <-chan model.Frame) {
	workers := e.config().Ingest.Workers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan model.Frame, workers)
	for i := range queues {
		queues[i] = make(chan model.Frame, 64)
		e.wg.Add(1)
		go e.worker(ctx, queues[i])
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case f, ok := <-in:
				if !ok {
					return
				}
				select {
				case queues[shard(f.SessionID, workers)] <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every worker started by Start has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, q <-chan model.Frame) {
	defer e.wg.Done()
	for f := range q {
		if _, err := e.ProcessFrame(ctx, f); err != nil && e.logger != nil && !errors.Is(err, model.ErrInvariantViolation) {
			e.logger.Error("frame processing failed", "session_id", f.SessionID, "err", err)
		}
	}
}

func shard(sessionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}

// ProcessFrame adds one frame to its session window. When the window fills it is
// closed and the report is returned; otherwise the report is nil.
func (e *Engine) ProcessFrame(ctx context.Context, f model.Frame) (*WindowReport, error) {
	if f.SessionID == "" || f.Timestamp.IsZero() {
		e.reject(ctx, f, "malformed")
		return nil, fmt.Errorf("frame without session or timestamp: %w", model.ErrInvariantViolation)
	}
	st, err := e.session(ctx, f.SessionID)
	if err != nil {
		e.reject(ctx, f, "not_admitted")
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		e.reject(ctx, f, "session_closed")
		return nil, fmt.Errorf("session %s is finalized: %w", f.SessionID, model.ErrInvariantViolation)
	}
	if e.frames.Seen(hashFrame(f)) {
		e.reject(ctx, f, "duplicate")
		return nil, nil
	}
	if !st.window.Accepts(f.Timestamp) {
		e.reject(ctx, f, "out_of_order")
		if e.logger != nil {
			e.logger.Warn("out of order frame dropped",
				"session_id", f.SessionID,
				"timestamp", f.Timestamp.UTC().Format(time.RFC3339Nano),
			)
		}
		return nil, fmt.Errorf("frame at %s is not after the previous frame of session %s: %w",
			f.Timestamp.UTC().Format(time.RFC3339Nano), f.SessionID, model.ErrInvariantViolation)
	}
	st.window.Resize(e.config().Detection.WindowSize)
	st.window.Add(f)
	e.inst.FrameAccepted(ctx)
	e.snapshots.Update(f.SessionID, func(s *metrics.SessionSnapshot) { s.FramesAccepted++ })
	if !st.window.Full() {
		return nil, nil
	}
	return e.closeWindowLocked(ctx, st)
}

// Flush closes the session's partial window and retries findings whose alerts
// could not be persisted earlier. It returns nil, nil when there is nothing to do.
func (e *Engine) Flush(ctx context.Context, sessionID string) (*WindowReport, error) {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.closeWindowLocked(ctx, st)
}

// Seal stops the session from accepting frames and closes its partial window,
// so the returned report covers every frame the session will ever contribute.
// A sealed session is reopened by Admit.
func (e *Engine) Seal(ctx context.Context, sessionID string) (*WindowReport, error) {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	if !ok {
		st = e.newState(sessionID)
		e.sessions[sessionID] = st
	}
	e.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return e.closeWindowLocked(ctx, st)
}

// Admit registers a session for streaming without a lookup. It also reopens a
// sealed session whose finalization did not complete.
func (e *Engine) Admit(sessionID string) {
	e.mu.Lock()
	e.finished.Remove(sessionID)
	st, ok := e.sessions[sessionID]
	if !ok {
		e.sessions[sessionID] = e.newState(sessionID)
	}
	e.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.closed = false
		st.mu.Unlock()
	}
}

// Close discards the session's state. Later frames for it are rejected.
func (e *Engine) Close(sessionID string) {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.finished.Add(sessionID, struct{}{})
	e.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
	}
	if e.alerts != nil {
		e.alerts.Forget(sessionID)
	}
}

// Sessions lists the ids of sessions with live window state.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Uptime() time.Duration {
	return time.Since(e.started)
}

func (e *Engine) newState(sessionID string) *sessionState {
	return &sessionState{id: sessionID, window: NewWindow(e.config().Detection.WindowSize)}
}

func (e *Engine) session(ctx context.Context, sessionID string) (*sessionState, error) {
	e.mu.Lock()
	if st, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		return st, nil
	}
	if e.finished.Contains(sessionID) {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s is finalized: %w", sessionID, model.ErrInvariantViolation)
	}
	e.mu.Unlock()

	if e.lookup != nil {
		sess, err := e.lookup.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status != model.SessionInProgress {
			return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, model.ErrInvariantViolation)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.sessions[sessionID]; ok {
		return st, nil
	}
	st := e.newState(sessionID)
	e.sessions[sessionID] = st
	return st, nil
}

func (e *Engine) reject(ctx context.Context, f model.Frame, reason string) {
	e.inst.FrameRejected(ctx, reason)
	e.snapshots.Update(f.SessionID, func(s *metrics.SessionSnapshot) { s.FramesRejected++ })
}

func (e *Engine) closeWindowLocked(ctx context.Context, st *sessionState) (*WindowReport, error) {
	windowID, frames := st.window.Drain(st.id)
	if len(frames) == 0 && len(st.pending) == 0 {
		return nil, nil
	}
	cfg := e.config()
	report := &WindowReport{SessionID: st.id, WindowID: windowID, Frames: len(frames)}

	ctx, span := e.tracer.Start(ctx, "engine.window",
		trace.WithAttributes(
			attribute.String("session_id", st.id),
			attribute.String("window_id", windowID),
			attribute.Int("frames", len(frames)),
		))
	defer span.End()

	if len(frames) > 0 {
		began := time.Now()
		dets, timeouts := e.detect(ctx, frames, cfg.Detection.MaxParallel)
		report.DetectorTimeouts = timeouts
		report.Findings = Consolidate(windowID, dets)
		e.inst.WindowClosed(ctx, time.Since(began), timeouts)
		span.SetAttributes(attribute.Int("findings", len(report.Findings)), attribute.Int("detector_timeouts", timeouts))
		e.snapshots.Update(st.id, func(s *metrics.SessionSnapshot) {
			s.WindowsClosed++
			s.DetectorTimeouts += timeouts
			s.LastWindowID = windowID
			s.LastFindings = report.Findings
		})
		if e.logger != nil {
			e.logger.Debug("window closed",
				"session_id", st.id,
				"window_id", windowID,
				"frames", len(frames),
				"findings", len(report.Findings),
				"detector_timeouts", timeouts,
			)
		}
	}

	findings := append(st.pending, report.Findings...)
	if len(findings) == 0 || e.alerts == nil {
		st.pending = nil
		return report, nil
	}
	created, err := e.alerts.Generate(ctx, st.id, findings, alerts.Thresholds{
		MinConfidence: cfg.Alerts.MinConfidence,
		MinOccurrence: cfg.Alerts.MinOccurrence,
	})
	report.Alerts = created
	if len(created) > 0 {
		e.snapshots.Update(st.id, func(s *metrics.SessionSnapshot) { s.AlertsCreated += len(created) })
	}
	if err != nil {
		// Keep every finding of the failed call; settled keys are skipped on retry.
		st.pending = findings
		span.RecordError(err)
		span.SetStatus(codes.Error, "alert persistence failed")
		e.inst.PersistenceFailure(ctx, "create alert")
		e.events.Operator(ctx, notify.OperatorPersistenceFailure, st.id, err)
		return report, fmt.Errorf("persist alerts of %s: %w", windowID, err)
	}
	st.pending = nil

	if e.escalator != nil {
		res, err := e.escalator.Evaluate(ctx, st.id)
		if err != nil {
			e.events.Operator(ctx, notify.OperatorEscalationUnavailable, st.id, err)
		} else if res.Created {
			report.Incident = res.Incident
		}
	}
	return report, nil
}

// detect runs the detector over every frame of a window with bounded parallelism
// and returns the detections in frame order.
func (e *Engine) detect(ctx context.Context, frames []model.Frame, parallel int) ([]model.RawDetection, int) {
	if parallel < 1 {
		parallel = 1
	}
	results := make([][]model.RawDetection, len(frames))
	var timeouts atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, f := range frames {
		g.Go(func() error {
			dets, err := e.detector.Run(gctx, f)
			if errors.Is(err, model.ErrDetectorTimeout) {
				timeouts.Add(1)
			}
			results[i] = dets
			return nil
		})
	}
	_ = g.Wait()

	var merged []model.RawDetection
	for _, dets := range results {
		merged = append(merged, dets...)
	}
	return merged, int(timeouts.Load())
}
