// Package detector turns observation frames into raw detections. The pipeline only
// depends on the Detector contract; concrete classifiers are replaceable.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
)

type Detector interface {
	Detect(ctx context.Context, frame model.Frame) ([]model.RawDetection, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, frame model.Frame) ([]model.RawDetection, error)

func (f Func) Detect(ctx context.Context, frame model.Frame) ([]model.RawDetection, error) {
	return f(ctx, frame)
}

// TimeoutObserver is notified whenever a guarded call exceeds its bound.
type TimeoutObserver func(frame model.Frame)

// Guarded enforces the detector contract around an arbitrary classifier: a missing
// classifier yields no detections, calls are bounded by Timeout, and failures are
// fail-open. The bound can be changed while calls are in flight.
type Guarded struct {
	Inner     Detector
	Logger    *slog.Logger
	OnTimeout TimeoutObserver
	timeout   atomic.Int64
}

func NewGuarded(inner Detector, timeout time.Duration, logger *slog.Logger) *Guarded {
	g := &Guarded{Inner: inner, Logger: logger}
	g.SetTimeout(timeout)
	return g
}

func (g *Guarded) SetTimeout(d time.Duration) {
	g.timeout.Store(int64(d))
}

func (g *Guarded) Timeout() time.Duration {
	return time.Duration(g.timeout.Load())
}

type result struct {
	dets []model.RawDetection
	err  error
}

// Run calls the inner detector and returns sanitized detections. The returned error
// is informational (ErrDetectorTimeout or the classifier error); detections are
// always safe to use and are empty when err is non-nil.
func (g *Guarded) Run(ctx context.Context, frame model.Frame) ([]model.RawDetection, error) {
	if g == nil || g.Inner == nil {
		return nil, nil
	}
	bound := g.Timeout()
	callCtx := ctx
	cancel := func() {}
	if bound > 0 {
		callCtx, cancel = context.WithTimeout(ctx, bound)
	}
	defer cancel()

	done := make(chan result, 1)
	go func() {
		dets, err := g.Inner.Detect(callCtx, frame)
		done <- result{dets: dets, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, g.timedOut(frame, bound)
			}
			if g.Logger != nil {
				g.Logger.Warn("detector error, treating frame as empty",
					"session_id", frame.SessionID,
					"frame_index", frame.Index,
					"err", r.err,
				)
			}
			return nil, r.err
		}
		return sanitize(r.dets, frame.Index), nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.timedOut(frame, bound)
	}
}

// Detect satisfies Detector; errors are swallowed after logging.
func (g *Guarded) Detect(ctx context.Context, frame model.Frame) ([]model.RawDetection, error) {
	dets, _ := g.Run(ctx, frame)
	return dets, nil
}

func (g *Guarded) timedOut(frame model.Frame, bound time.Duration) error {
	err := fmt.Errorf("%w after %s", model.ErrDetectorTimeout, bound)
	if g.Logger != nil {
		g.Logger.Warn("detector timeout, frame treated as empty",
			"session_id", frame.SessionID,
			"frame_index", frame.Index,
			"timeout", bound.String(),
		)
	}
	if g.OnTimeout != nil {
		g.OnTimeout(frame)
	}
	return err
}

func sanitize(in []model.RawDetection, frameIndex int) []model.RawDetection {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.RawDetection, 0, len(in))
	for _, d := range in {
		if !d.Kind.Valid() {
			continue
		}
		if d.Confidence < 0 {
			d.Confidence = 0
		}
		if d.Confidence > 100 {
			d.Confidence = 100
		}
		d.SourceFrameIndex = frameIndex
		out = append(out, d)
	}
	return out
}

// New builds the classifier selected by cfg.Backend. "none" returns a nil Detector,
// which Guarded treats as degraded-but-available.
func New(ctx context.Context, cfg config.DetectionConfig, logger *slog.Logger) (Detector, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		if logger != nil {
			logger.Warn("no classifier configured, detections disabled")
		}
		return nil, nil
	case "stub":
		return NewStub(nil), nil
	case "gemini":
		g, err := NewGemini(ctx, cfg.Gemini, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported detector backend %q", cfg.Backend)
	}
}
