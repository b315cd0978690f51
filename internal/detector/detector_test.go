package detector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
)

func TestGuardedNilInnerIsEmpty(t *testing.T) {
	g := NewGuarded(nil, time.Second, nil)
	dets, err := g.Run(context.Background(), model.Frame{SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("expected no detections, got %d", len(dets))
	}
}

func TestGuardedTimeoutFailsOpen(t *testing.T) {
	stub := NewStub([][]model.RawDetection{{{Kind: model.KindPhone, Confidence: 99}}})
	stub.Delay = 200 * time.Millisecond
	var timeouts atomic.Int32
	g := NewGuarded(stub, 10*time.Millisecond, nil)
	g.OnTimeout = func(model.Frame) { timeouts.Add(1) }

	dets, err := g.Run(context.Background(), model.Frame{SessionID: "s1", Index: 3})
	if !errors.Is(err, model.ErrDetectorTimeout) {
		t.Fatalf("expected ErrDetectorTimeout, got %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("expected zero detections on timeout")
	}
	if timeouts.Load() != 1 {
		t.Fatalf("expected timeout observer to fire once, got %d", timeouts.Load())
	}
	if dets, err := g.Detect(context.Background(), model.Frame{}); err != nil || len(dets) != 0 {
		t.Fatalf("Detect must swallow timeout: %v %v", dets, err)
	}
}

func TestGuardedSanitizes(t *testing.T) {
	stub := NewStub([][]model.RawDetection{{
		{Kind: model.KindPhone, Confidence: 140},
		{Kind: "laser", Confidence: 80},
		{Kind: model.KindLookingAway, Confidence: -5, SourceFrameIndex: 99},
	}})
	g := NewGuarded(stub, time.Second, nil)
	dets, err := g.Run(context.Background(), model.Frame{Index: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[0].Confidence != 100 || dets[1].Confidence != 0 {
		t.Fatalf("confidence not clamped: %+v", dets)
	}
	for _, d := range dets {
		if d.SourceFrameIndex != 7 {
			t.Fatalf("frame index not stamped: %+v", d)
		}
	}
}

func TestGuardedInnerErrorIsEmpty(t *testing.T) {
	stub := NewStub(nil)
	stub.Err = errors.New("model unavailable")
	g := NewGuarded(stub, time.Second, nil)
	dets, err := g.Run(context.Background(), model.Frame{})
	if err == nil || len(dets) != 0 {
		t.Fatalf("expected error and no detections, got %v %v", dets, err)
	}
}

func TestStubByIndexAndCycle(t *testing.T) {
	stub := NewStub([][]model.RawDetection{
		{{Kind: model.KindPhone, Confidence: 61}},
		nil,
	})
	stub.ByIndex = map[int][]model.RawDetection{5: {{Kind: model.KindMultipleFaces, Confidence: 90}}}
	ctx := context.Background()
	if d, _ := stub.Detect(ctx, model.Frame{Index: 5}); len(d) != 1 || d[0].Kind != model.KindMultipleFaces {
		t.Fatalf("ByIndex not used: %+v", d)
	}
	if d, _ := stub.Detect(ctx, model.Frame{Index: 0}); len(d) != 0 {
		t.Fatalf("expected second sequence entry (empty), got %+v", d)
	}
	if d, _ := stub.Detect(ctx, model.Frame{Index: 1}); len(d) != 1 || d[0].Kind != model.KindPhone {
		t.Fatalf("expected cycle back to first entry, got %+v", d)
	}
	if stub.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", stub.Calls())
	}
}

func TestParseClassifierJSON(t *testing.T) {
	dets, err := ParseClassifierJSON("```json\n[{\"kind\":\"Phone\",\"confidence\":88,\"box\":{\"x\":1,\"y\":2,\"w\":3,\"h\":4}},{\"kind\":\"ghost\",\"confidence\":50}]\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	if dets[0].Kind != model.KindPhone || dets[0].Confidence != 88 || dets[0].BoundingBox == nil || dets[0].BoundingBox.H != 4 {
		t.Fatalf("unexpected detection: %+v", dets[0])
	}
	if dets, err := ParseClassifierJSON("[]"); err != nil || len(dets) != 0 {
		t.Fatalf("empty array: %v %v", dets, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	d, err := New(context.Background(), configFor("none"), nil)
	if err != nil || d != nil {
		t.Fatalf("none backend: %v %v", d, err)
	}
	d, err = New(context.Background(), configFor("stub"), nil)
	if err != nil || d == nil {
		t.Fatalf("stub backend: %v %v", d, err)
	}
	if _, err := New(context.Background(), configFor("yolo"), nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func configFor(backend string) config.DetectionConfig {
	cfg := config.DefaultConfig().Detection
	cfg.Backend = backend
	return cfg
}
