package engine

import (
	"reflect"
	"testing"

	"examguard/internal/model"
)

func TestConsolidateOrdersByKindAndAverages(t *testing.T) {
	dets := []model.RawDetection{
		{Kind: model.KindSuspiciousObject, Confidence: 70, SourceFrameIndex: 0},
		{Kind: model.KindPhone, Confidence: 60, SourceFrameIndex: 1},
		{Kind: model.KindPhone, Confidence: 90, SourceFrameIndex: 2},
		{Kind: "hologram", Confidence: 99, SourceFrameIndex: 2},
	}
	got := Consolidate("s1:w1", dets)
	if len(got) != 2 {
		t.Fatalf("findings = %d, want 2", len(got))
	}
	if got[0].Kind != model.KindPhone || got[1].Kind != model.KindSuspiciousObject {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].OccurrenceCount != 2 || got[0].MaxConfidence != 90 || got[0].AvgConfidence != 75 {
		t.Fatalf("unexpected phone aggregate: %+v", got[0])
	}
	if got[0].WindowID != "s1:w1" || got[0].DedupeKey() != "s1:w1|phone" {
		t.Fatalf("unexpected identity: %+v", got[0])
	}
}

func TestConsolidateTieBreaksOnEarliestFrame(t *testing.T) {
	dets := []model.RawDetection{
		{Kind: model.KindMultipleFaces, Confidence: 88, SourceFrameIndex: 4, BoundingBox: &model.BoundingBox{X: 4}},
		{Kind: model.KindMultipleFaces, Confidence: 88, SourceFrameIndex: 1, BoundingBox: &model.BoundingBox{X: 1}},
	}
	got := Consolidate("w", dets)
	if got[0].RepresentativeBox == nil || got[0].RepresentativeBox.X != 1 {
		t.Fatalf("expected box from frame 1, got %+v", got[0].RepresentativeBox)
	}
	dets[1].BoundingBox.X = 42
	if got[0].RepresentativeBox.X != 1 {
		t.Fatal("representative box aliases the input")
	}
}

func TestConsolidateIsIdempotent(t *testing.T) {
	dets := []model.RawDetection{
		{Kind: model.KindLookingAway, Confidence: 71, SourceFrameIndex: 0},
		{Kind: model.KindPhone, Confidence: 93, SourceFrameIndex: 1, BoundingBox: &model.BoundingBox{X: 3, Y: 4, W: 20, H: 30}},
		{Kind: model.KindUnauthorizedPerson, Confidence: 66, SourceFrameIndex: 1},
		{Kind: model.KindPhone, Confidence: 93, SourceFrameIndex: 2, BoundingBox: &model.BoundingBox{X: 9}},
		{Kind: model.KindLookingAway, Confidence: 80, SourceFrameIndex: 3},
	}
	input := append([]model.RawDetection(nil), dets...)
	first := Consolidate("s1:w7", dets)
	second := Consolidate("s1:w7", dets)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("consolidation differs between runs:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(input, dets) {
		t.Fatal("consolidation modified its input")
	}
}

func TestConsolidateSameKindAggregates(t *testing.T) {
	for n := 1; n <= 12; n++ {
		dets := make([]model.RawDetection, n)
		maxConf, sum := 0, 0
		for i := range dets {
			conf := (i*37 + n*11) % 101
			dets[i] = model.RawDetection{Kind: model.KindSuspiciousObject, Confidence: conf, SourceFrameIndex: i}
			sum += conf
			if conf > maxConf {
				maxConf = conf
			}
		}
		got := Consolidate("w", dets)
		if len(got) != 1 {
			t.Fatalf("n=%d: findings = %d, want 1", n, len(got))
		}
		f := got[0]
		if f.OccurrenceCount != n || f.MaxConfidence != maxConf {
			t.Fatalf("n=%d: count=%d max=%d, want %d %d", n, f.OccurrenceCount, f.MaxConfidence, n, maxConf)
		}
		if want := float64(sum) / float64(n); f.AvgConfidence != want {
			t.Fatalf("n=%d: avg=%v, want %v", n, f.AvgConfidence, want)
		}
	}
}

func TestConsolidateEmpty(t *testing.T) {
	if got := Consolidate("w", nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestWindowDrain(t *testing.T) {
	w := NewWindow(2)
	f0 := w.Add(frame("s1", 0))
	f1 := w.Add(frame("s1", 1))
	if f0.Index != 0 || f1.Index != 1 || !w.Full() {
		t.Fatalf("unexpected window state: %d %d %v", f0.Index, f1.Index, w.Full())
	}
	id, frames := w.Drain("s1")
	if id != WindowID("s1", base) || len(frames) != 2 || w.Len() != 0 {
		t.Fatalf("unexpected drain: %s %d", id, len(frames))
	}
	if w.Accepts(base) {
		t.Fatal("window must reject timestamps not after the last frame")
	}
	if f := w.Add(frame("s1", 2)); f.Index != 2 {
		t.Fatalf("index continues across windows, got %d", f.Index)
	}
}
