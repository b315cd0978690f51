package alerts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"examguard/internal/model"
	"examguard/internal/notify"
	"examguard/internal/storage"
)

func TestSeverityBoundaries(t *testing.T) {
	cases := []struct {
		confidence int
		want       model.AlertSeverity
	}{
		{0, model.AlertLow},
		{69, model.AlertLow},
		{70, model.AlertMedium},
		{84, model.AlertMedium},
		{85, model.AlertHigh},
		{94, model.AlertHigh},
		{95, model.AlertCritical},
		{100, model.AlertCritical},
	}
	for _, tc := range cases {
		if got := Severity(tc.confidence); got != tc.want {
			t.Fatalf("Severity(%d) = %s, want %s", tc.confidence, got, tc.want)
		}
	}
}

func newSession(t *testing.T, st storage.Store, id string) {
	t.Helper()
	if err := st.CreateSession(context.Background(), model.ExamSession{ID: id, ExamID: "e", StudentID: "u", Status: model.SessionInProgress}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func finding(window string, kind model.DetectionKind, count, max int) model.ConsolidatedFinding {
	return model.ConsolidatedFinding{WindowID: window, Kind: kind, OccurrenceCount: count, MaxConfidence: max, AvgConfidence: float64(max)}
}

var defaultThresholds = Thresholds{MinConfidence: 60, MinOccurrence: 1}

func TestGenerateFiltersAndClassifies(t *testing.T) {
	st := storage.NewMemory()
	newSession(t, st, "s1")
	recent := NewStore(10)
	rec := &notify.Recorder{}
	g, err := NewGenerator(st, 16, nil, WithRecent(recent), WithNotifier(notify.NewNotifier(rec, nil)))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	created, err := g.Generate(context.Background(), "s1", []model.ConsolidatedFinding{
		finding("s1:w1", model.KindPhone, 3, 97),
		finding("s1:w1", model.KindLookingAway, 2, 59),
		finding("s1:w1", model.KindMultipleFaces, 1, 72),
	}, defaultThresholds)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d alerts, want 2", len(created))
	}
	if created[0].Severity != model.AlertCritical || created[0].ConfidenceScore != 97 {
		t.Fatalf("unexpected phone alert: %+v", created[0])
	}
	if created[1].Severity != model.AlertMedium || created[1].DedupeKey != "s1:w1|multiple_faces" {
		t.Fatalf("unexpected faces alert: %+v", created[1])
	}
	if created[0].Description != "Phone detected in 3 frames (peak confidence 97%, average 97%)" {
		t.Fatalf("description = %q", created[0].Description)
	}
	sess, _ := st.GetSession(context.Background(), "s1")
	if sess.SuspiciousActivityCount != 2 {
		t.Fatalf("count = %d, want 2", sess.SuspiciousActivityCount)
	}
	if len(recent.List(0)) != 2 || rec.Count(notify.EventAlertCreated) != 2 {
		t.Fatalf("recent ring or events not updated")
	}
}

func TestGenerateMinOccurrence(t *testing.T) {
	st := storage.NewMemory()
	newSession(t, st, "s1")
	g, _ := NewGenerator(st, 16, nil)
	created, err := g.Generate(context.Background(), "s1", []model.ConsolidatedFinding{
		finding("s1:w1", model.KindPhone, 1, 90),
	}, Thresholds{MinConfidence: 60, MinOccurrence: 2})
	if err != nil || len(created) != 0 {
		t.Fatalf("expected no alerts, got %v %v", created, err)
	}
}

func TestGenerateIsIdempotentAcrossGenerators(t *testing.T) {
	st := storage.NewMemory()
	newSession(t, st, "s1")
	findings := []model.ConsolidatedFinding{finding("s1:w4", model.KindPhone, 2, 88)}

	g1, _ := NewGenerator(st, 16, nil)
	if created, err := g1.Generate(context.Background(), "s1", findings, defaultThresholds); err != nil || len(created) != 1 {
		t.Fatalf("first generate: %v %v", created, err)
	}
	// A fresh generator has an empty cache, so the store must dedupe.
	g2, _ := NewGenerator(st, 16, nil)
	if created, err := g2.Generate(context.Background(), "s1", findings, defaultThresholds); err != nil || len(created) != 0 {
		t.Fatalf("replay generate: %v %v", created, err)
	}
	sess, _ := st.GetSession(context.Background(), "s1")
	if sess.SuspiciousActivityCount != 1 {
		t.Fatalf("count = %d, want 1", sess.SuspiciousActivityCount)
	}
}

// countingStore fails CreateAlert a fixed number of times after the underlying
// write already happened, like a commit whose acknowledgement was lost.
type countingStore struct {
	storage.Store
	lostAcks atomic.Int32
	calls    atomic.Int32
}

func (c *countingStore) CreateAlert(ctx context.Context, a model.Alert) (bool, error) {
	c.calls.Add(1)
	created, err := c.Store.CreateAlert(ctx, a)
	if err != nil {
		return created, err
	}
	if c.lostAcks.Add(-1) >= 0 {
		return false, errors.New("connection reset after commit")
	}
	return created, nil
}

func TestGenerateRetryDoesNotDoubleCount(t *testing.T) {
	inner := storage.NewMemory()
	newSession(t, inner, "s1")
	flaky := &countingStore{Store: inner}
	flaky.lostAcks.Store(1)
	st := storage.WithRetry(flaky, storage.RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	g, _ := NewGenerator(st, 16, nil)

	_, err := g.Generate(context.Background(), "s1", []model.ConsolidatedFinding{finding("s1:w1", model.KindPhone, 1, 99)}, defaultThresholds)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if flaky.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", flaky.calls.Load())
	}
	sess, _ := inner.GetSession(context.Background(), "s1")
	if sess.SuspiciousActivityCount != 1 {
		t.Fatalf("count = %d after retry, want 1", sess.SuspiciousActivityCount)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) CreateAlert(context.Context, model.Alert) (bool, error) {
	return false, model.ErrPersistence
}

func TestGenerateSurfacesPersistenceErrors(t *testing.T) {
	inner := storage.NewMemory()
	newSession(t, inner, "s1")
	g, _ := NewGenerator(failingStore{Store: inner}, 16, nil)
	findings := []model.ConsolidatedFinding{finding("s1:w1", model.KindPhone, 1, 99)}
	_, err := g.Generate(context.Background(), "s1", findings, defaultThresholds)
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	// The key must not be cached, so a later retry still reaches the store.
	if g.seen.Contains("s1:w1|phone") {
		t.Fatal("failed key was cached")
	}
}

func TestForgetDropsSessionKeys(t *testing.T) {
	st := storage.NewMemory()
	newSession(t, st, "s1")
	g, _ := NewGenerator(st, 16, nil)
	_, _ = g.Generate(context.Background(), "s1", []model.ConsolidatedFinding{finding("s1:w1", model.KindPhone, 1, 99)}, defaultThresholds)
	g.Forget("s1")
	if g.seen.Len() != 0 {
		t.Fatalf("cache still holds %d keys", g.seen.Len())
	}
}
