package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"examguard/internal/model"
)

func newSQLiteForTest(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteForTest(t)) })
}

func seedSession(t *testing.T, st Store, id string, status model.SessionStatus) {
	t.Helper()
	err := st.CreateSession(context.Background(), model.ExamSession{
		ID:        id,
		ExamID:    "exam-1",
		StudentID: "student-1",
		Status:    status,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func alertFor(sessionID, key string, sev model.AlertSeverity) model.Alert {
	return model.Alert{
		ID:              "a-" + key,
		SessionID:       sessionID,
		AlertType:       model.KindPhone,
		Severity:        sev,
		ConfidenceScore: 90,
		Description:     "phone",
		DedupeKey:       key,
	}
}

func TestCreateAlertIsIdempotentAndCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)

		created, err := st.CreateAlert(ctx, alertFor("s1", "s1:w1|phone", model.AlertHigh))
		if err != nil || !created {
			t.Fatalf("first create: created=%v err=%v", created, err)
		}
		dup := alertFor("s1", "s1:w1|phone", model.AlertHigh)
		dup.ID = "other-id"
		created, err = st.CreateAlert(ctx, dup)
		if err != nil || created {
			t.Fatalf("duplicate create: created=%v err=%v", created, err)
		}
		sess, err := st.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.SuspiciousActivityCount != 1 {
			t.Fatalf("count = %d, want 1", sess.SuspiciousActivityCount)
		}
		alerts, err := st.ListAlerts(ctx, "s1", AlertFilter{})
		if err != nil || len(alerts) != 1 {
			t.Fatalf("list alerts: %v %v", alerts, err)
		}
		if alerts[0].ID != "a-s1:w1|phone" {
			t.Fatalf("unexpected alert kept: %+v", alerts[0])
		}
	})
}

func TestCreateAlertUnknownSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.CreateAlert(context.Background(), alertFor("missing", "k", model.AlertLow))
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentAlertsCountExactly(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// Every key is submitted twice.
				key := fmt.Sprintf("s1:w%d|phone", i%10)
				a := alertFor("s1", key, model.AlertMedium)
				a.ID = fmt.Sprintf("id-%d", i)
				if _, err := st.CreateAlert(ctx, a); err != nil {
					t.Errorf("create alert: %v", err)
				}
			}(i)
		}
		wg.Wait()
		sess, _ := st.GetSession(ctx, "s1")
		if sess.SuspiciousActivityCount != 10 {
			t.Fatalf("count = %d, want 10", sess.SuspiciousActivityCount)
		}
	})
}

func TestListAlertsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)
		for i, sev := range []model.AlertSeverity{model.AlertLow, model.AlertHigh, model.AlertCritical} {
			if _, err := st.CreateAlert(ctx, alertFor("s1", fmt.Sprintf("k%d", i), sev)); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if _, err := st.AcknowledgeAlert(ctx, "a-k2", "proctor-1"); err != nil {
			t.Fatalf("ack: %v", err)
		}
		got, err := st.ListAlerts(ctx, "s1", AlertFilter{
			UnacknowledgedOnly: true,
			Severities:         []model.AlertSeverity{model.AlertHigh, model.AlertCritical},
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].Severity != model.AlertHigh {
			t.Fatalf("unexpected filter result: %+v", got)
		}
	})
}

func TestAcknowledgeKeepsFirstProctor(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)
		if _, err := st.CreateAlert(ctx, alertFor("s1", "k", model.AlertHigh)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := st.AcknowledgeAlert(ctx, "a-k", "first"); err != nil {
			t.Fatalf("ack: %v", err)
		}
		a, err := st.AcknowledgeAlert(ctx, "a-k", "second")
		if err != nil {
			t.Fatalf("re-ack: %v", err)
		}
		if !a.Acknowledged || a.AcknowledgedBy != "first" {
			t.Fatalf("unexpected ack state: %+v", a)
		}
		if _, err := st.AcknowledgeAlert(ctx, "nope", "p"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSingleOpenIncident(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)
		var (
			wg      sync.WaitGroup
			created atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := st.CreateIncidentIfNoneOpen(ctx, model.Incident{
					ID:           fmt.Sprintf("inc-%d", i),
					SessionID:    "s1",
					IncidentType: model.IncidentUnauthorizedAssistance,
					Severity:     model.IncidentCritical,
					Status:       model.IncidentPending,
					ReportedBy:   "system:escalator",
				})
				if err != nil {
					t.Errorf("create incident: %v", err)
				}
				if ok {
					created.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if created.Load() != 1 {
			t.Fatalf("created %d incidents, want 1", created.Load())
		}
		open, err := st.FindOpenIncident(ctx, "s1")
		if err != nil || open == nil {
			t.Fatalf("find open: %v %v", open, err)
		}

		// Closing the incident allows a new one.
		if err := st.UpdateIncidentStatus(ctx, IncidentTransition{ID: open.ID, From: model.IncidentPending, To: model.IncidentDismissed, Note: "camera glare"}); err != nil {
			t.Fatalf("dismiss: %v", err)
		}
		ok, err := st.CreateIncidentIfNoneOpen(ctx, model.Incident{ID: "inc-next", SessionID: "s1", IncidentType: model.IncidentTechnicalViolation, Severity: model.IncidentMinor})
		if err != nil || !ok {
			t.Fatalf("second incident: %v %v", ok, err)
		}
		list, err := st.ListIncidents(ctx, "s1", 0)
		if err != nil || len(list) != 2 {
			t.Fatalf("list incidents: %v %v", list, err)
		}
		dismissed, err := st.GetIncident(ctx, open.ID)
		if err != nil || dismissed.ResolutionNote != "camera glare" {
			t.Fatalf("resolution note not kept: %+v %v", dismissed, err)
		}
	})
}

func TestIncidentCASRejectsStaleFrom(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionInProgress)
		if _, err := st.CreateIncidentIfNoneOpen(ctx, model.Incident{ID: "inc", SessionID: "s1", IncidentType: model.IncidentCheatingConfirmed, Severity: model.IncidentMajor}); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := st.UpdateIncidentStatus(ctx, IncidentTransition{ID: "inc", From: model.IncidentInvestigating, To: model.IncidentResolved})
		if !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		err = st.UpdateIncidentStatus(ctx, IncidentTransition{ID: "missing", From: model.IncidentPending, To: model.IncidentResolved})
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSessionStatusCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedSession(t, st, "s1", model.SessionNotStarted)
		start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		if err := st.UpdateSessionStatus(ctx, SessionTransition{ID: "s1", From: model.SessionNotStarted, To: model.SessionInProgress, At: start, BiometricVerified: true}); err != nil {
			t.Fatalf("start: %v", err)
		}
		err := st.UpdateSessionStatus(ctx, SessionTransition{ID: "s1", From: model.SessionNotStarted, To: model.SessionInProgress})
		if !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		end := start.Add(time.Hour)
		if err := st.UpdateSessionStatus(ctx, SessionTransition{ID: "s1", From: model.SessionInProgress, To: model.SessionFlagged, At: end, AuditRequired: true}); err != nil {
			t.Fatalf("flag: %v", err)
		}
		sess, err := st.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if sess.Status != model.SessionFlagged || !sess.AuditRequired || !sess.BiometricVerified {
			t.Fatalf("unexpected session: %+v", sess)
		}
		if sess.StartedAt == nil || !sess.StartedAt.Equal(start) {
			t.Fatalf("started_at = %v, want %v", sess.StartedAt, start)
		}
		if sess.EndedAt == nil || !sess.EndedAt.Equal(end) {
			t.Fatalf("ended_at = %v, want %v", sess.EndedAt, end)
		}
		if _, err := st.GetSession(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDollarRebind(t *testing.T) {
	got := dollarRebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)")
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

type flakyStore struct {
	Store
	failures atomic.Int32
}

func (f *flakyStore) CreateAlert(ctx context.Context, a model.Alert) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return f.Store.CreateAlert(ctx, a)
}

func testPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: time.Second}
}

func TestRetryRecoversTransientErrors(t *testing.T) {
	inner := NewMemory()
	seedSession(t, inner, "s1", model.SessionInProgress)
	flaky := &flakyStore{Store: inner}
	flaky.failures.Store(2)
	st := WithRetry(flaky, testPolicy(5), nil)

	created, err := st.CreateAlert(context.Background(), alertFor("s1", "k", model.AlertHigh))
	if err != nil || !created {
		t.Fatalf("expected success after retries: %v %v", created, err)
	}
	sess, _ := st.GetSession(context.Background(), "s1")
	if sess.SuspiciousActivityCount != 1 {
		t.Fatalf("count = %d, want 1", sess.SuspiciousActivityCount)
	}
}

func TestRetryExhaustionIsPersistenceError(t *testing.T) {
	inner := NewMemory()
	seedSession(t, inner, "s1", model.SessionInProgress)
	flaky := &flakyStore{Store: inner}
	flaky.failures.Store(100)
	st := WithRetry(flaky, testPolicy(3), nil)

	_, err := st.CreateAlert(context.Background(), alertFor("s1", "k", model.AlertHigh))
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if got := 100 - flaky.failures.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestRetryDoesNotRetryNotFound(t *testing.T) {
	st := WithRetry(NewMemory(), testPolicy(5), nil)
	_, err := st.GetSession(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected bare ErrNotFound, got %v", err)
	}
}
