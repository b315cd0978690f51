package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"examguard/internal/model"
	"examguard/internal/storage"
)

func TestAdmitCreatesAndStartsSession(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	created, err := admit(ctx, st, "s1")
	if err != nil || !created {
		t.Fatalf("admit: created=%v err=%v", created, err)
	}
	sess, err := st.GetSession(ctx, "s1")
	if err != nil || sess.Status != model.SessionInProgress {
		t.Fatalf("session: %+v err=%v", sess, err)
	}
	if created, err := admit(ctx, st, "s1"); err != nil || created {
		t.Fatalf("second admit: created=%v err=%v", created, err)
	}
}

func TestAdmitRejectsFinishedSession(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	if err := st.CreateSession(ctx, model.ExamSession{ID: "s1", ExamID: "e", StudentID: "u", Status: model.SessionSubmitted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := admit(ctx, st, "s1"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCheckConfigPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examguard.yaml")
	content := "log_level: debug\ndetection:\n  window_size: 7\n  gemini:\n    api_key: secret\n" +
		"storage:\n  driver: postgres\n  dsn: postgres://exam:hunter2@db/examguard\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"check-config", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "window_size: 7") || strings.Contains(got, "secret") || strings.Contains(got, "hunter2") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestRedactDSN(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"postgres://exam:s3cret@db:5432/examguard?sslmode=disable", "postgres://exam:xxxxx@db:5432/examguard?sslmode=disable"},
		{"host=db user=exam password=s3cret dbname=examguard", "host=db user=exam password=*** dbname=examguard"},
		{"host=db password='s3 cret' dbname=examguard", "host=db password=*** dbname=examguard"},
		{"file:examguard.db?_pragma=busy_timeout(5000)", "file:examguard.db?_pragma=busy_timeout(5000)"},
	}
	for _, c := range cases {
		if got := redactDSN(c.in); got != c.want {
			t.Fatalf("redactDSN(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	m, err := loadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get().Detection.WindowSize <= 0 || m.Path() != "" {
		t.Fatalf("unexpected config: %+v", m.Get().Detection)
	}
}
