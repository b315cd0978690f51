package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:examguard.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serializing on one connection keeps
	// transactions from failing with SQLITE_BUSY under concurrent windows.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			biometric_verified INTEGER NOT NULL DEFAULT 0,
			score REAL,
			suspicious_activity_count INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT,
			user_agent TEXT,
			audit_required INTEGER NOT NULL DEFAULT 0,
			termination_reason TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence_score INTEGER NOT NULL,
			description TEXT,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT,
			dedupe_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			incident_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			reported_by TEXT,
			resolution_note TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_open
			ON incidents(session_id) WHERE status IN ('pending', 'investigating')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
